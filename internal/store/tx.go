package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/labdaq/internal/driver"
)

// Tx groups one writer cycle's appends. Nothing is visible until Commit.
type Tx struct {
	tx *sql.Tx
}

// Begin opens a write transaction.
func (s *Store) Begin() (*Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

func coerce(f Field, v any) (any, error) {
	switch f.Type {
	case TypeFloat, "float32", "float":
		switch x := v.(type) {
		case float64:
			if math.IsNaN(x) {
				return nil, nil
			}
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		case nil:
			return nil, nil
		}
	case TypeInt, "int32", "int":
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		case float64:
			if x == math.Trunc(x) && !math.IsInf(x, 0) {
				return int64(x), nil
			}
		}
	case TypeString, "str":
		switch x := v.(type) {
		case string:
			return x, nil
		default:
			return fmt.Sprint(x), nil
		}
	}
	return nil, fmt.Errorf("%w: field %s (%s) cannot hold %T", ErrRowShape, f.Name, f.Type, v)
}

// AppendRows appends rows to a rows dataset in order. A single row skips the
// prepared statement.
func (t *Tx) AppendRows(ds Dataset, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if ds.Kind != KindRows {
		return fmt.Errorf("dataset %s is %s, not rows", ds.Name, ds.Kind)
	}
	cols := make([]string, len(ds.Fields))
	marks := make([]string, len(ds.Fields))
	for i, f := range ds.Fields {
		cols[i] = quoteIdent(f.Name)
		marks[i] = "?"
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", ds.table(), strings.Join(cols, ", "), strings.Join(marks, ", "))

	args := func(row []any) ([]any, error) {
		if len(row) != len(ds.Fields) {
			return nil, fmt.Errorf("%w: %s has %d fields, row has %d", ErrRowShape, ds.Name, len(ds.Fields), len(row))
		}
		out := make([]any, len(row))
		for i, v := range row {
			c, err := coerce(ds.Fields[i], v)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	}

	if len(rows) == 1 {
		a, err := args(rows[0])
		if err != nil {
			return err
		}
		if _, err := t.tx.Exec(query, a...); err != nil {
			return fmt.Errorf("append row to %s: %w", ds.Name, err)
		}
	} else {
		stmt, err := t.tx.Prepare(query)
		if err != nil {
			return fmt.Errorf("prepare append to %s: %w", ds.Name, err)
		}
		defer stmt.Close()
		for _, row := range rows {
			a, err := args(row)
			if err != nil {
				return err
			}
			if _, err := stmt.Exec(a...); err != nil {
				return fmt.Errorf("append rows to %s: %w", ds.Name, err)
			}
		}
	}
	return t.grow(ds.ID, len(rows))
}

func (t *Tx) grow(id int64, n int) error {
	_, err := t.tx.Exec(`UPDATE datasets SET row_count = row_count + ? WHERE dataset_id = ?`, n, id)
	return err
}

// AppendEvents appends events to an events dataset.
func (t *Tx) AppendEvents(ds Dataset, events []driver.Event) error {
	if len(events) == 0 {
		return nil
	}
	if ds.Kind != KindEvents {
		return fmt.Errorf("dataset %s is %s, not events", ds.Name, ds.Kind)
	}
	var next int64
	if err := t.tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE dataset_id = ?`, ds.ID).Scan(&next); err != nil {
		return err
	}
	stmt, err := t.tx.Prepare(`INSERT INTO events (dataset_id, seq, time, command, result) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		next++
		cols := ev.Strings()
		if _, err := stmt.Exec(ds.ID, next, cols[0], cols[1], cols[2]); err != nil {
			return fmt.Errorf("append event to %s: %w", ds.Name, err)
		}
	}
	return t.grow(ds.ID, len(events))
}

// CreateBlock stores one immutable fast-device acquisition as its own
// dataset, with attrs as dataset metadata.
func (t *Tx) CreateBlock(groupID int64, name string, b *driver.Block, attrs map[string]string) (Dataset, error) {
	data, err := EncodeBlock(b)
	if err != nil {
		return Dataset{}, fmt.Errorf("block %s: %w", name, err)
	}
	ds, err := createDataset(t.tx, groupID, name, KindBlock, nil, attrs)
	if err != nil {
		return Dataset{}, err
	}
	shape, _ := json.Marshal(b.Shape)
	if _, err := t.tx.Exec(`INSERT INTO blobs (dataset_id, shape, encoding, data) VALUES (?, ?, ?, ?)`,
		ds.ID, string(shape), BlockEncoding, data); err != nil {
		return Dataset{}, fmt.Errorf("store block %s: %w", name, err)
	}
	if err := t.grow(ds.ID, 1); err != nil {
		return Dataset{}, err
	}
	ds.RowCount = 1
	return ds, nil
}
