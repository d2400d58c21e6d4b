// Package store is the durable, append-only record of a run: runs contain
// groups, groups contain datasets, and datasets only ever grow. It is backed
// by SQLite with one table per growable row dataset.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Dataset kinds.
const (
	KindRows   = "rows"
	KindEvents = "events"
	KindBlock  = "block"
)

// Field types accepted in row datasets.
const (
	TypeFloat  = "float64"
	TypeInt    = "int64"
	TypeString = "string"
)

var (
	ErrNotFound = errors.New("not found")
	ErrRowShape = errors.New("row does not match dataset fields")
)

// Field is one column of a row dataset.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (f Field) sqlType() (string, error) {
	switch f.Type {
	case TypeFloat, "float32", "float":
		return "REAL", nil
	case TypeInt, "int32", "int":
		return "INTEGER", nil
	case TypeString, "str":
		return "TEXT", nil
	}
	return "", fmt.Errorf("field %s: unsupported type %q", f.Name, f.Type)
}

// Run is one acquisition run.
type Run struct {
	ID     int64     `json:"id"`
	Name   string    `json:"name"`
	Label  string    `json:"label"`
	UUID   string    `json:"uuid"`
	Origin time.Time `json:"origin"`
}

// Dataset describes one dataset inside a group.
type Dataset struct {
	ID       int64   `json:"id"`
	GroupID  int64   `json:"group_id"`
	Name     string  `json:"name"`
	Kind     string  `json:"kind"`
	Fields   []Field `json:"fields,omitempty"`
	RowCount int64   `json:"row_count"`
}

// table is the backing table of a rows dataset.
func (d Dataset) table() string { return fmt.Sprintf("rows_%d", d.ID) }

// CheckRow reports whether row fits the dataset's fields.
func (d Dataset) CheckRow(row []any) error {
	if len(row) != len(d.Fields) {
		return fmt.Errorf("%w: %s has %d fields, row has %d", ErrRowShape, d.Name, len(d.Fields), len(row))
	}
	for i, v := range row {
		if _, err := coerce(d.Fields[i], v); err != nil {
			return err
		}
	}
	return nil
}

// Store is a handle on one store file.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the store at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection: the writer's transaction and debug reads queue on it
	// instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &Store{db: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the handle for read-only debugging.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the file the store was opened from.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

// RunName formats the run name from its origin and label.
func RunName(origin time.Time, label string) string {
	name := origin.Format("2006-01-02 15-04-05")
	if label != "" {
		name += " " + label
	}
	return name
}

// CreateRun records a new run. Names are unique: a run is never reopened.
func (s *Store) CreateRun(label string, origin time.Time, attrs map[string]string) (*Run, error) {
	run := &Run{Name: RunName(origin, label), Label: label, UUID: uuid.NewString(), Origin: origin}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO runs (name, label, uuid, origin_unix_ns) VALUES (?, ?, ?, ?)`,
		run.Name, label, run.UUID, origin.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create run %q: %w", run.Name, err)
	}
	if run.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	for k, v := range attrs {
		if _, err := tx.Exec(`INSERT INTO run_attrs (run_id, key, value) VALUES (?, ?, ?)`, run.ID, k, v); err != nil {
			return nil, fmt.Errorf("run attribute %s: %w", k, err)
		}
	}
	return run, tx.Commit()
}

// Runs lists every run, oldest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(`SELECT run_id, name, label, uuid, origin_unix_ns FROM runs ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		var ns int64
		if err := rows.Scan(&r.ID, &r.Name, &r.Label, &r.UUID, &ns); err != nil {
			return nil, err
		}
		r.Origin = time.Unix(0, ns).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunAttrs returns the metadata recorded with a run.
func (s *Store) RunAttrs(runID int64) (map[string]string, error) {
	return s.attrs(`SELECT key, value FROM run_attrs WHERE run_id = ?`, runID)
}

// EnsureGroup returns the group name inside run, creating it if needed.
func (s *Store) EnsureGroup(runID int64, name string) (int64, error) {
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO groups (run_id, name) VALUES (?, ?)`, runID, name); err != nil {
		return 0, fmt.Errorf("create group %s: %w", name, err)
	}
	var id int64
	err := s.db.QueryRow(`SELECT group_id FROM groups WHERE run_id = ? AND name = ?`, runID, name).Scan(&id)
	return id, err
}

// EnsureDataset returns the named dataset in group, creating it (and for row
// datasets its backing table) if needed. An existing dataset keeps its
// original fields.
func (s *Store) EnsureDataset(groupID int64, name, kind string, fields []Field, attrs map[string]string) (Dataset, error) {
	if ds, err := s.lookupDataset(groupID, name); err == nil {
		return ds, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Dataset{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Dataset{}, err
	}
	defer tx.Rollback()
	ds, err := createDataset(tx, groupID, name, kind, fields, attrs)
	if err != nil {
		return Dataset{}, err
	}
	if err := tx.Commit(); err != nil {
		return Dataset{}, err
	}
	return ds, nil
}

func createDataset(tx *sql.Tx, groupID int64, name, kind string, fields []Field, attrs map[string]string) (Dataset, error) {
	if kind == KindRows && len(fields) == 0 {
		return Dataset{}, fmt.Errorf("dataset %s: row datasets need fields", name)
	}
	enc, err := json.Marshal(fields)
	if err != nil {
		return Dataset{}, err
	}
	res, err := tx.Exec(`INSERT INTO datasets (group_id, name, kind, fields) VALUES (?, ?, ?, ?)`,
		groupID, name, kind, string(enc))
	if err != nil {
		return Dataset{}, fmt.Errorf("create dataset %s: %w", name, err)
	}
	ds := Dataset{GroupID: groupID, Name: name, Kind: kind, Fields: fields}
	if ds.ID, err = res.LastInsertId(); err != nil {
		return Dataset{}, err
	}
	for k, v := range attrs {
		if _, err := tx.Exec(`INSERT INTO dataset_attrs (dataset_id, key, value) VALUES (?, ?, ?)`, ds.ID, k, v); err != nil {
			return Dataset{}, fmt.Errorf("dataset attribute %s: %w", k, err)
		}
	}
	if kind == KindRows {
		cols := make([]string, 0, len(fields)+1)
		cols = append(cols, "seq INTEGER PRIMARY KEY")
		for _, f := range fields {
			typ, err := f.sqlType()
			if err != nil {
				return Dataset{}, err
			}
			cols = append(cols, quoteIdent(f.Name)+" "+typ)
		}
		if _, err := tx.Exec(fmt.Sprintf("CREATE TABLE %s (%s)", ds.table(), strings.Join(cols, ", "))); err != nil {
			return Dataset{}, fmt.Errorf("create table for %s: %w", name, err)
		}
		for _, op := range []string{"UPDATE", "DELETE"} {
			stmt := fmt.Sprintf(`CREATE TRIGGER %[1]s_no_%[2]s BEFORE %[3]s ON %[1]s
BEGIN
    SELECT RAISE(ABORT, 'rows are append-only');
END`, ds.table(), strings.ToLower(op), op)
			if _, err := tx.Exec(stmt); err != nil {
				return Dataset{}, fmt.Errorf("protect table for %s: %w", name, err)
			}
		}
	}
	return ds, nil
}

func (s *Store) lookupDataset(groupID int64, name string) (Dataset, error) {
	return scanDataset(s.db.QueryRow(`SELECT dataset_id, group_id, name, kind, fields, row_count
		FROM datasets WHERE group_id = ? AND name = ?`, groupID, name))
}

// Dataset returns the dataset with the given id, with its current row count.
func (s *Store) Dataset(id int64) (Dataset, error) {
	return scanDataset(s.db.QueryRow(`SELECT dataset_id, group_id, name, kind, fields, row_count
		FROM datasets WHERE dataset_id = ?`, id))
}

// FindDataset looks a dataset up by group and name.
func (s *Store) FindDataset(groupID int64, name string) (Dataset, error) {
	return s.lookupDataset(groupID, name)
}

type scanner interface{ Scan(dest ...any) error }

func scanDataset(row scanner) (Dataset, error) {
	var ds Dataset
	var fields string
	if err := row.Scan(&ds.ID, &ds.GroupID, &ds.Name, &ds.Kind, &fields, &ds.RowCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Dataset{}, ErrNotFound
		}
		return Dataset{}, err
	}
	if err := json.Unmarshal([]byte(fields), &ds.Fields); err != nil {
		return Dataset{}, fmt.Errorf("dataset %s fields: %w", ds.Name, err)
	}
	return ds, nil
}

// Datasets lists the datasets of a group in creation order.
func (s *Store) Datasets(groupID int64) ([]Dataset, error) {
	rows, err := s.db.Query(`SELECT dataset_id, group_id, name, kind, fields, row_count
		FROM datasets WHERE group_id = ? ORDER BY dataset_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// DatasetAttrs returns a dataset's metadata.
func (s *Store) DatasetAttrs(id int64) (map[string]string, error) {
	return s.attrs(`SELECT key, value FROM dataset_attrs WHERE dataset_id = ?`, id)
}

func (s *Store) attrs(query string, id int64) (map[string]string, error) {
	rows, err := s.db.Query(query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
