package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/labdaq/internal/driver"
)

// Rows returns up to limit rows of a rows dataset in append order, starting
// after offset. A limit of zero returns everything. NULL in a float column
// reads back as NaN.
func (s *Store) Rows(ds Dataset, offset, limit int) ([][]any, error) {
	if ds.Kind != KindRows {
		return nil, fmt.Errorf("dataset %s is %s, not rows", ds.Name, ds.Kind)
	}
	cols := make([]string, len(ds.Fields))
	for i, f := range ds.Fields {
		cols[i] = quoteIdent(f.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY seq", strings.Join(cols, ", "), ds.table())
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	} else if offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		dest := make([]any, len(ds.Fields))
		ptrs := make([]any, len(ds.Fields))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, f := range ds.Fields {
			if typ, _ := f.sqlType(); dest[i] == nil && typ == "REAL" {
				dest[i] = math.NaN()
			}
		}
		out = append(out, dest)
	}
	return out, rows.Err()
}

// Events returns the events of an events dataset in append order.
func (s *Store) Events(ds Dataset) ([][3]string, error) {
	rows, err := s.db.Query(`SELECT time, command, result FROM events WHERE dataset_id = ? ORDER BY seq`, ds.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][3]string
	for rows.Next() {
		var e [3]string
		if err := rows.Scan(&e[0], &e[1], &e[2]); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Block loads a fast-device acquisition.
func (s *Store) Block(ds Dataset) (*driver.Block, error) {
	var enc string
	var data []byte
	err := s.db.QueryRow(`SELECT encoding, data FROM blobs WHERE dataset_id = ?`, ds.ID).Scan(&enc, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if enc != BlockEncoding {
		return nil, fmt.Errorf("block %s: unknown encoding %q", ds.Name, enc)
	}
	return DecodeBlock(data)
}
