// Package sequencer expands per-parameter axis specifications into a plan of
// parameter assignments, distributes the plan to device loops as command
// batches, and advances it on hardware trigger edges.
package sequencer

import (
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Mode selects how an axis produces its values.
type Mode string

const (
	Linear Mode = "linear"
	Manual Mode = "manual"
)

// Axis assigns values to one device parameter. Children ride along with
// their parent: they must produce the same number of samples and contribute
// extra columns to every row the parent contributes to.
type Axis struct {
	Device string `json:"device" toml:"device"`
	Param  string `json:"param" toml:"param"`
	Mode   Mode   `json:"mode" toml:"mode"`
	// Samples is the point count of a linear axis. Linear children inherit
	// it from their parent.
	Samples int     `json:"samples,omitempty" toml:"samples,omitempty"`
	Start   float64 `json:"start,omitempty" toml:"start,omitempty"`
	End     float64 `json:"end,omitempty" toml:"end,omitempty"`
	// Values lists the points of a manual axis.
	Values   []float64 `json:"values,omitempty" toml:"values,omitempty"`
	Children []Axis    `json:"children,omitempty" toml:"children,omitempty"`
}

// ParseValues reads a manual value list separated by commas or whitespace.
func ParseValues(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("manual value %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// expand returns the axis values. n is the inherited sample count for a
// linear child, zero for a top-level axis.
func (a Axis) expand(n int) ([]float64, error) {
	if a.Device == "" || a.Param == "" {
		return nil, fmt.Errorf("axis needs a device and a parameter")
	}
	switch a.Mode {
	case Linear:
		if n == 0 {
			n = a.Samples
		}
		if n < 1 {
			return nil, fmt.Errorf("axis %s [%s]: linear axis needs at least one sample", a.Device, a.Param)
		}
		if n == 1 {
			return []float64{a.Start}, nil
		}
		return floats.Span(make([]float64, n), a.Start, a.End), nil
	case Manual:
		if len(a.Values) == 0 {
			return nil, fmt.Errorf("axis %s [%s]: manual axis has no values", a.Device, a.Param)
		}
		return append([]float64(nil), a.Values...), nil
	}
	return nil, fmt.Errorf("axis %s [%s]: sample mode %q not supported", a.Device, a.Param, a.Mode)
}

// block expands a top-level axis and its children into rows of
// 1+len(Children) columns.
func (a Axis) block() ([]Column, [][]float64, error) {
	parent, err := a.expand(0)
	if err != nil {
		return nil, nil, err
	}
	cols := []Column{{Device: a.Device, Param: a.Param}}
	series := [][]float64{parent}
	for _, c := range a.Children {
		if len(c.Children) > 0 {
			return nil, nil, fmt.Errorf("axis %s [%s]: children cannot be nested", c.Device, c.Param)
		}
		vals, err := c.expand(len(parent))
		if err != nil {
			return nil, nil, err
		}
		if len(vals) != len(parent) {
			return nil, nil, fmt.Errorf("axis %s [%s]: child has %d samples, parent has %d",
				c.Device, c.Param, len(vals), len(parent))
		}
		cols = append(cols, Column{Device: c.Device, Param: c.Param})
		series = append(series, vals)
	}
	rows := make([][]float64, len(parent))
	for i := range rows {
		row := make([]float64, len(series))
		for j, s := range series {
			row[j] = s[i]
		}
		rows[i] = row
	}
	return cols, rows, nil
}
