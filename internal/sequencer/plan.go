package sequencer

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/fsutil"
)

// ErrNoSequence is returned when a plan is required but none was generated.
var ErrNoSequence = errors.New("no sequence generated")

// Column names the device parameter a plan column assigns.
type Column struct {
	Device string `toml:"device" json:"device"`
	Param  string `toml:"param" json:"param"`
}

func (c Column) String() string { return fmt.Sprintf("%s [%s]", c.Device, c.Param) }

// Plan is an immutable generated sequence: one row of values per trigger
// advance, one column per device parameter.
type Plan struct {
	Created  time.Time   `toml:"created" json:"created"`
	Elements int         `toml:"element_number" json:"element_number"`
	Samples  int         `toml:"sample_number" json:"sample_number"`
	Repeat   int         `toml:"repetition" json:"repetition"`
	Shuffled bool        `toml:"shuffle" json:"shuffle"`
	Columns  []Column    `toml:"columns" json:"columns"`
	Rows     [][]float64 `toml:"rows" json:"rows"`
}

// Generate builds a plan from top-level axes. The first axis varies slowest.
// Each row of the product is repeated repeat times in a row, and the whole
// plan is then permuted when shuffle is set. rng may be nil.
func Generate(axes []Axis, repeat int, shuffle bool, rng *rand.Rand) (*Plan, error) {
	if len(axes) == 0 {
		return nil, ErrNoSequence
	}
	if repeat < 1 {
		return nil, fmt.Errorf("repeat count %d must be at least 1", repeat)
	}

	var cols []Column
	var acc [][]float64
	for i, a := range axes {
		c, rows, err := a.block()
		if err != nil {
			return nil, err
		}
		cols = append(cols, c...)
		if i == 0 {
			acc = rows
			continue
		}
		acc = product(acc, rows)
	}
	samples := len(acc)

	out := make([][]float64, 0, samples*repeat)
	for _, row := range acc {
		for r := 0; r < repeat; r++ {
			out = append(out, append([]float64(nil), row...))
		}
	}
	if shuffle {
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}

	return &Plan{
		Created:  time.Now().UTC().Truncate(time.Second),
		Elements: len(out),
		Samples:  samples,
		Repeat:   repeat,
		Shuffled: shuffle,
		Columns:  cols,
		Rows:     out,
	}, nil
}

// product repeats every accumulated row len(next) times and tiles next
// len(acc) times alongside it.
func product(acc, next [][]float64) [][]float64 {
	out := make([][]float64, 0, len(acc)*len(next))
	for _, a := range acc {
		for _, n := range next {
			row := make([]float64, 0, len(a)+len(n))
			row = append(row, a...)
			out = append(out, append(row, n...))
		}
	}
	return out
}

// Len returns the number of rows.
func (p *Plan) Len() int { return len(p.Rows) }

// Devices lists the devices the plan drives, in column order without
// duplicates.
func (p *Plan) Devices() []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range p.Columns {
		if !seen[c.Device] {
			seen[c.Device] = true
			out = append(out, c.Device)
		}
	}
	return out
}

// DeviceBatches returns, per device, one batch of scan commands per row.
// A device with several columns gets all of them in each batch, in column
// order.
func (p *Plan) DeviceBatches() map[string][][]driver.Command {
	out := make(map[string][][]driver.Command)
	for _, dev := range p.Devices() {
		batches := make([][]driver.Command, len(p.Rows))
		for i, row := range p.Rows {
			for j, c := range p.Columns {
				if c.Device == dev {
					batches[i] = append(batches[i], driver.ScanCmd(c.Param, row[j]))
				}
			}
		}
		out[dev] = batches
	}
	return out
}

// Marshal encodes the plan as TOML.
func (p *Plan) Marshal() ([]byte, error) {
	return toml.Marshal(p)
}

// ParsePlan decodes a TOML plan.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	for i, row := range p.Rows {
		if len(row) != len(p.Columns) {
			return nil, fmt.Errorf("plan row %d has %d values for %d columns", i, len(row), len(p.Columns))
		}
	}
	return &p, nil
}

// SavePlan writes the plan to dir as saved_sequence_<timestamp>.toml and
// returns the path and the encoded bytes.
func SavePlan(fs fsutil.FileSystem, dir string, p *Plan) (string, []byte, error) {
	data, err := p.Marshal()
	if err != nil {
		return "", nil, fmt.Errorf("encode plan: %w", err)
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create plan dir: %w", err)
	}
	name := filepath.Join(dir, "saved_sequence_"+p.Created.Format("20060102_150405")+".toml")
	if err := fs.WriteFile(name, data, 0o644); err != nil {
		return "", nil, fmt.Errorf("write plan: %w", err)
	}
	return name, data, nil
}
