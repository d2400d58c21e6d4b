// Package driver defines the contract between a device loop and an instrument
// driver, the values that flow out of a loop, and the closed registry of
// driver factories and command names validated at configuration load.
package driver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrUnknownCommand is returned when a command name is not offered by
	// the driver.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrNotScannable is returned when a scan command targets a driver that
	// does not implement Scanner.
	ErrNotScannable = errors.New("driver does not support scan")
	// ErrUnknownDriver is returned by the registry for unregistered names.
	ErrUnknownDriver = errors.New("unknown driver")
)

// Severity grades a construction fault.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// InitFault is reported by a driver constructor. A warning fault lets the
// caller decide whether to continue; an error fault aborts the loop.
type InitFault struct {
	Severity Severity
	Message  string
}

func (f *InitFault) Error() string {
	return fmt.Sprintf("%s: %s", f.Severity, f.Message)
}

// Block is the multi-dimensional payload of a fast device, stored row-major.
// By convention Shape is (records, channels, samples).
type Block struct {
	Shape []int     `cbor:"shape" json:"shape"`
	Data  []float64 `cbor:"data" json:"data"`
}

// Size returns the number of elements implied by Shape.
func (b *Block) Size() int {
	if len(b.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range b.Shape {
		n *= d
	}
	return n
}

// Validate checks that Data matches Shape.
func (b *Block) Validate() error {
	if b.Size() != len(b.Data) {
		return fmt.Errorf("block shape %v needs %d values, have %d", b.Shape, b.Size(), len(b.Data))
	}
	return nil
}

// Record is one read from a driver. Slow devices fill Row, whose first
// element is the acquisition time in seconds since the run origin. Fast
// devices fill Block and Attrs. A Record with neither is the NaN marker.
type Record struct {
	Time  float64
	Row   []any
	Block *Block
	Attrs map[string]string
}

// NaN returns the marker a driver reports when a read produced no value.
func NaN() Record { return Record{Time: math.NaN()} }

// IsMarker reports whether the record is the NaN marker or an empty block,
// so it holds nothing to publish or persist.
func (r Record) IsMarker() bool {
	if r.Block != nil {
		return len(r.Block.Data) == 0
	}
	return len(r.Row) == 0
}

// IsNaN reports whether the record carries no usable value: the NaN marker,
// or a row whose numeric fields after the time column are all NaN.
func (r Record) IsNaN() bool {
	if r.Block != nil {
		return len(r.Block.Data) == 0
	}
	if len(r.Row) == 0 {
		return true
	}
	var nums []float64
	for _, v := range r.Row[1:] {
		if f, ok := v.(float64); ok {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		return false
	}
	return floats.Count(math.IsNaN, nums) == len(nums)
}

// Float returns field i as a float64 when it is numeric.
func (r Record) Float(i int) (float64, bool) {
	if i < 0 || i >= len(r.Row) {
		return 0, false
	}
	switch v := r.Row[i].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func (r Record) String() string {
	if r.Block != nil {
		return fmt.Sprintf("block%v", r.Block.Shape)
	}
	if len(r.Row) == 0 {
		return "NaN"
	}
	parts := make([]string, len(r.Row))
	for i, v := range r.Row {
		parts[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Event records one executed command and its stringified outcome.
type Event struct {
	Time    float64 `json:"time"`
	Command string  `json:"command"`
	Result  string  `json:"result"`
}

// Strings returns the three persisted columns of an event.
func (e Event) Strings() [3]string {
	return [3]string{fmt.Sprintf("%.3f [s]", e.Time), e.Command, e.Result}
}

// MonitoringEvent is the outcome of a monitoring-only command. Value keeps
// the raw return so indicators can interpret it.
type MonitoringEvent struct {
	Time    float64
	Command string
	Value   any
	Err     error
}

// Reading is the value an indicator's monitoring command returns: display
// text plus a state drawn from the indicator's declared state set.
type Reading struct {
	Text  string
	State string
}

// Warning reports an abnormal condition in a driver or loop.
type Warning struct {
	Time    time.Time      `json:"time"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s %s", w.Time.Format(time.RFC3339Nano), w.Message)
}

// CommandFunc executes one named driver command. arg is the literal argument
// text, empty when the command was written without one.
type CommandFunc func(ctx context.Context, arg string) (any, error)

// CommandSet maps command names to their implementations.
type CommandSet map[string]CommandFunc

// Driver is the capability a device loop operates. Calls are made from the
// loop goroutine only and may block on hardware I/O.
type Driver interface {
	// ReadValue performs one acquisition. Drivers return NaN() when the
	// instrument produced nothing.
	ReadValue(ctx context.Context) (Record, error)
	// GetWarnings returns and clears the driver's pending warnings.
	GetWarnings() []Warning
	// Commands lists the named update/return methods.
	Commands() CommandSet
	// Close releases the instrument.
	Close() error
}

// Scanner is implemented by drivers that accept sequenced parameters.
type Scanner interface {
	Scan(ctx context.Context, param string, value float64) error
}

// Factory constructs a driver. origin is the run time origin; params are the
// ordered constructor arguments from the device configuration. A nil driver
// is only valid together with an error-severity fault.
type Factory func(origin time.Time, params []string) (Driver, *InitFault)
