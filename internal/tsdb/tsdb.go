// Package tsdb mirrors slow-device rows and warnings into a time-series
// database. Writes are best-effort: callers log failures and move on.
package tsdb

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/labdaq/internal/driver"
)

// WarningsMeasurement holds warning points for every device.
const WarningsMeasurement = "warnings"

// RunTag tags every point with the run it belongs to.
const RunTag = "run_name"

// Point is one time-series point.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// Sink accepts points. Implementations need not be safe for concurrent use;
// wrap them in Serialized when they are shared.
type Sink interface {
	Write(ctx context.Context, points ...Point) error
	Close() error
}

// Measurement names the series a device's rows are written to.
func Measurement(device string) string { return "Dev: " + device }

// RowPoints converts slow-device records into points, one per record. The
// first column is the record time and is not written as a field. NaN values
// are skipped, as are records with no time or no remaining fields.
func RowPoints(device, run string, origin time.Time, columns []string, recs []driver.Record) []Point {
	out := make([]Point, 0, len(recs))
	for _, rec := range recs {
		if len(rec.Row) < 2 || math.IsNaN(rec.Time) {
			continue
		}
		fields := make(map[string]any, len(rec.Row)-1)
		for j := 1; j < len(rec.Row) && j < len(columns); j++ {
			switch v := rec.Row[j].(type) {
			case float64:
				if math.IsNaN(v) {
					continue
				}
				fields[columns[j]] = v
			case nil:
			default:
				fields[columns[j]] = v
			}
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, Point{
			Measurement: Measurement(device),
			Tags:        map[string]string{RunTag: run},
			Fields:      fields,
			Time:        offset(origin, rec.Time),
		})
	}
	return out
}

// WarningPoints converts drained warnings into points on the warnings
// measurement, with the device name as the field key.
func WarningPoints(device, run string, warnings []driver.Warning) []Point {
	out := make([]Point, 0, len(warnings))
	for _, w := range warnings {
		out = append(out, Point{
			Measurement: WarningsMeasurement,
			Tags:        map[string]string{RunTag: run},
			Fields:      map[string]any{device: w.Message},
			Time:        w.Time,
		})
	}
	return out
}

func offset(origin time.Time, seconds float64) time.Time {
	return origin.Add(time.Duration(math.Round(seconds * 1e9)))
}

// Serialized shares one sink between goroutines, one write at a time.
type Serialized struct {
	mu   sync.Mutex
	sink Sink
}

func NewSerialized(s Sink) *Serialized { return &Serialized{sink: s} }

func (s *Serialized) Write(ctx context.Context, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.Write(ctx, points...)
}

func (s *Serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.Close()
}

// Discard drops every point. It stands in when no database is configured.
type Discard struct{}

func (Discard) Write(context.Context, ...Point) error { return nil }
func (Discard) Close() error                          { return nil }

// Memory keeps points in memory. It counts overlapping writes and can be
// told to fail.
type Memory struct {
	mu       sync.Mutex
	points   []Point
	inFlight int
	overlaps int
	fail     error
	// Delay holds each write open for a while, to widen overlap windows
	// in tests.
	Delay time.Duration
}

func (m *Memory) Write(_ context.Context, points ...Point) error {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > 1 {
		m.overlaps++
	}
	fail, delay := m.fail, m.Delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	if fail != nil {
		return fmt.Errorf("memory sink: %w", fail)
	}
	m.points = append(m.points, points...)
	return nil
}

func (m *Memory) Close() error { return nil }

// Points returns a copy of everything written so far.
func (m *Memory) Points() []Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Point(nil), m.points...)
}

// SetFail makes subsequent writes fail with err (nil clears it).
func (m *Memory) SetFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// OverlapCount reports how many writes started while another was running.
func (m *Memory) OverlapCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlaps
}
