package builtin

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/timeutil"
)

// FastSamples is the waveform length of one testfast record.
const FastSamples = 100

// FastInfo describes the synthetic fast instrument: one record of two
// channels of FastSamples samples per read.
var FastInfo = driver.Info{
	Name:       "testfast",
	Commands:   []string{"set_nan", "status"},
	ScanParams: []string{"frequency"},
	DType:      "float64",
	Shape:      []int{1, 2, FastSamples},
}

// Fast emits a sine and cosine block whose phase follows the run clock.
type Fast struct {
	warnings
	origin time.Time
	clock  timeutil.Clock

	mu        sync.Mutex
	frequency float64
	nan       bool
}

// NewFastFactory returns the testfast factory. A nil clock uses wall time.
func NewFastFactory(clock timeutil.Clock) driver.Factory {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return func(origin time.Time, list []string) (driver.Driver, *driver.InitFault) {
		m := params(list)
		fault := faultParam(m)
		if fault != nil && fault.Severity == driver.SeverityError {
			return nil, fault
		}
		f := &Fast{origin: origin, clock: clock, frequency: 1}
		if v, ok := m["frequency"]; ok {
			freq, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, &driver.InitFault{Severity: driver.SeverityError, Message: "frequency: " + err.Error()}
			}
			f.frequency = freq
		}
		return f, fault
	}
}

func (f *Fast) ReadValue(ctx context.Context) (driver.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := timeutil.Seconds(f.clock, f.origin)
	if f.nan {
		return driver.Record{Time: t}, nil
	}
	data := make([]float64, 2*FastSamples)
	for i := 0; i < FastSamples; i++ {
		phase := 2*math.Pi*f.frequency*float64(i)/FastSamples + t
		data[i] = math.Sin(phase)
		data[FastSamples+i] = math.Cos(phase)
	}
	return driver.Record{
		Time:  t,
		Block: &driver.Block{Shape: []int{1, 2, FastSamples}, Data: data},
		Attrs: map[string]string{
			"frequency": strconv.FormatFloat(f.frequency, 'g', -1, 64),
			"samples":   strconv.Itoa(FastSamples),
			"channels":  "sin,cos",
		},
	}, nil
}

func (f *Fast) Scan(ctx context.Context, param string, value float64) error {
	if err := FastInfo.ValidateScanParam(param); err != nil {
		return err
	}
	f.mu.Lock()
	f.frequency = value
	f.mu.Unlock()
	return nil
}

func (f *Fast) Commands() driver.CommandSet {
	return driver.CommandSet{
		"set_nan": func(ctx context.Context, arg string) (any, error) {
			on, err := onOff(arg)
			if err != nil {
				return nil, err
			}
			f.mu.Lock()
			f.nan = on
			f.mu.Unlock()
			return nil, nil
		},
		"status": func(ctx context.Context, _ string) (any, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.nan {
				return driver.Reading{Text: "no signal", State: "off"}, nil
			}
			return driver.Reading{Text: "acquiring", State: "on"}, nil
		},
	}
}

func (f *Fast) Close() error { return nil }
