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

// SlowInfo describes the synthetic slow instrument.
var SlowInfo = driver.Info{
	Name:       "testslow",
	Commands:   []string{"beep", "takeinput", "wait_seconds", "set_nan", "output", "status", "warn"},
	ScanParams: []string{"amplitude", "offset"},
	DType:      "float64",
	Shape:      []int{2},
}

// Slow emits rows of [t, offset + amplitude*sin(t)].
type Slow struct {
	warnings
	origin time.Time
	clock  timeutil.Clock

	mu        sync.Mutex
	amplitude float64
	offset    float64
	nan       bool
	output    bool
}

// NewSlowFactory returns the testslow factory. A nil clock uses wall time.
func NewSlowFactory(clock timeutil.Clock) driver.Factory {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return func(origin time.Time, list []string) (driver.Driver, *driver.InitFault) {
		m := params(list)
		fault := faultParam(m)
		if fault != nil && fault.Severity == driver.SeverityError {
			return nil, fault
		}
		return &Slow{origin: origin, clock: clock, amplitude: 1}, fault
	}
}

func (s *Slow) ReadValue(ctx context.Context) (driver.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nan {
		return driver.NaN(), nil
	}
	t := timeutil.Seconds(s.clock, s.origin)
	return driver.Record{Time: t, Row: []any{t, s.offset + s.amplitude*math.Sin(t)}}, nil
}

func (s *Slow) Scan(ctx context.Context, param string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch param {
	case "amplitude":
		s.amplitude = value
	case "offset":
		s.offset = value
	default:
		return SlowInfo.ValidateScanParam(param)
	}
	return nil
}

func (s *Slow) Commands() driver.CommandSet {
	return driver.CommandSet{
		"beep": func(ctx context.Context, _ string) (any, error) {
			return "beep", nil
		},
		"takeinput": func(ctx context.Context, arg string) (any, error) {
			return arg, nil
		},
		"wait_seconds": func(ctx context.Context, arg string) (any, error) {
			secs, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, err
			}
			s.clock.Sleep(time.Duration(secs * float64(time.Second)))
			return nil, ctx.Err()
		},
		"set_nan": func(ctx context.Context, arg string) (any, error) {
			on, err := onOff(arg)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.nan = on
			s.mu.Unlock()
			return nil, nil
		},
		"output": func(ctx context.Context, arg string) (any, error) {
			if arg == "" {
				s.mu.Lock()
				defer s.mu.Unlock()
				return stateText(s.output), nil
			}
			on, err := onOff(arg)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.output = on
			s.mu.Unlock()
			return stateText(on), nil
		},
		"status": func(ctx context.Context, _ string) (any, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			return driver.Reading{Text: "output " + stateText(s.output), State: stateText(s.output)}, nil
		},
		"warn": func(ctx context.Context, arg string) (any, error) {
			s.warn(s.clock.Now(), "%s", arg)
			return nil, nil
		},
	}
}

func (s *Slow) Close() error { return nil }
