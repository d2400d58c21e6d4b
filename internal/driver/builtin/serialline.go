package builtin

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/serialmux"
	"github.com/banshee-data/labdaq/internal/timeutil"
)

// SerialLineInfo describes the generic serial instrument. Any scan parameter
// name is forwarded to the instrument as "<PARAM> <value>".
var SerialLineInfo = driver.Info{
	Name:       "serialline",
	Commands:   []string{"send", "query", "status"},
	ScanParams: []string{"*"},
	DType:      "float64",
}

// SerialLine drives an instrument that answers a query with one line of
// comma-separated numbers. Constructor parameters:
//
//	path=/dev/ttyUSB0   port path (or the first bare parameter)
//	baud=9600           baud rate
//	parity=N            N, E or O
//	query=MEAS?         command sent on every read
//	status=OUTP?        command behind the status indicator
//	init=*RST;SYST:REM  start-up commands, semicolon separated
//	timeout=500ms       per-query timeout
type SerialLine struct {
	warnings
	origin  time.Time
	clock   timeutil.Clock
	mux     *serialmux.SerialMux[serialmux.SerialPorter]
	cancel  context.CancelFunc
	done    chan struct{}
	query   string
	status  string
	timeout time.Duration
}

// NewSerialLineFactory returns the serialline factory.
func NewSerialLineFactory(opener serialmux.SerialPortOpener, clock timeutil.Clock) driver.Factory {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return func(origin time.Time, list []string) (driver.Driver, *driver.InitFault) {
		m := params(list)
		path := m["path"]
		if path == "" {
			path = m["0"]
		}
		if path == "" {
			return nil, &driver.InitFault{Severity: driver.SeverityError, Message: "serial port path not set"}
		}
		opts := serialmux.PortOptions{Parity: m["parity"]}
		if v, ok := m["baud"]; ok {
			baud, err := strconv.Atoi(v)
			if err != nil {
				return nil, &driver.InitFault{Severity: driver.SeverityError, Message: "baud: " + err.Error()}
			}
			opts.BaudRate = baud
		}
		timeout := serialmux.DefaultQueryTimeout
		if v, ok := m["timeout"]; ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, &driver.InitFault{Severity: driver.SeverityError, Message: "timeout: " + err.Error()}
			}
			timeout = d
		}
		port, err := opener(path, opts)
		if err != nil {
			return nil, &driver.InitFault{Severity: driver.SeverityError, Message: fmt.Sprintf("open %s: %v", path, err)}
		}

		ctx, cancel := context.WithCancel(context.Background())
		s := &SerialLine{
			origin:  origin,
			clock:   clock,
			mux:     serialmux.NewSerialMux(port),
			cancel:  cancel,
			done:    make(chan struct{}),
			query:   m["query"],
			status:  m["status"],
			timeout: timeout,
		}
		if s.query == "" {
			s.query = "MEAS?"
		}
		go func() {
			defer close(s.done)
			s.mux.Monitor(ctx)
		}()

		if init := m["init"]; init != "" {
			if err := s.mux.Initialize(strings.Split(init, ";")); err != nil {
				s.Close()
				return nil, &driver.InitFault{Severity: driver.SeverityError, Message: err.Error()}
			}
		}
		return s, nil
	}
}

func (s *SerialLine) ask(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.mux.Query(ctx, command)
}

func (s *SerialLine) ReadValue(ctx context.Context) (driver.Record, error) {
	reply, err := s.ask(ctx, s.query)
	t := timeutil.Seconds(s.clock, s.origin)
	if err != nil {
		s.warn(s.clock.Now(), "read failed: %v", err)
		return driver.NaN(), nil
	}
	row := []any{t}
	for _, field := range strings.Split(reply, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			s.warn(s.clock.Now(), "unparseable field %q in %q", field, reply)
			v = math.NaN()
		}
		row = append(row, v)
	}
	return driver.Record{Time: t, Row: row}, nil
}

func (s *SerialLine) Scan(ctx context.Context, param string, value float64) error {
	return s.mux.SendCommand(fmt.Sprintf("%s %s", strings.ToUpper(param), strconv.FormatFloat(value, 'g', -1, 64)))
}

func (s *SerialLine) Commands() driver.CommandSet {
	return driver.CommandSet{
		"send": func(ctx context.Context, arg string) (any, error) {
			return nil, s.mux.SendCommand(arg)
		},
		"query": func(ctx context.Context, arg string) (any, error) {
			return s.ask(ctx, arg)
		},
		"status": func(ctx context.Context, _ string) (any, error) {
			if s.status == "" {
				return nil, fmt.Errorf("no status query configured")
			}
			reply, err := s.ask(ctx, s.status)
			if err != nil {
				return nil, err
			}
			reply = strings.TrimSpace(reply)
			switch strings.ToUpper(reply) {
			case "1", "ON":
				return driver.Reading{Text: reply, State: "on"}, nil
			case "0", "OFF":
				return driver.Reading{Text: reply, State: "off"}, nil
			}
			return driver.Reading{Text: reply, State: reply}, nil
		},
	}
}

// AttachAdminRoutes exposes the port's debug console.
func (s *SerialLine) AttachAdminRoutes(mux *http.ServeMux, name string) {
	s.mux.AttachAdminRoutes(mux, name)
}

func (s *SerialLine) Close() error {
	s.cancel()
	err := s.mux.Close()
	<-s.done
	return err
}
