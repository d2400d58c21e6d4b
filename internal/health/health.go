// Package health watches the running devices: it drains their warnings,
// drives their indicator bindings and reports backlog, writer liveness and
// free disk space.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/labdaq/internal/device"
	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/fsutil"
	"github.com/banshee-data/labdaq/internal/monitoring"
	"github.com/banshee-data/labdaq/internal/timeutil"
	"github.com/banshee-data/labdaq/internal/tsdb"
)

const (
	// MinInterval is the floor on the cycle delay.
	MinInterval = 20 * time.Millisecond
	// DefaultStaleAfter is how old the writer's last commit may be before
	// the writer is reported in error.
	DefaultStaleAfter = 5 * time.Second
)

// Writer status values.
const (
	WriterEnabled = "enabled"
	WriterError   = "error"
)

// Device is the monitor's view of a device loop.
type Device interface {
	Name() string
	Started() bool
	Level() int
	DrainWarnings() []driver.Warning
	DrainMonitoring() []driver.MonitoringEvent
	SubmitMonitoring(driver.Command) error
	DataLen() int
	LastEvent() (driver.Event, bool)
	Live() []driver.Record
	Stats() device.Stats
}

// Binding is one monitored device.
type Binding struct {
	Device Device
	// TimeSeries forwards the device's warnings to the sink.
	TimeSeries bool
	Indicators []IndicatorConfig
}

// Config configures a Monitor.
type Config struct {
	Bindings []Binding
	Interval time.Duration
	// Sink receives warnings; nil discards them.
	Sink    tsdb.Sink
	RunName string
	// LastWrite reports the writer heartbeat. Nil disables the check.
	LastWrite  func() time.Time
	StaleAfter time.Duration
	// DiskPath is probed for free space through FS. Empty disables it.
	DiskPath string
	FS       fsutil.FileSystem
	Clock    timeutil.Clock
	Metrics  *Metrics
}

// DeviceStatus is the displayed state of one device.
type DeviceStatus struct {
	Name          string           `json:"name"`
	Level         int              `json:"enabled"`
	QueueLength   int              `json:"qsize"`
	LastEvent     string           `json:"last_event"`
	LastData      string           `json:"last_data,omitempty"`
	Fault         string           `json:"fault,omitempty"`
	Warnings      int64            `json:"warnings"`
	NaNSequential int64            `json:"nan_sequential"`
	Indicators    []IndicatorState `json:"indicators,omitempty"`
}

// Snapshot is the monitor's latest published view.
type Snapshot struct {
	Time      time.Time      `json:"time"`
	Writer    string         `json:"writer"`
	LastWrite time.Time      `json:"last_write,omitzero"`
	FreeBytes uint64         `json:"free_bytes"`
	Fault     string         `json:"fault,omitempty"`
	Devices   []DeviceStatus `json:"devices"`
}

type binding struct {
	Binding
	commands   []driver.Command
	byCommand  map[string][]int
	status     DeviceStatus
	indicators []IndicatorState
}

// Monitor is the health monitor.
type Monitor struct {
	cfg      Config
	bindings []*binding
	cycleMu  sync.Mutex

	mu      sync.Mutex
	snap    Snapshot
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New validates the indicator bindings and returns an idle monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Sink == nil {
		cfg.Sink = tsdb.Discard{}
	}
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	m := &Monitor{cfg: cfg}
	for _, b := range cfg.Bindings {
		pb := &binding{Binding: b, byCommand: make(map[string][]int)}
		pb.status.Name = b.Device.Name()
		for i, ind := range b.Indicators {
			if err := ind.Validate(); err != nil {
				return nil, fmt.Errorf("device %s: %w", pb.status.Name, err)
			}
			c := driver.MustParseCommand(ind.Command)
			key := c.String()
			if _, seen := pb.byCommand[key]; !seen {
				pb.commands = append(pb.commands, c)
			}
			pb.byCommand[key] = append(pb.byCommand[key], i)
			pb.indicators = append(pb.indicators, IndicatorState{Name: ind.Name, Kind: ind.Kind})
		}
		m.bindings = append(m.bindings, pb)
	}
	return m, nil
}

// Run cycles until ctx is cancelled or Stop is called, then performs one
// final cycle so late warnings are not lost.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	defer func() {
		close(m.doneCh)
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Cycle(context.Background())
			return nil
		case <-m.stopCh:
			m.Cycle(context.Background())
			return nil
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Stop asks Run to return and waits for its final cycle.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	done := m.doneCh
	m.mu.Unlock()
	<-done
}

// Snapshot returns the most recently published state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snap
	s.Devices = make([]DeviceStatus, len(m.snap.Devices))
	for i, d := range m.snap.Devices {
		d.Indicators = append([]IndicatorState(nil), d.Indicators...)
		s.Devices[i] = d
	}
	return s
}

// Cycle performs one monitoring pass and publishes a new snapshot.
func (m *Monitor) Cycle(ctx context.Context) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	now := m.cfg.Clock.Now()
	snap := Snapshot{Time: now, Writer: WriterEnabled}

	if m.cfg.LastWrite != nil {
		last := m.cfg.LastWrite()
		snap.LastWrite = last
		age := now.Sub(last)
		if last.IsZero() {
			age = 0
		}
		if age > m.cfg.StaleAfter {
			snap.Writer = WriterError
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.writeAge.Set(age.Seconds())
		}
	}
	if m.cfg.DiskPath != "" {
		free, err := m.cfg.FS.FreeBytes(m.cfg.DiskPath)
		if err != nil {
			monitoring.Logf("health: free space of %s: %v", m.cfg.DiskPath, err)
		} else {
			snap.FreeBytes = free
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.diskFree.Set(float64(free))
			}
		}
	}

	m.mu.Lock()
	fault := m.snap.Fault
	m.mu.Unlock()

	for _, b := range m.bindings {
		if latest := m.checkDevice(ctx, b); latest != "" {
			fault = latest
		}
		st := b.status
		st.Indicators = append([]IndicatorState(nil), b.indicators...)
		snap.Devices = append(snap.Devices, st)
	}
	snap.Fault = fault

	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()
}

// checkDevice runs one pass over a device and returns its newest warning,
// if any.
func (m *Monitor) checkDevice(ctx context.Context, b *binding) string {
	d := b.Device
	name := d.Name()
	b.status.Level = d.Level()
	if !d.Started() || d.Level() < device.Reading {
		return ""
	}

	var latest string
	if ws := d.DrainWarnings(); len(ws) > 0 {
		monitoring.Logf("Abnormal condition in %s", name)
		for _, w := range ws {
			monitoring.Devicef(name, "%s", w.String())
		}
		latest = fmt.Sprintf("%s: %s", name, ws[len(ws)-1].Message)
		b.status.Fault = latest
		b.status.Warnings += int64(len(ws))
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.warnings.WithLabelValues(name).Add(float64(len(ws)))
		}
		if b.TimeSeries {
			if err := m.cfg.Sink.Write(ctx, tsdb.WarningPoints(name, m.cfg.RunName, ws)...); err != nil {
				monitoring.Logf("health: forwarding %d warnings of %s: %v", len(ws), name, err)
			}
		}
	}

	b.status.QueueLength = d.DataLen()
	stats := d.Stats()
	b.status.NaNSequential = stats.NaNSequential
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.queueDepth.WithLabelValues(name).Set(float64(b.status.QueueLength))
		m.cfg.Metrics.nanSeq.WithLabelValues(name).Set(float64(stats.NaNSequential))
		m.cfg.Metrics.nanTotal.WithLabelValues(name).Set(float64(stats.NaNTotal))
	}

	if ev, ok := d.LastEvent(); ok {
		cols := ev.Strings()
		b.status.LastEvent = strings.Join(cols[:], ", ")
	} else {
		b.status.LastEvent = "(no event)"
	}
	if live := d.Live(); len(live) > 0 {
		b.status.LastData = live[len(live)-1].String()
	}

	for _, c := range b.commands {
		if err := d.SubmitMonitoring(c); err != nil {
			monitoring.Devicef(name, "monitoring command %s: %v", c, err)
		}
	}
	m.applyIndicators(b, d.DrainMonitoring())
	return latest
}

func (m *Monitor) applyIndicators(b *binding, events []driver.MonitoringEvent) {
	for _, ev := range events {
		for _, i := range b.byCommand[ev.Command] {
			if err := b.Indicators[i].apply(&b.indicators[i], ev); err != nil {
				monitoring.Devicef(b.status.Name, "%v", err)
			}
		}
	}
}
