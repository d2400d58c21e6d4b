// Package device runs one instrument driver on a fixed-cadence loop and fans
// its results out to the writer, the health monitor and the live display.
package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/monitoring"
	"github.com/banshee-data/labdaq/internal/queue"
	"github.com/banshee-data/labdaq/internal/timeutil"
)

// TickInterval is the fixed sleep between ticks.
const TickInterval = 20 * time.Millisecond

// Enable levels.
const (
	Disabled     = 0
	CommandsOnly = 1
	Reading      = 2
)

var (
	ErrQueueFull      = errors.New("command queue full")
	ErrStopped        = errors.New("device loop stopped")
	ErrNotConnected   = errors.New("device loop not connected")
	ErrAlreadyStarted = errors.New("device loop already started")
)

// Warning field keys set by the loop itself.
const (
	FieldException        = "exception"
	FieldNaNCountExceeded = "sequential_nan_count_exceeded"
)

// Config is the part of a device configuration the loop needs. It is not
// modified after the loop is built.
type Config struct {
	Name   string
	Params []string
	// Enabled is the initial enable level.
	Enabled      int
	PollInterval time.Duration
	// QueueDepth bounds the ad-hoc and monitoring command queues.
	QueueDepth    int
	LiveBufferLen int
	// MaxNaNCount is the consecutive-NaN threshold. Zero disables the
	// warning.
	MaxNaNCount int
	// HardwareGated loops advance their sequence only on trigger edges.
	// Others re-arm themselves after every periodic read.
	HardwareGated bool
}

const (
	defaultQueueDepth    = 256
	defaultLiveBufferLen = 100
	minPollInterval      = TickInterval
)

func (c Config) withDefaults() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.LiveBufferLen <= 0 {
		c.LiveBufferLen = defaultLiveBufferLen
	}
	if c.PollInterval < minPollInterval {
		c.PollInterval = minPollInterval
	}
	return c
}

// Stats are the loop's read counters.
type Stats struct {
	Reads         int64 `json:"reads"`
	Commands      int64 `json:"commands"`
	NaNTotal      int64 `json:"nan_total"`
	NaNSequential int64 `json:"nan_sequential"`
}

// Loop owns one driver for the duration of a run. Its exported methods are
// safe to call from any goroutine; the driver itself is only touched by the
// goroutine running Run (or by Connect and the close path).
type Loop struct {
	cfg     Config
	factory driver.Factory
	clock   timeutil.Clock

	mu        sync.Mutex
	state     State
	fault     *driver.InitFault
	drv       driver.Driver
	origin    time.Time
	started   bool
	stopAsked bool
	sequence  [][]driver.Command
	closeOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	lastEvent *driver.Event
	nextRead  time.Time
	hasRead   bool
	nanSeq    int64
	stats     Stats

	commands   chan driver.Command
	monitoring chan driver.Command
	enable     chan int
	level      atomic.Int32
	advance    atomic.Bool

	data      *queue.FIFO[driver.Record]
	events    *queue.FIFO[driver.Event]
	warnings  *queue.FIFO[driver.Warning]
	monEvents *queue.FIFO[driver.MonitoringEvent]
	live      *queue.Ring[driver.Record]
}

// New builds an idle loop. A nil clock uses wall time.
func New(cfg Config, factory driver.Factory, clock timeutil.Clock) *Loop {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	l := &Loop{
		cfg:        cfg,
		factory:    factory,
		clock:      clock,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		commands:   make(chan driver.Command, cfg.QueueDepth),
		monitoring: make(chan driver.Command, cfg.QueueDepth),
		enable:     make(chan int, 1),
		data:       queue.NewFIFO[driver.Record](0),
		events:     queue.NewFIFO[driver.Event](0),
		warnings:   queue.NewFIFO[driver.Warning](0),
		monEvents:  queue.NewFIFO[driver.MonitoringEvent](0),
		live:       queue.NewRing[driver.Record](cfg.LiveBufferLen),
	}
	l.level.Store(int32(cfg.Enabled))
	return l
}

func (l *Loop) Name() string   { return l.cfg.Name }
func (l *Loop) Config() Config { return l.cfg }

// State returns the lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Fault returns the constructor fault, if any.
func (l *Loop) Fault() *driver.InitFault {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fault
}

// Started reports whether Run was entered. It stays true after the loop
// stops so consumers can drain what remains.
func (l *Loop) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Level returns the enable level applied by the most recent tick.
func (l *Loop) Level() int { return int(l.level.Load()) }

// HardwareGated reports whether trigger edges arm this loop.
func (l *Loop) HardwareGated() bool { return l.cfg.HardwareGated }

// Connect constructs the driver. An error-severity fault stops the loop and is
// returned as a *driver.InitFault. A warning-severity fault is also returned,
// but leaves the loop in Connecting until Confirm decides.
func (l *Loop) Connect(origin time.Time) error {
	l.mu.Lock()
	if l.state != Idle {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.state = Connecting
	l.origin = origin
	l.mu.Unlock()

	drv, fault := l.factory(origin, l.cfg.Params)
	if fault == nil && drv == nil {
		fault = &driver.InitFault{Severity: driver.SeverityError, Message: "driver constructor returned nothing"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.drv = drv
	l.fault = fault
	switch {
	case fault == nil:
		l.state = Full
		return nil
	case fault.Severity == driver.SeverityWarning && drv != nil:
		monitoring.Devicef(l.cfg.Name, "connect warning: %s", fault.Message)
		return fault
	default:
		monitoring.Devicef(l.cfg.Name, "connect failed: %s", fault.Message)
		l.closeDriverLocked()
		l.state = Stopped
		return fault
	}
}

// Confirm resolves a warning fault: proceed runs the loop degraded, otherwise
// the driver is released and the loop stops.
func (l *Loop) Confirm(proceed bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Connecting || l.drv == nil {
		return fmt.Errorf("confirm in state %s: %w", l.state, ErrNotConnected)
	}
	if proceed {
		l.state = Degraded
		return nil
	}
	l.closeDriverLocked()
	l.state = Stopped
	return nil
}

func (l *Loop) closeDriverLocked() {
	l.closeOnce.Do(func() {
		if l.drv == nil {
			return
		}
		if err := l.drv.Close(); err != nil {
			monitoring.Devicef(l.cfg.Name, "closing driver: %v", err)
		}
	})
}

// Run ticks until ctx is cancelled or Stop is called, then releases the
// driver. A loop runs at most once.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	switch {
	case l.started:
		l.mu.Unlock()
		return ErrAlreadyStarted
	case l.stopAsked || l.state == Stopped:
		l.mu.Unlock()
		return ErrStopped
	case !l.state.Running():
		l.mu.Unlock()
		return ErrNotConnected
	}
	l.started = true
	l.mu.Unlock()
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
		case <-l.stop:
		default:
			l.tick(ctx)
			l.clock.Sleep(TickInterval)
			continue
		}
		break
	}

	l.mu.Lock()
	l.state = Stopping
	l.closeDriverLocked()
	l.state = Stopped
	l.mu.Unlock()
	return nil
}

// Stop asks the loop to exit at the top of its next tick.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Shutdown stops the loop and blocks until the driver is released. It also
// releases a connected loop that never ran.
func (l *Loop) Shutdown() {
	l.mu.Lock()
	l.stopAsked = true
	started := l.started
	l.mu.Unlock()
	l.Stop()
	if started {
		<-l.done
		return
	}
	l.mu.Lock()
	l.closeDriverLocked()
	l.state = Stopped
	l.mu.Unlock()
}

// Submit queues an ad-hoc command for the next tick without blocking.
func (l *Loop) Submit(c driver.Command) error {
	if l.State() == Stopped {
		return ErrStopped
	}
	select {
	case l.commands <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitMonitoring queues a monitoring-only command.
func (l *Loop) SubmitMonitoring(c driver.Command) error {
	select {
	case l.monitoring <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// SetEnabled delivers a new enable level, applied at the top of the next
// tick. Only the most recent undelivered level is kept.
func (l *Loop) SetEnabled(level int) error {
	if level < Disabled || level > Reading {
		return fmt.Errorf("enable level %d out of range", level)
	}
	for {
		select {
		case l.enable <- level:
			return nil
		default:
			select {
			case <-l.enable:
			default:
			}
		}
	}
}

// LoadSequence replaces the loop's pending sequencer batches.
func (l *Loop) LoadSequence(batches [][]driver.Command) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sequence = append([][]driver.Command(nil), batches...)
}

// SequenceLen returns the number of batches not yet executed.
func (l *Loop) SequenceLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sequence)
}

// Advance arms the loop to execute its next sequence batch. It only sets a
// flag and is safe to call from a trigger callback.
func (l *Loop) Advance() { l.advance.Store(true) }

// Armed reports whether an advance is pending.
func (l *Loop) Armed() bool { return l.advance.Load() }

func (l *Loop) DrainData() []driver.Record                { return l.data.Drain() }
func (l *Loop) DrainEvents() []driver.Event               { return l.events.Drain() }
func (l *Loop) DrainWarnings() []driver.Warning           { return l.warnings.Drain() }
func (l *Loop) DrainMonitoring() []driver.MonitoringEvent { return l.monEvents.Drain() }

// DataLen is the number of records waiting for the writer.
func (l *Loop) DataLen() int { return l.data.Len() }

// Live returns the live-display buffer, oldest first.
func (l *Loop) Live() []driver.Record { return l.live.Snapshot() }

// LastEvent returns the most recent executed command, if any.
func (l *Loop) LastEvent() (driver.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastEvent == nil {
		return driver.Event{}, false
	}
	return *l.lastEvent, true
}

// Stats returns a copy of the read counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.NaNSequential = l.nanSeq
	return s
}

// AttachAdminRoutes exposes driver debug pages when the driver has any.
func (l *Loop) AttachAdminRoutes(mux *http.ServeMux) {
	l.mu.Lock()
	drv := l.drv
	l.mu.Unlock()
	if r, ok := drv.(interface {
		AttachAdminRoutes(*http.ServeMux, string)
	}); ok {
		r.AttachAdminRoutes(mux, l.cfg.Name)
	}
}

func (l *Loop) elapsed() float64 {
	return timeutil.Seconds(l.clock, l.origin)
}

func (l *Loop) warn(msg string, fields map[string]any) {
	l.warnings.Push(driver.Warning{Time: l.clock.Now(), Message: msg, Fields: fields})
}
