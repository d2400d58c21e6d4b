// Package daq wires a configuration into a running acquisition: one loop
// per device, the persistence writer, the health monitor and, when
// configured, the trigger-driven sequencer.
package daq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/labdaq/internal/config"
	"github.com/banshee-data/labdaq/internal/device"
	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/fsutil"
	"github.com/banshee-data/labdaq/internal/health"
	"github.com/banshee-data/labdaq/internal/monitoring"
	"github.com/banshee-data/labdaq/internal/sequencer"
	"github.com/banshee-data/labdaq/internal/store"
	"github.com/banshee-data/labdaq/internal/timeutil"
	"github.com/banshee-data/labdaq/internal/trigger"
	"github.com/banshee-data/labdaq/internal/tsdb"
	"github.com/banshee-data/labdaq/internal/writer"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotRunning    = errors.New("acquisition not running")
	ErrUsed          = errors.New("acquisition already started; build a new one")
)

// ConfirmFunc decides whether a device whose driver reported a warning at
// construction should run anyway.
type ConfirmFunc func(device string, fault *driver.InitFault) bool

// Options are the collaborators of an acquisition.
type Options struct {
	Config   *config.Config
	Registry *driver.Registry
	Store    *store.Store
	// Sink receives rows and warnings; nil discards them.
	Sink tsdb.Sink
	// Detector supplies trigger edges to the sequencer. Required when the
	// configuration has a sequence.
	Detector trigger.Detector
	// Confirm resolves driver warnings. Nil proceeds.
	Confirm ConfirmFunc
	FS      fsutil.FileSystem
	Clock   timeutil.Clock
	Metrics *health.Metrics
	Rand    *rand.Rand
}

// DAQ is one acquisition run. It is started once and stopped once.
type DAQ struct {
	opts  Options
	sink  *tsdb.Serialized
	loops map[string]*device.Loop
	order []string
	infos map[string]driver.Info
	seq   *sequencer.Sequencer

	mu      sync.Mutex
	started bool
	stopped bool
	run     *store.Run
	writer  *writer.Writer
	monitor *health.Monitor
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the configuration and builds an idle loop for every device.
func New(opts Options) (*DAQ, error) {
	if opts.Config == nil || opts.Registry == nil || opts.Store == nil {
		return nil, errors.New("daq: config, registry and store are required")
	}
	if err := opts.Config.Validate(opts.Registry); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Sink == nil {
		opts.Sink = tsdb.Discard{}
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	d := &DAQ{
		opts:  opts,
		sink:  tsdb.NewSerialized(opts.Sink),
		loops: make(map[string]*device.Loop),
		infos: make(map[string]driver.Info),
		seq:   sequencer.New(),
	}
	for i := range opts.Config.Devices {
		dc := &opts.Config.Devices[i]
		factory, info, err := opts.Registry.Lookup(dc.Driver)
		if err != nil {
			return nil, err
		}
		d.loops[dc.Name] = device.New(dc.LoopConfig(), factory, opts.Clock)
		d.infos[dc.Name] = info
		d.order = append(d.order, dc.Name)
	}
	return d, nil
}

// Start begins a run: it records the run in the store, connects every
// enabled device and starts the loops, the writer and the monitor. If the
// configuration has a sequence it is generated and armed last. Stop must be
// called even when Start fails part way.
func (d *DAQ) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrUsed
	}
	d.started = true
	cfg := d.opts.Config

	origin := d.opts.Clock.Now()
	run, err := d.opts.Store.CreateRun(cfg.GetRunLabel(), origin, cfg.Attributes)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	d.run = run
	monitoring.Logf("run %q started (%s)", run.Name, run.UUID)

	var targets []writer.Target
	var bindings []health.Binding
	for _, name := range d.order {
		dc, _ := cfg.Device(name)
		loop := d.loops[name]
		targets = append(targets, writer.Target{
			Source:     loop,
			Group:      dc.GetGroup(),
			Slow:       dc.GetSlow(),
			Persist:    dc.GetPersist(),
			TimeSeries: dc.GetTimeSeries(),
			Fields:     dc.Fields(d.infos[name]),
			Attrs:      dc.DatasetAttrs(),
		})
		bindings = append(bindings, health.Binding{
			Device:     loop,
			TimeSeries: dc.GetTimeSeries(),
			Indicators: dc.Indicators,
		})
	}
	w, err := writer.New(writer.Config{
		Store:    d.opts.Store,
		Sink:     d.sink,
		Run:      run,
		Interval: cfg.GetWriterInterval(),
		Targets:  targets,
	})
	if err != nil {
		return err
	}
	m, err := health.New(health.Config{
		Bindings:  bindings,
		Interval:  cfg.GetMonitorInterval(),
		Sink:      d.sink,
		RunName:   run.Name,
		LastWrite: w.LastWrite,
		DiskPath:  d.opts.Store.Path(),
		FS:        d.opts.FS,
		Clock:     d.opts.Clock,
		Metrics:   d.opts.Metrics,
	})
	if err != nil {
		return err
	}
	d.writer, d.monitor = w, m

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	for _, name := range d.order {
		loop := d.loops[name]
		if loop.Config().Enabled == device.Disabled {
			continue
		}
		if !d.connect(loop, origin) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := loop.Run(runCtx); err != nil {
				monitoring.Devicef(loop.Name(), "loop exited: %v", err)
			}
		}()
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		_ = w.Run(runCtx)
	}()
	go func() {
		defer d.wg.Done()
		_ = m.Run(runCtx)
	}()

	if cfg.Sequence != nil {
		if err := d.startSequenceLocked(ctx); err != nil {
			monitoring.Logf("sequence not started: %v", err)
			return err
		}
	}
	return nil
}

// connect builds the loop's driver and reports whether the loop should run.
func (d *DAQ) connect(loop *device.Loop, origin time.Time) bool {
	err := loop.Connect(origin)
	if err == nil {
		return true
	}
	var fault *driver.InitFault
	if !errors.As(err, &fault) || fault.Severity != driver.SeverityWarning {
		monitoring.Devicef(loop.Name(), "not started: %v", err)
		return false
	}
	proceed := d.opts.Confirm == nil || d.opts.Confirm(loop.Name(), fault)
	if err := loop.Confirm(proceed); err != nil {
		monitoring.Devicef(loop.Name(), "confirm: %v", err)
		return false
	}
	if !proceed {
		monitoring.Devicef(loop.Name(), "not started: %s declined", fault.Message)
	}
	return proceed
}

// StartSequence generates, saves and arms the configured sequence.
func (d *DAQ) StartSequence(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || d.stopped {
		return ErrNotRunning
	}
	return d.startSequenceLocked(ctx)
}

func (d *DAQ) startSequenceLocked(ctx context.Context) error {
	cfg := d.opts.Config
	sc, tc := cfg.Sequence, cfg.Trigger
	if sc == nil || tc == nil {
		return sequencer.ErrNoSequence
	}
	if d.opts.Detector == nil {
		return errors.New("no trigger detector")
	}
	plan, err := sequencer.Generate(sc.Axes, max(sc.Repeat, 1), sc.Shuffle, d.opts.Rand)
	if err != nil {
		return err
	}
	path, data, err := sequencer.SavePlan(d.opts.FS, cfg.GetSequenceDir(), plan)
	if err != nil {
		return fmt.Errorf("save sequence: %w", err)
	}
	monitoring.Logf("sequence of %d rows saved to %s", plan.Len(), path)
	if sc.SendTo != "" {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := sequencer.Send(sendCtx, sc.SendTo, data); err != nil {
			monitoring.Logf("sending sequence to %s: %v", sc.SendTo, err)
		}
		cancel()
	}

	targets := make(map[string]sequencer.Target, len(d.loops))
	for name, l := range d.loops {
		targets[name] = l
	}
	edge, err := trigger.ParseEdge(tc.Edge)
	if err != nil {
		return err
	}
	return d.seq.Start(plan, targets, d.opts.Detector, tc.Channel, edge)
}

// Stop ends the run: the sequencer is disarmed, every loop is stopped and
// its driver released, then the writer and the monitor run their final
// cycles. Stop blocks until all of that is done.
func (d *DAQ) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.seq.Stop()
	for _, name := range d.order {
		d.loops[name].Stop()
	}
	for _, name := range d.order {
		d.loops[name].Shutdown()
	}
	if d.writer != nil {
		d.writer.Stop()
	}
	if d.monitor != nil {
		d.monitor.Stop()
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	if d.run != nil {
		monitoring.Logf("run %q stopped", d.run.Name)
	}
}

// Run returns the current run, nil before Start.
func (d *DAQ) Run() *store.Run {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run
}

// Loop returns the named device loop.
func (d *DAQ) Loop(name string) (*device.Loop, bool) {
	l, ok := d.loops[name]
	return l, ok
}

// Devices lists device names in configuration order.
func (d *DAQ) Devices() []string { return append([]string(nil), d.order...) }

// Sequencer exposes the sequencer for progress reporting.
func (d *DAQ) Sequencer() *sequencer.Sequencer { return d.seq }

// Health returns the latest monitor snapshot.
func (d *DAQ) Health() (health.Snapshot, error) {
	d.mu.Lock()
	m := d.monitor
	d.mu.Unlock()
	if m == nil {
		return health.Snapshot{}, ErrNotRunning
	}
	return m.Snapshot(), nil
}

// WriterStats returns the writer's counters.
func (d *DAQ) WriterStats() (writer.Stats, error) {
	d.mu.Lock()
	w := d.writer
	d.mu.Unlock()
	if w == nil {
		return writer.Stats{}, ErrNotRunning
	}
	return w.Stats(), nil
}

// Submit validates command text against the device's driver and queues it.
func (d *DAQ) Submit(name, text string) error {
	l, ok := d.loops[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	c, err := driver.ParseCommand(text)
	if err != nil {
		return err
	}
	if err := d.opts.Registry.ValidateCommand(d.infos[name].Name, c); err != nil {
		return err
	}
	return l.Submit(c)
}

// SetEnabled changes a device's enable level from the next tick on.
func (d *DAQ) SetEnabled(name string, level int) error {
	l, ok := d.loops[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	return l.SetEnabled(level)
}

// Columns returns the configured column names of a slow device.
func (d *DAQ) Columns(name string) []string {
	dc, ok := d.opts.Config.Device(name)
	if !ok {
		return nil
	}
	return append([]string(nil), dc.Columns...)
}
