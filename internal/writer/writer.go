// Package writer periodically moves buffered device output into the durable
// store and mirrors slow-device rows to the time-series sink.
package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/monitoring"
	"github.com/banshee-data/labdaq/internal/store"
	"github.com/banshee-data/labdaq/internal/tsdb"
)

// MinInterval is the floor on the cycle delay.
const MinInterval = 20 * time.Millisecond

// Source is the writer's view of a device loop.
type Source interface {
	Name() string
	Started() bool
	DrainData() []driver.Record
	DrainEvents() []driver.Event
}

// Target describes how one device's output is persisted.
type Target struct {
	Source Source
	// Group is the store group the device's datasets live in.
	Group string
	// Slow devices append rows to one dataset; fast devices get one
	// block dataset per record.
	Slow       bool
	Persist    bool
	TimeSeries bool
	// Fields lays out a slow device's rows. The first field is time.
	Fields []store.Field
	// Attrs is copied onto the device's datasets.
	Attrs map[string]string
}

// Config configures a Writer.
type Config struct {
	Store *store.Store
	// Sink may be nil when no time-series database is configured.
	Sink     tsdb.Sink
	Run      *store.Run
	Interval time.Duration
	Targets  []Target
}

// Stats counts what the writer has committed.
type Stats struct {
	Cycles   int64     `json:"cycles"`
	Failures int64     `json:"failures"`
	Rows     int64     `json:"rows"`
	Events   int64     `json:"events"`
	Blocks   int64     `json:"blocks"`
	Retained int       `json:"retained"`
	Last     time.Time `json:"last_write"`
}

// tx is the part of store.Tx a cycle uses.
type tx interface {
	AppendRows(ds store.Dataset, rows [][]any) error
	AppendEvents(ds store.Dataset, evs []driver.Event) error
	CreateBlock(groupID int64, name string, b *driver.Block, attrs map[string]string) (store.Dataset, error)
	Commit() error
	Rollback() error
}

type target struct {
	Target
	groupID int64
	rows    store.Dataset
	events  store.Dataset
	columns []string
	// nextBlock numbers the next fast-device dataset.
	nextBlock int

	// drained but not yet committed
	heldData   []driver.Record
	heldEvents []driver.Event
}

// Writer is the persistence writer. Run drives it; Cycle performs one pass.
type Writer struct {
	sink     tsdb.Sink
	run      *store.Run
	interval time.Duration
	targets  []*target
	begin    func() (tx, error)

	cycleMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	stats   Stats
}

// New creates the run's groups and datasets and returns a writer for them.
func New(cfg Config) (*Writer, error) {
	if cfg.Store == nil || cfg.Run == nil {
		return nil, errors.New("writer: store and run are required")
	}
	interval := cfg.Interval
	if interval < MinInterval {
		interval = MinInterval
	}
	sink := cfg.Sink
	if sink == nil {
		sink = tsdb.Discard{}
	}
	w := &Writer{
		sink:     sink,
		run:      cfg.Run,
		interval: interval,
		begin:    func() (tx, error) { return cfg.Store.Begin() },
	}
	for _, t := range cfg.Targets {
		pt, err := prepare(cfg.Store, cfg.Run, t)
		if err != nil {
			return nil, err
		}
		w.targets = append(w.targets, pt)
	}
	return w, nil
}

func prepare(s *store.Store, run *store.Run, t Target) (*target, error) {
	name := t.Source.Name()
	pt := &target{Target: t}
	for _, f := range t.Fields {
		pt.columns = append(pt.columns, f.Name)
	}
	if !t.Persist {
		return pt, nil
	}
	group := t.Group
	if group == "" {
		group = name
	}
	var err error
	if pt.groupID, err = s.EnsureGroup(run.ID, group); err != nil {
		return nil, fmt.Errorf("device %s: %w", name, err)
	}
	if pt.events, err = s.EnsureDataset(pt.groupID, name+"_events", store.KindEvents, nil, nil); err != nil {
		return nil, fmt.Errorf("device %s: %w", name, err)
	}
	if t.Slow {
		if pt.rows, err = s.EnsureDataset(pt.groupID, name, store.KindRows, t.Fields, t.Attrs); err != nil {
			return nil, fmt.Errorf("device %s: %w", name, err)
		}
		return pt, nil
	}
	existing, err := s.Datasets(pt.groupID)
	if err != nil {
		return nil, err
	}
	for _, ds := range existing {
		if ds.Kind == store.KindBlock && strings.HasPrefix(ds.Name, name+"_") {
			pt.nextBlock++
		}
	}
	return pt, nil
}

// BlockName names the n-th block dataset of a fast device.
func BlockName(device string, n int) string { return fmt.Sprintf("%s_%06d", device, n) }

// Run cycles until ctx is cancelled or Stop is called, then performs one
// final cycle.
func (w *Writer) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	defer func() {
		close(w.doneCh)
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	monitoring.Logf("writer started: interval=%v targets=%d", w.interval, len(w.targets))

	for {
		select {
		case <-ctx.Done():
			w.final()
			return nil
		case <-w.stopCh:
			w.final()
			return nil
		case <-ticker.C:
			_ = w.Cycle(ctx)
		}
	}
}

func (w *Writer) final() {
	// the run context may already be cancelled; the last flush must still
	// reach the sink.
	if err := w.Cycle(context.Background()); err != nil {
		monitoring.Logf("writer: final flush failed: %v", err)
		return
	}
	monitoring.Logf("writer: final flush done")
}

// Stop asks Run to return and waits for the final cycle. It is safe to
// call multiple times.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	done := w.doneCh
	w.mu.Unlock()
	<-done
}

// Stats returns a copy of the writer's counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// LastWrite is the time of the last committed cycle, zero before the first.
func (w *Writer) LastWrite() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats.Last
}

// Cycle drains every started device into one store transaction. Nothing is
// drained if the transaction cannot be opened. If any write fails the
// transaction is rolled back and the drained items are held for the next
// cycle, ahead of anything drained later.
func (w *Writer) Cycle(ctx context.Context) error {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	t, err := w.begin()
	if err != nil {
		w.fail()
		monitoring.Logf("writer: store unavailable, deferring: %v", err)
		return err
	}

	for _, pt := range w.targets {
		if !pt.Source.Started() {
			continue
		}
		pt.heldEvents = append(pt.heldEvents, pt.Source.DrainEvents()...)
		pt.heldData = append(pt.heldData, pt.Source.DrainData()...)
	}

	var c counts
	for _, pt := range w.targets {
		n, err := w.writeTarget(t, pt)
		if err != nil {
			_ = t.Rollback()
			w.fail()
			monitoring.Logf("writer: %v; holding %d items for next cycle", err, w.held())
			return err
		}
		c.add(n)
	}
	if err := t.Commit(); err != nil {
		w.fail()
		monitoring.Logf("writer: commit failed; holding %d items for next cycle: %v", w.held(), err)
		return err
	}

	var mirror []tsdb.Point
	for _, pt := range w.targets {
		if pt.Slow && pt.TimeSeries && len(pt.heldData) > 0 {
			mirror = append(mirror, tsdb.RowPoints(pt.Source.Name(), w.run.Name, w.run.Origin, pt.columns, pt.heldData)...)
		}
		pt.nextBlock += pt.blocksIn()
		pt.heldData, pt.heldEvents = nil, nil
	}

	w.mu.Lock()
	w.stats.Cycles++
	w.stats.Rows += c.rows
	w.stats.Events += c.events
	w.stats.Blocks += c.blocks
	w.stats.Retained = 0
	w.stats.Last = time.Now()
	w.mu.Unlock()

	if len(mirror) > 0 {
		if err := w.sink.Write(ctx, mirror...); err != nil {
			monitoring.Logf("writer: time-series write dropped %d points: %v", len(mirror), err)
		}
	}
	return nil
}

type counts struct{ rows, events, blocks int64 }

func (c *counts) add(o counts) {
	c.rows += o.rows
	c.events += o.events
	c.blocks += o.blocks
}

func (w *Writer) fail() {
	held := w.held()
	w.mu.Lock()
	w.stats.Failures++
	w.stats.Retained = held
	w.mu.Unlock()
}

func (w *Writer) held() int {
	n := 0
	for _, pt := range w.targets {
		n += len(pt.heldData) + len(pt.heldEvents)
	}
	return n
}

func (pt *target) blocksIn() int {
	if pt.Slow || !pt.Persist {
		return 0
	}
	n := 0
	for _, rec := range pt.heldData {
		if rec.Block != nil {
			n++
		}
	}
	return n
}

func (w *Writer) writeTarget(t tx, pt *target) (counts, error) {
	var c counts
	if !pt.Persist {
		return c, nil
	}
	name := pt.Source.Name()
	if len(pt.heldEvents) > 0 {
		if err := t.AppendEvents(pt.events, pt.heldEvents); err != nil {
			return c, fmt.Errorf("device %s events: %w", name, err)
		}
		c.events = int64(len(pt.heldEvents))
	}
	if len(pt.heldData) == 0 {
		return c, nil
	}

	if pt.Slow {
		rows := make([][]any, 0, len(pt.heldData))
		kept := pt.heldData[:0]
		for _, rec := range pt.heldData {
			if rec.Row == nil {
				continue
			}
			if err := pt.rows.CheckRow(rec.Row); err != nil {
				monitoring.Devicef(name, "dropping row %v: %v", rec, err)
				continue
			}
			rows = append(rows, rec.Row)
			kept = append(kept, rec)
		}
		pt.heldData = kept
		if err := t.AppendRows(pt.rows, rows); err != nil {
			return c, fmt.Errorf("device %s rows: %w", name, err)
		}
		c.rows = int64(len(rows))
		return c, nil
	}

	n := pt.nextBlock
	for _, rec := range pt.heldData {
		if rec.Block == nil {
			continue
		}
		if _, err := t.CreateBlock(pt.groupID, BlockName(name, n), rec.Block, rec.Attrs); err != nil {
			return c, fmt.Errorf("device %s block %d: %w", name, n, err)
		}
		n++
		c.blocks++
	}
	return c, nil
}
