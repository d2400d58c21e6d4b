package writer

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/monitoring"
	"github.com/banshee-data/labdaq/internal/store"
	"github.com/banshee-data/labdaq/internal/tsdb"
)

func init() { monitoring.SetLogger(nil) }

type fakeSource struct {
	name    string
	mu      sync.Mutex
	started bool
	data    []driver.Record
	events  []driver.Event
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeSource) push(recs ...driver.Record) {
	f.mu.Lock()
	f.data = append(f.data, recs...)
	f.mu.Unlock()
}

func (f *fakeSource) event(cmd, result string, t float64) {
	f.mu.Lock()
	f.events = append(f.events, driver.Event{Time: t, Command: cmd, Result: result})
	f.mu.Unlock()
}

func (f *fakeSource) DrainData() []driver.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.data
	f.data = nil
	return out
}

func (f *fakeSource) DrainEvents() []driver.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.events
	f.events = nil
	return out
}

func (f *fakeSource) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data) + len(f.events)
}

func row(t, v float64) driver.Record { return driver.Record{Time: t, Row: []any{t, v}} }

var sineFields = []store.Field{{Name: "time", Type: store.TypeFloat}, {Name: "sin", Type: store.TypeFloat}}

type fixture struct {
	store *store.Store
	run   *store.Run
	sink  *tsdb.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "run.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	run, err := s.CreateRun("test", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	return &fixture{store: s, run: run, sink: &tsdb.Memory{}}
}

func (f *fixture) writer(t *testing.T, targets ...Target) *Writer {
	t.Helper()
	w, err := New(Config{Store: f.store, Sink: f.sink, Run: f.run, Interval: time.Hour, Targets: targets})
	require.NoError(t, err)
	return w
}

func (f *fixture) rows(t *testing.T, group, name string) [][]any {
	t.Helper()
	gid, err := f.store.EnsureGroup(f.run.ID, group)
	require.NoError(t, err)
	ds, err := f.store.FindDataset(gid, name)
	require.NoError(t, err)
	rows, err := f.store.Rows(ds, 0, 0)
	require.NoError(t, err)
	return rows
}

func slowTarget(src *fakeSource) Target {
	return Target{Source: src, Group: "g", Slow: true, Persist: true, TimeSeries: true, Fields: sineFields}
}

func TestCycleAppendsRowsInOrder(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{name: "sine", started: true}
	w := f.writer(t, slowTarget(src))

	src.push(row(0.1, 1))
	require.NoError(t, w.Cycle(context.Background()))
	src.push(row(0.2, 2), row(0.3, math.NaN()), driver.NaN())
	src.event("ReadValue()", "[0.2, 2]", 0.2)
	require.NoError(t, w.Cycle(context.Background()))

	rows := f.rows(t, "g", "sine")
	require.Len(t, rows, 3)
	for i, want := range []float64{0.1, 0.2, 0.3} {
		assert.Equal(t, want, rows[i][0])
	}
	assert.True(t, math.IsNaN(rows[2][1].(float64)))

	st := w.Stats()
	assert.Equal(t, int64(2), st.Cycles)
	assert.Equal(t, int64(3), st.Rows)
	assert.Equal(t, int64(1), st.Events)
	assert.False(t, w.LastWrite().IsZero())

	pts := f.sink.Points()
	require.Len(t, pts, 2, "the all-NaN row is not mirrored")
	assert.Equal(t, "Dev: sine", pts[0].Measurement)
	assert.Equal(t, f.run.Name, pts[0].Tags[tsdb.RunTag])
}

func TestCycleWritesOneDatasetPerBlock(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{name: "scope", started: true}
	w := f.writer(t, Target{Source: src, Group: "fast", Persist: true, TimeSeries: true})

	block := func(v float64) driver.Record {
		return driver.Record{Time: v, Block: &driver.Block{Shape: []int{1, 1, 2}, Data: []float64{v, -v}}, Attrs: map[string]string{"n": "2"}}
	}
	src.push(block(1), block(2))
	require.NoError(t, w.Cycle(context.Background()))
	src.push(driver.NaN(), block(3))
	require.NoError(t, w.Cycle(context.Background()))

	gid, err := f.store.EnsureGroup(f.run.ID, "fast")
	require.NoError(t, err)
	for i, want := range []float64{1, 2, 3} {
		ds, err := f.store.FindDataset(gid, BlockName("scope", i))
		require.NoError(t, err)
		b, err := f.store.Block(ds)
		require.NoError(t, err)
		assert.Equal(t, []float64{want, -want}, b.Data)
		attrs, err := f.store.DatasetAttrs(ds.ID)
		require.NoError(t, err)
		assert.Equal(t, "2", attrs["n"])
	}
	assert.Equal(t, int64(3), w.Stats().Blocks)
	assert.Empty(t, f.sink.Points(), "blocks are never mirrored")
}

func TestBlockName(t *testing.T) {
	assert.Equal(t, "scope_000042", BlockName("scope", 42))
}

func TestFailedBeginDrainsNothing(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{name: "sine", started: true}
	w := f.writer(t, slowTarget(src))
	boom := errors.New("disk gone")
	w.begin = func() (tx, error) { return nil, boom }

	src.push(row(0.1, 1))
	src.event("beep()", "None", 0.1)
	assert.ErrorIs(t, w.Cycle(context.Background()), boom)
	assert.Equal(t, 2, src.pending())
	assert.Equal(t, int64(1), w.Stats().Failures)
}

type flakyTx struct {
	tx
	failRows *bool
}

func (f *flakyTx) AppendRows(ds store.Dataset, rows [][]any) error {
	if *f.failRows {
		*f.failRows = false
		return errors.New("short write")
	}
	return f.tx.AppendRows(ds, rows)
}

func TestFailedWriteRetainsDrainedItems(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{name: "sine", started: true}
	w := f.writer(t, slowTarget(src))
	real := w.begin
	fail := true
	w.begin = func() (tx, error) {
		t, err := real()
		if err != nil {
			return nil, err
		}
		return &flakyTx{tx: t, failRows: &fail}, nil
	}

	src.push(row(0.1, 1), row(0.2, 2))
	src.event("beep()", "None", 0.15)
	assert.Error(t, w.Cycle(context.Background()))
	assert.Zero(t, src.pending(), "items were drained")
	assert.Equal(t, 3, w.Stats().Retained)
	assert.Empty(t, f.rows(t, "g", "sine"), "failed cycle was rolled back")

	src.push(row(0.3, 3))
	require.NoError(t, w.Cycle(context.Background()))
	rows := f.rows(t, "g", "sine")
	require.Len(t, rows, 3)
	assert.Equal(t, []any{0.1, 1.0}, rows[0])
	assert.Equal(t, []any{0.3, 3.0}, rows[2])
	assert.Zero(t, w.Stats().Retained)

	gid, err := f.store.EnsureGroup(f.run.ID, "g")
	require.NoError(t, err)
	ds, err := f.store.FindDataset(gid, "sine_events")
	require.NoError(t, err)
	evs, err := f.store.Events(ds)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestSinkFailureKeepsDurableCopy(t *testing.T) {
	f := newFixture(t)
	f.sink.SetFail(errors.New("influx down"))
	src := &fakeSource{name: "sine", started: true}
	w := f.writer(t, slowTarget(src))

	src.push(row(0.1, 1))
	require.NoError(t, w.Cycle(context.Background()))
	assert.Len(t, f.rows(t, "g", "sine"), 1)
	assert.Zero(t, w.Stats().Retained)
}

func TestBadRowsAreDropped(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{name: "sine", started: true}
	w := f.writer(t, slowTarget(src))

	src.push(row(0.1, 1), driver.Record{Time: 0.2, Row: []any{0.2}}, row(0.3, 3))
	require.NoError(t, w.Cycle(context.Background()))
	assert.Len(t, f.rows(t, "g", "sine"), 2)
}

func TestUnstartedSourcesAreLeftAlone(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{name: "sine"}
	w := f.writer(t, slowTarget(src))
	src.push(row(0.1, 1))
	require.NoError(t, w.Cycle(context.Background()))
	assert.Equal(t, 1, src.pending())
}

func TestPersistDisabledOnlyMirrors(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{name: "sine", started: true}
	tgt := slowTarget(src)
	tgt.Persist = false
	w := f.writer(t, tgt)

	src.push(row(0.1, 1))
	src.event("beep()", "None", 0.1)
	require.NoError(t, w.Cycle(context.Background()))
	assert.Zero(t, src.pending())
	assert.Len(t, f.sink.Points(), 1)

	gid, err := f.store.EnsureGroup(f.run.ID, "g")
	require.NoError(t, err)
	_, err = f.store.FindDataset(gid, "sine")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStopRunsFinalFlush(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{name: "sine", started: true}
	w := f.writer(t, slowTarget(src))

	done := make(chan struct{})
	go func() {
		assert.NoError(t, w.Run(context.Background()))
		close(done)
	}()
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.running
	}, time.Second, time.Millisecond)

	src.push(row(0.1, 1), row(0.2, 2))
	w.Stop()
	<-done
	assert.Len(t, f.rows(t, "g", "sine"), 2)
	w.Stop()
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
