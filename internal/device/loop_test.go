package device

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/monitoring"
	"github.com/banshee-data/labdaq/internal/testutil"
	"github.com/banshee-data/labdaq/internal/timeutil"
)

var origin = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func init() { monitoring.SetLogger(nil) }

// scripted returns reads from a script (NaN for math.NaN entries) and
// records every command it executes.
type scripted struct {
	mu       sync.Mutex
	script   []float64
	reads    int
	executed []string
	closed   int
	warnings []driver.Warning
	panicOn  string
	// nanRows makes NaN script entries come back as [t, NaN] rows
	// instead of the marker.
	nanRows bool
	// onScan runs after every scan command.
	onScan func()
}

func (s *scripted) ReadValue(context.Context) (driver.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.panicOn == "ReadValue" {
		panic("adc overflow")
	}
	v := float64(s.reads)
	if s.reads <= len(s.script) {
		v = s.script[s.reads-1]
	}
	if math.IsNaN(v) && !s.nanRows {
		return driver.NaN(), nil
	}
	return driver.Record{Time: float64(s.reads), Row: []any{float64(s.reads), v}}, nil
}

func (s *scripted) GetWarnings() []driver.Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.warnings
	s.warnings = nil
	return w
}

func (s *scripted) Commands() driver.CommandSet {
	rec := func(name string) driver.CommandFunc {
		return func(_ context.Context, arg string) (any, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.executed = append(s.executed, name+"("+arg+")")
			return arg, nil
		}
	}
	return driver.CommandSet{
		"set":    rec("set"),
		"status": rec("status"),
		"fail": func(context.Context, string) (any, error) {
			return nil, errors.New("interlock open")
		},
		"crash": func(context.Context, string) (any, error) {
			panic("null pointer in vendor library")
		},
	}
}

func (s *scripted) Scan(_ context.Context, p string, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, "scan("+p+"="+strconv.FormatFloat(v, 'g', -1, 64)+")")
	if s.onScan != nil {
		s.onScan()
	}
	return nil
}

func (s *scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *scripted) snapshot() (reads int, executed []string, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, append([]string(nil), s.executed...), s.closed
}

func newLoop(t *testing.T, cfg Config, drv *scripted) (*Loop, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(origin)
	if cfg.Name == "" {
		cfg.Name = "dev"
	}
	l := New(cfg, func(time.Time, []string) (driver.Driver, *driver.InitFault) { return drv, nil }, clock)
	require.NoError(t, l.Connect(origin))
	require.Equal(t, Full, l.State())
	return l, clock
}

// step advances the mock clock by one quantum and ticks once.
func step(l *Loop, clock *timeutil.MockClock, n int) {
	for i := 0; i < n; i++ {
		l.tick(context.Background())
		clock.Advance(TickInterval)
	}
}

func TestDisabledLoopDoesNothing(t *testing.T) {
	drv := &scripted{}
	l, clock := newLoop(t, Config{Enabled: Disabled, PollInterval: 20 * time.Millisecond}, drv)
	require.NoError(t, l.Submit(driver.MustParseCommand("set(1)")))
	require.NoError(t, l.SubmitMonitoring(driver.MustParseCommand("status()")))
	l.LoadSequence([][]driver.Command{{driver.ScanCmd("x", 1)}})
	l.Advance()

	step(l, clock, 50)

	reads, executed, _ := drv.snapshot()
	assert.Zero(t, reads)
	assert.Empty(t, executed)
	assert.Nil(t, l.DrainEvents())
	assert.Equal(t, Stats{}, l.Stats())
}

func TestCommandsExecuteInSubmissionOrder(t *testing.T) {
	drv := &scripted{}
	l, clock := newLoop(t, Config{Enabled: CommandsOnly}, drv)

	var want []string
	for i := 0; i < 20; i++ {
		c := driver.MustParseCommand("set(" + strconv.Itoa(i) + ")")
		require.NoError(t, l.Submit(c))
		want = append(want, c.String())
	}
	step(l, clock, 1)

	var got []string
	for _, ev := range l.DrainEvents() {
		got = append(got, ev.Command)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
	reads, _, _ := drv.snapshot()
	assert.Zero(t, reads, "level 1 must not poll")
}

func TestQueueFull(t *testing.T) {
	l, _ := newLoop(t, Config{Enabled: CommandsOnly, QueueDepth: 2}, &scripted{})
	require.NoError(t, l.Submit(driver.MustParseCommand("set(1)")))
	require.NoError(t, l.Submit(driver.MustParseCommand("set(2)")))
	assert.ErrorIs(t, l.Submit(driver.MustParseCommand("set(3)")), ErrQueueFull)
}

func TestCommandFaultsBecomeEvents(t *testing.T) {
	l, clock := newLoop(t, Config{Enabled: CommandsOnly}, &scripted{})
	require.NoError(t, l.Submit(driver.MustParseCommand("fail()")))
	require.NoError(t, l.Submit(driver.MustParseCommand("crash()")))
	require.NoError(t, l.Submit(driver.MustParseCommand("nosuch()")))
	require.NoError(t, l.Submit(driver.MustParseCommand("set(ok)")))
	step(l, clock, 1)

	evs := l.DrainEvents()
	require.Len(t, evs, 4)
	assert.Equal(t, "interlock open", evs[0].Result)
	assert.Contains(t, evs[1].Result, "panic")
	assert.Contains(t, evs[2].Result, "unknown command")
	assert.Equal(t, "ok", evs[3].Result)
	last, ok := l.LastEvent()
	require.True(t, ok)
	assert.Equal(t, "set(ok)", last.Command)
}

func TestQueuedReadPublishesData(t *testing.T) {
	l, clock := newLoop(t, Config{Enabled: CommandsOnly}, &scripted{})
	require.NoError(t, l.Submit(driver.MustParseCommand("ReadValue()")))
	step(l, clock, 1)

	assert.Len(t, l.DrainData(), 1)
	assert.Len(t, l.Live(), 1)
	evs := l.DrainEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, "[1, 1]", evs[0].Result)
}

func TestPollIntervalRespected(t *testing.T) {
	drv := &scripted{}
	l, clock := newLoop(t, Config{Enabled: Reading, PollInterval: 100 * time.Millisecond}, drv)
	step(l, clock, 25) // 500 ms
	reads, _, _ := drv.snapshot()
	assert.Equal(t, 5, reads)
	assert.Equal(t, 5, l.DataLen())
}

func TestNaNThresholdWarnsOnce(t *testing.T) {
	nan := math.NaN()
	drv := &scripted{script: []float64{nan, nan, nan, 4, nan}}
	l, clock := newLoop(t, Config{Enabled: Reading, PollInterval: TickInterval, MaxNaNCount: 3}, drv)

	step(l, clock, 2)
	assert.Nil(t, l.DrainWarnings())
	assert.Equal(t, int64(2), l.Stats().NaNSequential)

	step(l, clock, 1)
	w := l.DrainWarnings()
	require.Len(t, w, 1)
	assert.Equal(t, 1, w[0].Fields[FieldNaNCountExceeded])
	assert.Equal(t, int64(3), l.Stats().NaNSequential)

	step(l, clock, 1)
	assert.Nil(t, l.DrainWarnings())
	assert.Equal(t, int64(0), l.Stats().NaNSequential)

	step(l, clock, 1)
	s := l.Stats()
	assert.Equal(t, int64(4), s.NaNTotal)
	assert.Equal(t, int64(1), s.NaNSequential)
	assert.Len(t, l.DrainData(), 1, "NaN markers are not published")
}

func TestNaNRowsArePublished(t *testing.T) {
	nan := math.NaN()
	drv := &scripted{script: []float64{nan, nan, 3}, nanRows: true}
	l, clock := newLoop(t, Config{Enabled: Reading, PollInterval: TickInterval, MaxNaNCount: 2}, drv)

	step(l, clock, 2)
	s := l.Stats()
	assert.Equal(t, int64(2), s.NaNTotal)
	assert.Equal(t, int64(2), s.NaNSequential)
	assert.Len(t, l.DrainWarnings(), 1)

	step(l, clock, 1)
	data := l.DrainData()
	require.Len(t, data, 3)
	assert.True(t, math.IsNaN(data[0].Row[1].(float64)))
	assert.True(t, math.IsNaN(data[1].Row[1].(float64)))
	assert.Equal(t, 3.0, data[2].Row[1])
	assert.Len(t, l.Live(), 3)
	assert.Equal(t, int64(0), l.Stats().NaNSequential)
}

func TestNaNStreakWarnsOncePerStreak(t *testing.T) {
	nan := math.NaN()
	drv := &scripted{script: []float64{nan, nan, nan, nan, nan, nan}}
	l, clock := newLoop(t, Config{Enabled: Reading, MaxNaNCount: 2}, drv)
	step(l, clock, 6)
	assert.Len(t, l.DrainWarnings(), 1)
}

func TestTickPanicBecomesWarning(t *testing.T) {
	drv := &scripted{panicOn: "ReadValue"}
	l, clock := newLoop(t, Config{Enabled: Reading}, drv)
	step(l, clock, 2)

	w := l.DrainWarnings()
	require.Len(t, w, 2)
	assert.Equal(t, 1, w[0].Fields[FieldException])
	assert.Contains(t, w[0].Message, "adc overflow")
}

func TestDriverWarningsForwarded(t *testing.T) {
	drv := &scripted{warnings: []driver.Warning{{Message: "overtemp"}}}
	l, clock := newLoop(t, Config{Enabled: CommandsOnly}, drv)
	step(l, clock, 1)
	w := l.DrainWarnings()
	require.Len(t, w, 1)
	assert.Equal(t, "overtemp", w[0].Message)
}

func TestAdvanceExecutesOneBatch(t *testing.T) {
	drv := &scripted{}
	l, clock := newLoop(t, Config{Enabled: CommandsOnly, HardwareGated: true}, drv)
	l.LoadSequence([][]driver.Command{
		{driver.ScanCmd("v", 1), driver.ScanCmd("f", 10)},
		{driver.ScanCmd("v", 2), driver.ScanCmd("f", 20)},
	})

	step(l, clock, 3)
	_, executed, _ := drv.snapshot()
	assert.Empty(t, executed, "no batch without an advance")

	l.Advance()
	step(l, clock, 3)
	_, executed, _ = drv.snapshot()
	assert.Equal(t, []string{"scan(v=1)", "scan(f=10)"}, executed)
	assert.False(t, l.Armed())
	assert.Equal(t, 1, l.SequenceLen())

	l.Advance()
	step(l, clock, 1)
	_, executed, _ = drv.snapshot()
	assert.Len(t, executed, 4)
	assert.Len(t, l.DrainEvents(), 4)
}

func TestAdvanceWithoutBatchStaysArmed(t *testing.T) {
	drv := &scripted{}
	l, clock := newLoop(t, Config{Enabled: CommandsOnly, HardwareGated: true}, drv)

	l.Advance()
	step(l, clock, 2)
	assert.True(t, l.Armed(), "edge kept until a batch can use it")

	l.LoadSequence([][]driver.Command{{driver.ScanCmd("v", 1)}})
	step(l, clock, 1)
	_, executed, _ := drv.snapshot()
	assert.Equal(t, []string{"scan(v=1)"}, executed)
	assert.False(t, l.Armed())
}

func TestAdvanceDuringBatchIsKept(t *testing.T) {
	drv := &scripted{}
	l, clock := newLoop(t, Config{Enabled: CommandsOnly, HardwareGated: true}, drv)
	fired := false
	drv.onScan = func() {
		if !fired {
			fired = true
			l.Advance()
		}
	}
	l.LoadSequence([][]driver.Command{{driver.ScanCmd("v", 1)}, {driver.ScanCmd("v", 2)}})

	l.Advance()
	step(l, clock, 1)
	assert.True(t, l.Armed())
	step(l, clock, 1)
	_, executed, _ := drv.snapshot()
	assert.Equal(t, []string{"scan(v=1)", "scan(v=2)"}, executed)
	assert.Zero(t, l.SequenceLen())
}

func TestSelfPacedLoopRearmsAfterRead(t *testing.T) {
	drv := &scripted{}
	l, clock := newLoop(t, Config{Enabled: Reading, PollInterval: 40 * time.Millisecond}, drv)
	l.LoadSequence([][]driver.Command{{driver.ScanCmd("v", 1)}, {driver.ScanCmd("v", 2)}})

	step(l, clock, 1) // read, arms
	assert.True(t, l.Armed())
	step(l, clock, 1) // batch 1
	_, executed, _ := drv.snapshot()
	assert.Equal(t, []string{"scan(v=1)"}, executed)
}

func TestMonitoringDeduplicated(t *testing.T) {
	drv := &scripted{}
	l, clock := newLoop(t, Config{Enabled: CommandsOnly}, drv)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.SubmitMonitoring(driver.MustParseCommand("status()")))
	}
	require.NoError(t, l.SubmitMonitoring(driver.MustParseCommand("fail()")))
	step(l, clock, 1)

	mev := l.DrainMonitoring()
	require.Len(t, mev, 2)
	assert.Equal(t, "status()", mev[0].Command)
	assert.Error(t, mev[1].Err)
	assert.Nil(t, l.DrainEvents(), "monitoring results stay off the event stream")
}

func TestSetEnabledAppliedAtTick(t *testing.T) {
	drv := &scripted{}
	l, clock := newLoop(t, Config{Enabled: Disabled}, drv)
	require.NoError(t, l.SetEnabled(CommandsOnly))
	require.NoError(t, l.SetEnabled(Reading))
	assert.Equal(t, Disabled, l.Level())
	assert.Error(t, l.SetEnabled(3))

	step(l, clock, 1)
	assert.Equal(t, Reading, l.Level())
	reads, _, _ := drv.snapshot()
	assert.Equal(t, 1, reads)
}

func TestConnectFaults(t *testing.T) {
	drv := &scripted{}
	warn := func(time.Time, []string) (driver.Driver, *driver.InitFault) {
		return drv, &driver.InitFault{Severity: driver.SeverityWarning, Message: "uncalibrated"}
	}

	l := New(Config{Name: "w"}, warn, nil)
	err := l.Connect(origin)
	var fault *driver.InitFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, Connecting, l.State())
	require.NoError(t, l.Confirm(true))
	assert.Equal(t, Degraded, l.State())

	l = New(Config{Name: "w"}, warn, nil)
	_ = l.Connect(origin)
	require.NoError(t, l.Confirm(false))
	assert.Equal(t, Stopped, l.State())
	_, _, closed := drv.snapshot()
	assert.Equal(t, 1, closed)
	assert.ErrorIs(t, l.Run(context.Background()), ErrStopped)

	fatal := func(time.Time, []string) (driver.Driver, *driver.InitFault) {
		return nil, &driver.InitFault{Severity: driver.SeverityError, Message: "no such port"}
	}
	l = New(Config{Name: "e"}, fatal, nil)
	require.Error(t, l.Connect(origin))
	assert.Equal(t, Stopped, l.State())
	assert.ErrorIs(t, l.Connect(origin), ErrAlreadyStarted)
	assert.Error(t, l.Confirm(true))
}

func TestRunBeforeConnect(t *testing.T) {
	l := New(Config{Name: "x"}, nil, nil)
	assert.ErrorIs(t, l.Run(context.Background()), ErrNotConnected)
}

func TestRunStopReleasesDriverOnce(t *testing.T) {
	drv := &scripted{}
	l := New(Config{Name: "r", Enabled: Reading, PollInterval: 20 * time.Millisecond},
		func(time.Time, []string) (driver.Driver, *driver.InitFault) { return drv, nil }, nil)
	require.NoError(t, l.Connect(time.Now()))

	errc := make(chan error, 1)
	go func() { errc <- l.Run(context.Background()) }()
	testutil.WaitFor(t, time.Second, "first read", func() bool { return l.Stats().Reads > 0 })
	assert.True(t, l.Started())

	l.Shutdown()
	require.NoError(t, <-errc)
	l.Shutdown()
	assert.Equal(t, Stopped, l.State())
	_, _, closed := drv.snapshot()
	assert.Equal(t, 1, closed)
	assert.ErrorIs(t, l.Run(context.Background()), ErrAlreadyStarted)
	assert.ErrorIs(t, l.Submit(driver.MustParseCommand("set(1)")), ErrStopped)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	drv := &scripted{}
	l := New(Config{Name: "c", Enabled: CommandsOnly},
		func(time.Time, []string) (driver.Driver, *driver.InitFault) { return drv, nil }, nil)
	require.NoError(t, l.Connect(time.Now()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, Stopped, l.State())
}

func TestShutdownWithoutRun(t *testing.T) {
	drv := &scripted{}
	l, _ := newLoop(t, Config{}, drv)
	l.Shutdown()
	assert.Equal(t, Stopped, l.State())
	_, _, closed := drv.snapshot()
	assert.Equal(t, 1, closed)
	assert.ErrorIs(t, l.Run(context.Background()), ErrStopped)
}

func TestLiveBufferBounded(t *testing.T) {
	l, clock := newLoop(t, Config{Enabled: Reading, LiveBufferLen: 3}, &scripted{})
	step(l, clock, 10)
	live := l.Live()
	require.Len(t, live, 3)
	assert.Equal(t, 10.0, live[2].Row[0])
	assert.Len(t, l.DrainData(), 10)
	assert.Nil(t, l.DrainData())
}
