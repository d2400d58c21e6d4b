package device

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/monitoring"
)

// tick runs one scheduling quantum. A panic escaping it becomes a warning and
// the loop carries on.
func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Devicef(l.cfg.Name, "panic in tick: %v\n%s", r, debug.Stack())
			l.warn(fmt.Sprintf("exception in %s: %v", l.cfg.Name, r), map[string]any{FieldException: 1})
		}
	}()

	select {
	case level := <-l.enable:
		l.level.Store(int32(level))
	default:
	}
	level := int(l.level.Load())
	if level < CommandsOnly {
		return
	}

	for _, w := range l.drv.GetWarnings() {
		l.warnings.Push(w)
	}

	for n := len(l.commands); n > 0; n-- {
		l.run(ctx, <-l.commands)
	}

	if l.advance.Swap(false) {
		if batch, ok := l.popBatch(); ok {
			for _, c := range batch {
				l.run(ctx, c)
			}
		} else {
			l.advance.Store(true)
		}
	}

	l.runMonitoring(ctx)

	if level < Reading {
		return
	}
	l.mu.Lock()
	due := !l.hasRead || !l.clock.Now().Before(l.nextRead)
	l.mu.Unlock()
	if due {
		l.periodicRead(ctx)
	}
}

func (l *Loop) popBatch() ([]driver.Command, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sequence) == 0 {
		return nil, false
	}
	b := l.sequence[0]
	l.sequence = l.sequence[1:]
	return b, true
}

// execute runs one command, converting a panic into an error.
func (l *Loop) execute(ctx context.Context, c driver.Command) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return driver.Execute(ctx, l.drv, c)
}

// run executes an ad-hoc or sequenced command and records its event.
func (l *Loop) run(ctx context.Context, c driver.Command) {
	v, err := l.execute(ctx, c)
	if err != nil {
		monitoring.Devicef(l.cfg.Name, "command %s failed: %v", c, err)
	}
	if rec, ok := v.(driver.Record); ok && c.IsRead() && !rec.IsMarker() {
		l.publish(rec)
	}
	ev := driver.Event{Time: l.elapsed(), Command: c.String(), Result: driver.FormatResult(v, err)}
	l.events.Push(ev)
	l.mu.Lock()
	l.lastEvent = &ev
	l.stats.Commands++
	l.mu.Unlock()
}

func (l *Loop) runMonitoring(ctx context.Context) {
	n := len(l.monitoring)
	if n == 0 {
		return
	}
	seen := make(map[string]bool, n)
	for ; n > 0; n-- {
		c := <-l.monitoring
		key := c.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		v, err := l.execute(ctx, c)
		if err != nil {
			monitoring.Devicef(l.cfg.Name, "monitoring command %s failed: %v", key, err)
		}
		l.monEvents.Push(driver.MonitoringEvent{Time: l.elapsed(), Command: key, Value: v, Err: err})
	}
}

func (l *Loop) publish(rec driver.Record) {
	l.data.Push(rec)
	l.live.Push(rec)
}

func (l *Loop) periodicRead(ctx context.Context) {
	rec, err := l.drv.ReadValue(ctx)
	if err != nil {
		monitoring.Devicef(l.cfg.Name, "read failed: %v", err)
		rec = driver.NaN()
	}
	if !rec.IsMarker() {
		l.publish(rec)
	}
	nan := rec.IsNaN()

	l.mu.Lock()
	// reads keep to a fixed grid so tick jitter does not stretch the period
	now := l.clock.Now()
	if !l.hasRead {
		l.nextRead = now
	}
	l.nextRead = l.nextRead.Add(l.cfg.PollInterval)
	if !l.nextRead.After(now) {
		l.nextRead = now.Add(l.cfg.PollInterval)
	}
	l.hasRead = true
	l.stats.Reads++
	var breach int64
	if nan {
		l.stats.NaNTotal++
		l.nanSeq++
		if max := int64(l.cfg.MaxNaNCount); max > 0 && l.nanSeq == max {
			breach = l.nanSeq
		}
	} else {
		l.nanSeq = 0
	}
	l.mu.Unlock()

	if breach > 0 {
		l.warn(fmt.Sprintf("excess sequential NaN returns: %d", breach), map[string]any{FieldNaNCountExceeded: 1})
	}
	if !l.cfg.HardwareGated {
		l.advance.Store(true)
	}
}
