package sequencer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/monitoring"
	"github.com/banshee-data/labdaq/internal/trigger"
)

// ErrActive is returned when Start is called on a running sequencer.
var ErrActive = errors.New("sequencer already active")

// Target is the view of a device loop the sequencer needs.
type Target interface {
	LoadSequence([][]driver.Command)
	Advance()
	HardwareGated() bool
}

// Progress reports how far a plan has advanced.
type Progress struct {
	Active  bool `json:"active"`
	Counter int  `json:"counter"`
	Total   int  `json:"total"`
}

// Sequencer advances a plan across device loops on trigger edges.
type Sequencer struct {
	mu         sync.Mutex
	plan       *Plan
	armed      []Target
	unregister func()
	total      int
	counter    atomic.Int64
	active     atomic.Bool
}

// New returns an idle sequencer.
func New() *Sequencer { return &Sequencer{} }

// Plan returns the plan of the current or last run.
func (s *Sequencer) Plan() *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Start loads each device's batches and registers for edges. Every edge arms
// the hardware-gated loops of the plan and bumps the counter; the sequencer
// disarms itself after the edge that reaches the plan length.
func (s *Sequencer) Start(plan *Plan, targets map[string]Target, det trigger.Detector, channel string, edge trigger.Edge) error {
	if plan == nil || plan.Len() == 0 {
		return ErrNoSequence
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active.Load() {
		return ErrActive
	}

	batches := plan.DeviceBatches()
	resolved := make(map[string]Target, len(batches))
	for dev := range batches {
		t, ok := targets[dev]
		if !ok {
			return fmt.Errorf("plan drives unknown device %q", dev)
		}
		resolved[dev] = t
	}

	unregister, err := det.Register(channel, edge, s.onEdge)
	if err != nil {
		return fmt.Errorf("register trigger on %s: %w", channel, err)
	}

	var armed []Target
	for dev, t := range resolved {
		t.LoadSequence(batches[dev])
		if t.HardwareGated() {
			armed = append(armed, t)
		}
	}
	s.plan = plan
	s.armed = armed
	s.total = plan.Len()
	s.unregister = unregister
	s.counter.Store(0)
	s.active.Store(true)
	monitoring.Logf("sequencer: armed %d of %d devices for %d rows on %s (%s edge)",
		len(armed), len(batches), s.total, channel, edge)
	return nil
}

// onEdge runs on the detector's goroutine. It only sets flags.
func (s *Sequencer) onEdge() int {
	if !s.active.Load() {
		return 0
	}
	s.mu.Lock()
	armed, total := s.armed, s.total
	s.mu.Unlock()

	for _, t := range armed {
		t.Advance()
	}
	if n := s.counter.Add(1); n >= int64(total) {
		s.Stop()
	}
	return 0
}

// Stop disarms the sequencer. Loaded batches stay queued in the loops.
func (s *Sequencer) Stop() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	unregister := s.unregister
	s.unregister = nil
	s.mu.Unlock()
	if unregister != nil {
		unregister()
	}
}

// Progress returns the trigger counter against the plan length.
func (s *Sequencer) Progress() Progress {
	s.mu.Lock()
	total := s.total
	s.mu.Unlock()
	return Progress{Active: s.active.Load(), Counter: int(s.counter.Load()), Total: total}
}
