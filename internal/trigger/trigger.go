// Package trigger detects digital edges on hardware lines and invokes
// registered callbacks. Callbacks run on the detector's goroutine and must
// return promptly.
package trigger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/labdaq/internal/monitoring"
)

// Edge selects which transitions fire a callback.
type Edge int

const (
	Falling Edge = iota
	Rising
	Both
)

func (e Edge) String() string {
	switch e {
	case Falling:
		return "falling"
	case Rising:
		return "rising"
	case Both:
		return "both"
	}
	return fmt.Sprintf("Edge(%d)", int(e))
}

// ParseEdge parses "falling", "rising" or "both".
func ParseEdge(s string) (Edge, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "falling", "":
		return Falling, nil
	case "rising":
		return Rising, nil
	case "both":
		return Both, nil
	}
	return 0, fmt.Errorf("unknown trigger edge %q", s)
}

func (e Edge) matches(rising bool) bool {
	return e == Both || (e == Rising) == rising
}

// Callback is invoked once per detected edge. A non-zero return is logged as
// a handler fault.
type Callback func() int

// Detector registers edge callbacks on named input channels.
type Detector interface {
	// Register installs cb for edges on channel and returns a function that
	// removes it. Unregistering twice is harmless.
	Register(channel string, edge Edge, cb Callback) (unregister func(), err error)
	Close() error
}

type registration struct {
	id      int
	channel string
	edge    Edge
	cb      Callback
}

// registry holds callbacks shared by the detector implementations.
type registry struct {
	mu     sync.Mutex
	nextID int
	regs   []registration
}

func (r *registry) add(channel string, edge Edge, cb Callback) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.regs = append(r.regs, registration{id: id, channel: channel, edge: edge, cb: cb})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, reg := range r.regs {
			if reg.id == id {
				r.regs = append(r.regs[:i], r.regs[i+1:]...)
				return
			}
		}
	}
}

// dispatch runs every callback matching the edge outside the lock, so a
// callback may unregister itself. It returns the number invoked.
func (r *registry) dispatch(channel string, rising bool) int {
	r.mu.Lock()
	var fire []Callback
	for _, reg := range r.regs {
		if reg.channel == channel && reg.edge.matches(rising) {
			fire = append(fire, reg.cb)
		}
	}
	r.mu.Unlock()

	for _, cb := range fire {
		if status := cb(); status != 0 {
			monitoring.Logf("trigger: callback on %s returned status %d", channel, status)
		}
	}
	return len(fire)
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}
