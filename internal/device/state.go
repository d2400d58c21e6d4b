package device

import "fmt"

// State is a loop's lifecycle position. Transitions only move forward:
// Idle → Connecting → {Degraded, Full} → Stopping → Stopped, with Connecting
// able to jump straight to Stopped on a fatal fault or a declined warning.
type State int32

const (
	Idle State = iota
	Connecting
	Degraded
	Full
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Degraded:
		return "degraded"
	case Full:
		return "full"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Running reports whether a loop in this state may tick.
func (s State) Running() bool { return s == Degraded || s == Full }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
