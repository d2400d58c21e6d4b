package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/labdaq/internal/monitoring"
	"github.com/banshee-data/labdaq/internal/serialmux"
)

// Modem line names accepted as channels by ModemDetector.
const (
	LineCTS = "CTS"
	LineDSR = "DSR"
	LineRI  = "RI"
	LineDCD = "DCD"
)

// DefaultPollInterval is how often ModemDetector samples the modem lines.
const DefaultPollInterval = time.Millisecond

// ModemDetector watches the modem status lines of a serial port and reports
// transitions. A TTL trigger wired to CTS or DCD through a level shifter is
// the usual bench setup.
type ModemDetector struct {
	registry
	port     serialmux.ModemPorter
	interval time.Duration

	mu      sync.Mutex
	last    *serial.ModemStatusBits
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// NewModemDetector samples port every interval once started.
func NewModemDetector(port serialmux.ModemPorter, interval time.Duration) *ModemDetector {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &ModemDetector{port: port, interval: interval}
}

func lineState(bits *serial.ModemStatusBits, line string) bool {
	switch line {
	case LineCTS:
		return bits.CTS
	case LineDSR:
		return bits.DSR
	case LineRI:
		return bits.RI
	case LineDCD:
		return bits.DCD
	}
	return false
}

func (d *ModemDetector) Register(channel string, edge Edge, cb Callback) (func(), error) {
	channel = strings.ToUpper(channel)
	switch channel {
	case LineCTS, LineDSR, LineRI, LineDCD:
	default:
		return nil, fmt.Errorf("unknown modem line %q", channel)
	}
	return d.add(channel, edge, cb), nil
}

// Start begins sampling in a background goroutine.
func (d *ModemDetector) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.run(ctx, d.done)
}

func (d *ModemDetector) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Poll()
		}
	}
}

// Poll samples the lines once and dispatches any transitions since the
// previous sample. The first sample only establishes the baseline.
func (d *ModemDetector) Poll() {
	bits, err := d.port.GetModemStatusBits()
	d.mu.Lock()
	if err != nil {
		first := d.lastErr == nil
		d.lastErr = err
		d.mu.Unlock()
		if first {
			monitoring.Logf("trigger: reading modem lines: %v", err)
		}
		return
	}
	d.lastErr = nil
	prev := d.last
	d.last = bits
	d.mu.Unlock()
	if prev == nil {
		return
	}
	for _, line := range []string{LineCTS, LineDSR, LineRI, LineDCD} {
		was, now := lineState(prev, line), lineState(bits, line)
		if was != now {
			d.dispatch(line, now)
		}
	}
}

// Close stops sampling and closes the port.
func (d *ModemDetector) Close() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return d.port.Close()
}
