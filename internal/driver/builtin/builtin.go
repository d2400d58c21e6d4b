// Package builtin registers the drivers shipped with labdaq: two synthetic
// instruments used for commissioning and tests, and a generic line-oriented
// serial instrument.
package builtin

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/serialmux"
)

// Register adds every built-in driver to reg. opener is used by the serial
// driver; nil selects real hardware.
func Register(reg *driver.Registry, opener serialmux.SerialPortOpener) error {
	if opener == nil {
		opener = serialmux.OpenRealPort
	}
	for _, r := range []struct {
		info driver.Info
		f    driver.Factory
	}{
		{SlowInfo, NewSlowFactory(nil)},
		{FastInfo, NewFastFactory(nil)},
		{SerialLineInfo, NewSerialLineFactory(opener, nil)},
	} {
		if err := reg.Register(r.info, r.f); err != nil {
			return err
		}
	}
	return nil
}

// params splits key=value constructor parameters. Bare values are stored
// under their position, "0", "1", ...
func params(list []string) map[string]string {
	m := make(map[string]string, len(list))
	for i, p := range list {
		if k, v, ok := strings.Cut(p, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		} else {
			m[fmt.Sprint(i)] = strings.TrimSpace(p)
		}
	}
	return m
}

// faultParam turns fault=warning:msg or fault=error:msg into an InitFault.
// The synthetic drivers use it to rehearse operator confirmation.
func faultParam(m map[string]string) *driver.InitFault {
	v, ok := m["fault"]
	if !ok {
		return nil
	}
	sev, msg, _ := strings.Cut(v, ":")
	if driver.Severity(sev) == driver.SeverityError {
		return &driver.InitFault{Severity: driver.SeverityError, Message: msg}
	}
	return &driver.InitFault{Severity: driver.SeverityWarning, Message: msg}
}

// warnings is the pending-warning list every built-in driver embeds.
type warnings struct {
	mu      sync.Mutex
	pending []driver.Warning
}

func (w *warnings) warn(now time.Time, format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, driver.Warning{Time: now, Message: fmt.Sprintf(format, args...)})
}

func (w *warnings) GetWarnings() []driver.Warning {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.pending
	w.pending = nil
	return out
}

func onOff(arg string) (bool, error) {
	switch strings.ToLower(driver.Unquote(arg)) {
	case "1", "on", "true":
		return true, nil
	case "0", "off", "false":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", arg)
}

func stateText(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
