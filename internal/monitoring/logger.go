// Package monitoring holds the process-wide diagnostic logger shared by the
// acquisition loops, the writer and the health monitor.
package monitoring

import (
	"log"
	"sync"
)

var (
	mu   sync.RWMutex
	logf = log.Printf
)

// Logf writes a diagnostic line through the current package logger.
func Logf(format string, v ...interface{}) {
	mu.RLock()
	f := logf
	mu.RUnlock()
	f(format, v...)
}

// SetLogger replaces the package logger. Passing nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		logf = func(string, ...interface{}) {}
		return
	}
	logf = f
}

// Devicef prefixes the line with the device name so interleaved output from
// many loops stays attributable.
func Devicef(device, format string, v ...interface{}) {
	Logf("[%s] "+format, append([]interface{}{device}, v...)...)
}
