package serialmux

import (
	"io"

	"go.bug.st/serial"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// ModemPorter is a port whose modem control lines can be sampled. Trigger
// detectors watch these lines for edges.
type ModemPorter interface {
	GetModemStatusBits() (*serial.ModemStatusBits, error)
	Close() error
}

// SerialPortOpener opens a port at path. Drivers take one so tests can
// substitute a fake.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)
