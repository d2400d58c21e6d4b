package serialmux

import (
	"go.bug.st/serial"
)

// OpenPort opens a real serial port with opts applied.
func OpenPort(path string, opts PortOptions) (serial.Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
			port.Close()
			return nil, err
		}
	}
	return port, nil
}

// OpenRealPort is a SerialPortOpener for hardware.
func OpenRealPort(path string, opts PortOptions) (SerialPorter, error) {
	return OpenPort(path, opts)
}
