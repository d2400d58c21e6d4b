package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"

	"go.bug.st/serial"
)

var errPortClosed = errors.New("serial port closed")

// FakePort implements SerialPorter and ModemPorter for tests. Lines written to
// it are recorded; when a written line matches a key in Replies the reply is
// queued for reading. Reads block until data is available or the port closes.
type FakePort struct {
	mu sync.Mutex

	// Replies maps a command line (without newline) to the line returned.
	Replies map[string]string
	// WriteError is returned by the next Write call if set.
	WriteError error

	written  []string
	readBuf  bytes.Buffer
	readCond *sync.Cond
	closed   bool
	modem    serial.ModemStatusBits
	modemErr error
}

// NewFakePort creates a FakePort with the given reply table.
func NewFakePort(replies map[string]string) *FakePort {
	p := &FakePort{Replies: replies}
	if p.Replies == nil {
		p.Replies = make(map[string]string)
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed {
		return 0, errPortClosed
	}
	return p.readBuf.Read(b)
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		p.written = append(p.written, line)
		if reply, ok := p.Replies[line]; ok {
			p.readBuf.WriteString(reply + "\n")
			p.readCond.Broadcast()
		}
	}
	return len(b), nil
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// Emit queues an unsolicited line for reading.
func (p *FakePort) Emit(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(line + "\n")
	p.readCond.Broadcast()
}

// Written returns the lines written so far.
func (p *FakePort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

// Closed reports whether Close was called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// SetModem sets the modem line states returned by GetModemStatusBits.
func (p *FakePort) SetModem(bits serial.ModemStatusBits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modem = bits
}

// SetModemError makes GetModemStatusBits fail.
func (p *FakePort) SetModemError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modemErr = err
}

func (p *FakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.modemErr != nil {
		return nil, p.modemErr
	}
	bits := p.modem
	return &bits, nil
}
