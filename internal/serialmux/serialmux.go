// Package serialmux provides an abstraction over a line-oriented serial
// instrument with the ability for multiple clients to subscribe to lines from
// the port and send commands or queries to a single device.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsweb"
)

var (
	ErrWriteFailed = fmt.Errorf("failed to write to serial port")
	ErrClosed      = errors.New("serial mux closed")
)

// DefaultQueryTimeout bounds Query when the context carries no deadline.
const DefaultQueryTimeout = 2 * time.Second

// subscriberBuffer keeps a query's reply from being dropped while the
// querying goroutine is between send and receive.
const subscriberBuffer = 16

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// SerialMux is a generic serial port multiplexer that allows multiple clients
// to subscribe to lines from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	queryMu      sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving lines from the serial
	// port. The channel ID is used when unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Query writes a command and waits for the next line the device emits.
	Query(context.Context, string) (string, error)
	// Monitor reads lines from the serial port and fans them out to
	// subscribers.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error
	// Initialize sends the instrument's configured start-up commands.
	Initialize([]string) error
	// AttachAdminRoutes attaches admin debugging endpoints under
	// /debug/serial/<name>/.
	AttachAdminRoutes(*http.ServeMux, string)
}

// NewSerialMux creates a SerialMux instance backed by port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialize sends each start-up command in order and stops at the first
// failure.
func (s *SerialMux[T]) Initialize(commands []string) error {
	for _, command := range commands {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}
	return nil
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	if s.isClosing() {
		return ErrClosed
	}
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !bytes.HasSuffix([]byte(command), []byte("\n")) {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Query sends command and returns the next line read from the port. Queries
// are serialized so replies cannot cross. Monitor must be running.
func (s *SerialMux[T]) Query(ctx context.Context, command string) (string, error) {
	s.queryMu.Lock()
	defer s.queryMu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultQueryTimeout)
		defer cancel()
	}

	id, ch := s.Subscribe()
	defer s.Unsubscribe(id)

	if err := s.SendCommand(command); err != nil {
		return "", err
	}
	select {
	case line, ok := <-ch:
		if !ok {
			return "", ErrClosed
		}
		return line, nil
	case <-ctx.Done():
		return "", fmt.Errorf("query %q: %w", command, ctx.Err())
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// Monitor monitors the serial port for lines and sends them to subscribers.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs on its own goroutine so the outer loop can
	// observe context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- strings.TrimRight(scan.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				return scan.Err()
			}
			if s.isClosing() {
				return nil
			}

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					// slow subscriber; skip rather than block the port
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

// AttachAdminRoutes registers a send-command form, a query endpoint and an
// SSE tail for this port under /debug/serial/<name>/.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux, name string) {
	debug := tsweb.Debugger(mux)
	prefix := "serial/" + name + "/"

	debug.HandleFunc(prefix+"send-command", "send a command to serial device "+name, func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, map[string]string{"Name": name, "Prefix": "/debug/" + prefix}); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc(prefix+"send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if r.FormValue("query") != "" {
			reply, err := s.Query(r.Context(), command)
			if err != nil {
				http.Error(w, "Query failed: "+err.Error(), http.StatusGatewayTimeout)
				return
			}
			io.WriteString(w, reply)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", command)
	})

	debug.HandleSilentFunc(prefix+"tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher, _ := w.(http.Flusher)
		if flusher != nil {
			flusher.Flush()
		}

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			case <-r.Context().Done():
				return
			}
		}
	})
}
