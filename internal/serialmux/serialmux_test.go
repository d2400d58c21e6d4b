package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMux(t *testing.T, port *FakePort) *SerialMux[*FakePort] {
	t.Helper()
	mux := NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mux.Monitor(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		mux.Close()
		<-done
	})
	return mux
}

func TestSendCommandAppendsNewline(t *testing.T) {
	port := NewFakePort(nil)
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("*RST"))
	require.NoError(t, mux.SendCommand("OUTP ON\n"))
	assert.Equal(t, []string{"*RST", "OUTP ON"}, port.Written())
}

func TestSendCommandWriteError(t *testing.T) {
	port := NewFakePort(nil)
	port.WriteError = errors.New("boom")
	mux := NewSerialMux(port)

	assert.Error(t, mux.SendCommand("X"))
	assert.NoError(t, mux.SendCommand("X"))
}

func TestInitializeSendsInOrder(t *testing.T) {
	port := NewFakePort(nil)
	mux := NewSerialMux(port)

	require.NoError(t, mux.Initialize([]string{"*RST", "SYST:REM", "CONF:VOLT"}))
	assert.Equal(t, []string{"*RST", "SYST:REM", "CONF:VOLT"}, port.Written())
}

func TestInitializeStopsAtFailure(t *testing.T) {
	port := NewFakePort(nil)
	port.WriteError = errors.New("unplugged")
	mux := NewSerialMux(port)

	err := mux.Initialize([]string{"*RST", "SYST:REM"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "*RST")
}

func TestQueryReturnsReply(t *testing.T) {
	port := NewFakePort(map[string]string{"MEAS?": "1.5,2.5"})
	mux := startMux(t, port)

	reply, err := mux.Query(context.Background(), "MEAS?")
	require.NoError(t, err)
	assert.Equal(t, "1.5,2.5", reply)
}

func TestQueryTimesOut(t *testing.T) {
	port := NewFakePort(nil)
	mux := startMux(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := mux.Query(ctx, "SILENT?")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribersReceiveLines(t *testing.T) {
	port := NewFakePort(nil)
	mux := startMux(t, port)

	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)
	port.Emit("hello\r")

	select {
	case line := <-ch:
		assert.Equal(t, "hello", line)
	case <-time.After(time.Second):
		t.Fatal("no line received")
	}
}

func TestCloseRejectsCommands(t *testing.T) {
	port := NewFakePort(nil)
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	require.NoError(t, mux.Close())
	require.NoError(t, mux.Close())
	_, ok := <-ch
	assert.False(t, ok, "subscriber channel should be closed")
	assert.True(t, port.Closed())
	assert.ErrorIs(t, mux.SendCommand("X"), ErrClosed)
}

func TestAdminSendCommandAPI(t *testing.T) {
	port := NewFakePort(map[string]string{"IDN?": "ACME,PSU"})
	mux := startMux(t, port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux, "psu")

	form := url.Values{"command": {"OUTP ON"}}
	req := httptest.NewRequest(http.MethodPost, "/debug/serial/psu/send-command-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, port.Written(), "OUTP ON")

	form = url.Values{"command": {"IDN?"}, "query": {"1"}}
	req = httptest.NewRequest(http.MethodPost, "/debug/serial/psu/send-command-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ACME,PSU", rec.Body.String())
}

func TestAdminSendCommandRejectsGet(t *testing.T) {
	mux := NewSerialMux(NewFakePort(nil))
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux, "psu")

	req := httptest.NewRequest(http.MethodGet, "/debug/serial/psu/send-command-api", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPortOptionsNormalize(t *testing.T) {
	opts, err := PortOptions{Parity: "even"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "E"}, opts)

	_, err = PortOptions{DataBits: 9}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{StopBits: 3}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{Parity: "mark"}.Normalize()
	assert.Error(t, err)

	mode, err := PortOptions{BaudRate: 115200, StopBits: 2}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 115200, mode.BaudRate)
}
