package tsdb

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/labdaq/internal/driver"
)

var origin = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRowPointsSkipsNaN(t *testing.T) {
	cols := []string{"time", "temp", "pressure", "status"}
	recs := []driver.Record{
		{Time: 1.5, Row: []any{1.5, 4.2, math.NaN(), "ok"}},
		{Time: 2, Row: []any{2.0, math.NaN(), math.NaN(), nil}},
		driver.NaN(),
		{Time: 3, Row: []any{3.0}},
	}
	pts := RowPoints("cryo", "run 1", origin, cols, recs)
	require.Len(t, pts, 1)
	p := pts[0]
	assert.Equal(t, "Dev: cryo", p.Measurement)
	assert.Equal(t, map[string]string{RunTag: "run 1"}, p.Tags)
	assert.Equal(t, map[string]any{"temp": 4.2, "status": "ok"}, p.Fields)
	assert.Equal(t, origin.Add(1500*time.Millisecond), p.Time)
}

func TestWarningPoints(t *testing.T) {
	now := origin.Add(time.Minute)
	pts := WarningPoints("cryo", "run 1", []driver.Warning{{Time: now, Message: "too hot"}})
	require.Len(t, pts, 1)
	assert.Equal(t, WarningsMeasurement, pts[0].Measurement)
	assert.Equal(t, map[string]any{"cryo": "too hot"}, pts[0].Fields)
	assert.Equal(t, now, pts[0].Time)
}

func TestSerializedNeverOverlaps(t *testing.T) {
	mem := &Memory{Delay: time.Millisecond}
	s := NewSerialized(mem)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				assert.NoError(t, s.Write(context.Background(), Point{Measurement: "m"}))
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, mem.OverlapCount())
	assert.Len(t, mem.Points(), 40)
}

func TestMemoryFailure(t *testing.T) {
	mem := &Memory{}
	boom := errors.New("boom")
	mem.SetFail(boom)
	assert.ErrorIs(t, mem.Write(context.Background(), Point{}), boom)
	assert.Empty(t, mem.Points())
	mem.SetFail(nil)
	assert.NoError(t, mem.Write(context.Background(), Point{}))
	assert.Len(t, mem.Points(), 1)
}

func TestInfluxWritesLineProtocol(t *testing.T) {
	var (
		mu   sync.Mutex
		body string
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		mu.Lock()
		body, path = buf.String(), r.URL.RawQuery
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewInflux(InfluxConfig{URL: srv.URL, Token: "t", Org: "lab", Bucket: "daq"})
	require.NoError(t, err)
	defer sink.Close()

	pts := RowPoints("cryo", "run1", origin, []string{"time", "temp"}, []driver.Record{{Time: 1, Row: []any{1.0, 4.5}}})
	require.NoError(t, sink.Write(context.Background(), pts...))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, path, "bucket=daq")
	assert.Contains(t, body, `Dev:\ cryo,run_name=run1 temp=4.5`)
	assert.Contains(t, body, "1709294401000000000")
}

func TestInfluxRequiresBucket(t *testing.T) {
	_, err := NewInflux(InfluxConfig{URL: "http://localhost:8086"})
	assert.Error(t, err)
}
