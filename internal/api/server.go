package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/labdaq/internal/daq"
	"github.com/banshee-data/labdaq/internal/device"
	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/health"
	"github.com/banshee-data/labdaq/internal/sequencer"
	"github.com/banshee-data/labdaq/internal/store"
	"github.com/banshee-data/labdaq/internal/writer"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

type Server struct {
	daq      *daq.DAQ
	store    *store.Store
	gatherer prometheus.Gatherer
}

// NewServer serves the state of d. A nil gatherer uses the default
// Prometheus registry.
func NewServer(d *daq.DAQ, st *store.Store, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		daq:      d,
		store:    st,
		gatherer: gatherer,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.showHealth)
	mux.HandleFunc("/api/devices", s.listDevices)
	mux.HandleFunc("/api/devices/{name}/live", s.showLive)
	mux.HandleFunc("/api/devices/{name}/command", s.sendCommandHandler)
	mux.HandleFunc("/api/devices/{name}/enabled", s.setEnabledHandler)
	mux.HandleFunc("/api/sequencer", s.showSequencer)
	mux.HandleFunc("/debug/live/{name}", s.handleLiveChart)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// AttachAdminRoutes mounts the store console and every connected driver's
// debug pages. Call it after the acquisition has started.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) error {
	if s.store != nil {
		if err := s.store.AttachAdminRoutes(mux); err != nil {
			return err
		}
	}
	for _, name := range s.daq.Devices() {
		if l, ok := s.daq.Loop(name); ok {
			l.AttachAdminRoutes(mux)
		}
	}
	return nil
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

type healthResponse struct {
	Run    *store.Run      `json:"run,omitempty"`
	Health health.Snapshot `json:"health"`
	Writer writer.Stats    `json:"writer"`
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	snap, err := s.daq.Health()
	if err != nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	stats, err := s.daq.WriterStats()
	if err != nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Run: s.daq.Run(), Health: snap, Writer: stats})
}

type deviceSummary struct {
	Name    string       `json:"name"`
	State   string       `json:"state"`
	Enabled int          `json:"enabled"`
	Stats   device.Stats `json:"stats"`
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	out := make([]deviceSummary, 0, len(s.daq.Devices()))
	for _, name := range s.daq.Devices() {
		l, _ := s.daq.Loop(name)
		out = append(out, deviceSummary{
			Name:    name,
			State:   l.State().String(),
			Enabled: l.Level(),
			Stats:   l.Stats(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) loop(w http.ResponseWriter, r *http.Request) (*device.Loop, bool) {
	name := r.PathValue("name")
	l, ok := s.daq.Loop(name)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown device %q", name))
	}
	return l, ok
}

// liveRecord is a JSON view of a record. NaN values become null.
type liveRecord struct {
	Time  *float64          `json:"time"`
	Row   []any             `json:"row,omitempty"`
	Shape []int             `json:"shape,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

func jsonFloat(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func toLiveRecord(rec driver.Record) liveRecord {
	out := liveRecord{Time: jsonFloat(rec.Time), Attrs: rec.Attrs}
	if rec.Block != nil {
		out.Shape = rec.Block.Shape
		return out
	}
	out.Row = make([]any, len(rec.Row))
	for i, v := range rec.Row {
		if f, ok := v.(float64); ok {
			if p := jsonFloat(f); p != nil {
				out.Row[i] = *p
			}
			continue
		}
		out.Row[i] = v
	}
	return out
}

func (s *Server) showLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	l, ok := s.loop(w, r)
	if !ok {
		return
	}
	recs := l.Live()
	if v := r.URL.Query().Get("n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		if n < len(recs) {
			recs = recs[len(recs)-n:]
		}
	}
	out := make([]liveRecord, len(recs))
	for i, rec := range recs {
		out[i] = toLiveRecord(rec)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"device":  l.Name(),
		"columns": s.daq.Columns(l.Name()),
		"records": out,
	})
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, daq.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, device.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, device.ErrStopped), errors.Is(err, device.ErrNotConnected):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing command")
		return
	}
	if err := s.daq.Submit(r.PathValue("name"), command); err != nil {
		s.writeJSONError(w, submitStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"queued": command})
}

func (s *Server) setEnabledHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	level, err := strconv.Atoi(r.FormValue("level"))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "level must be 0, 1 or 2")
		return
	}
	if err := s.daq.SetEnabled(r.PathValue("name"), level); err != nil {
		s.writeJSONError(w, submitStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"enabled": level})
}

type sequencerResponse struct {
	Progress sequencer.Progress `json:"progress"`
	Plan     *sequencer.Plan    `json:"plan,omitempty"`
}

func (s *Server) showSequencer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	seq := s.daq.Sequencer()
	resp := sequencerResponse{Progress: seq.Progress()}
	if r.URL.Query().Get("plan") != "" {
		resp.Plan = seq.Plan()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleLiveChart renders the device's live buffer as a line chart, one
// series per numeric column.
func (s *Server) handleLiveChart(w http.ResponseWriter, r *http.Request) {
	l, ok := s.loop(w, r)
	if !ok {
		return
	}
	columns := s.daq.Columns(l.Name())
	recs := l.Live()

	var x []string
	series := make(map[int][]opts.LineData)
	for _, rec := range recs {
		if rec.Block != nil || len(rec.Row) == 0 || math.IsNaN(rec.Time) {
			continue
		}
		x = append(x, strconv.FormatFloat(rec.Time, 'f', 2, 64))
		for i := 1; i < len(rec.Row); i++ {
			var d opts.LineData
			if f, ok := rec.Float(i); ok && !math.IsNaN(f) {
				d.Value = f
			} else {
				d.Value = "-"
			}
			series[i] = append(series[i], d)
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: l.Name(), Theme: "dark", Width: "100%", Height: "640px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: l.Name(), Subtitle: fmt.Sprintf("%d records", len(x))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(x)
	for i := 1; i <= len(series); i++ {
		name := fmt.Sprintf("col%d", i)
		if i < len(columns) {
			name = columns[i]
		}
		line.AddSeries(name, series[i])
	}

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
