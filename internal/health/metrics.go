package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the monitor's view of the run to Prometheus.
type Metrics struct {
	queueDepth *prometheus.GaugeVec
	warnings   *prometheus.CounterVec
	nanSeq     *prometheus.GaugeVec
	nanTotal   *prometheus.GaugeVec
	writeAge   prometheus.Gauge
	diskFree   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labdaq_device_queue_length",
			Help: "Records buffered for the writer.",
		}, []string{"device"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labdaq_device_warnings_total",
			Help: "Warnings drained from a device.",
		}, []string{"device"}),
		nanSeq: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labdaq_device_nan_sequential",
			Help: "Consecutive NaN reads.",
		}, []string{"device"}),
		nanTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labdaq_device_nan_total",
			Help: "NaN reads since the run started.",
		}, []string{"device"}),
		writeAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labdaq_writer_last_write_age_seconds",
			Help: "Seconds since the writer last committed.",
		}),
		diskFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labdaq_disk_free_bytes",
			Help: "Free space on the store's filesystem.",
		}),
	}
	reg.MustRegister(m.queueDepth, m.warnings, m.nanSeq, m.nanTotal, m.writeAge, m.diskFree)
	return m
}
