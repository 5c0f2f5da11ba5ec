package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the compiler API.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	BackendErrors    *prometheus.CounterVec
	ActiveRuns       prometheus.Gauge
	RequestsInFlight prometheus.Gauge
	CodeSizeBytes    prometheus.Histogram
	OutputSizeBytes  prometheus.Histogram
	AuditDropped     prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cybercompile",
				Name:      "runs_total",
				Help:      "Total number of run requests by language and status.",
			},
			[]string{"language", "status"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cybercompile",
				Name:      "run_duration_seconds",
				Help:      "Round-trip duration of execution backend calls in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"language"},
		),

		BackendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cybercompile",
				Name:      "backend_errors_total",
				Help:      "Total execution backend failures by failing operation.",
			},
			[]string{"op"},
		),

		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cybercompile",
				Name:      "active_runs",
				Help:      "Number of run requests waiting on the execution backend.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cybercompile",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "cybercompile",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "cybercompile",
				Name:      "output_size_bytes",
				Help:      "Size of normalized stdout plus stderr in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),

		AuditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cybercompile",
				Subsystem: "audit",
				Name:      "dropped_total",
				Help:      "Run history records dropped because the buffer was full.",
			},
		),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.BackendErrors,
		m.ActiveRuns,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
		m.AuditDropped,
	)

	return m
}

// RecordRun records metrics for a finished run request.
func (m *Metrics) RecordRun(language, status string, durationSec float64) {
	m.RunsTotal.WithLabelValues(language, status).Inc()
	if status == "success" {
		m.RunDuration.WithLabelValues(language).Observe(durationSec)
	}
}

// RecordBackendError records an execution backend failure by operation.
func (m *Metrics) RecordBackendError(op string) {
	m.BackendErrors.WithLabelValues(op).Inc()
}
