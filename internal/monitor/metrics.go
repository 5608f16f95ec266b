package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the triage service.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	RunErrors        *prometheus.CounterVec
	ActiveRuns       prometheus.Gauge
	PolicyBlocks     *prometheus.CounterVec
	Verdicts         *prometheus.CounterVec
	Findings         *prometheus.CounterVec
	RequestsInFlight prometheus.Gauge
	LogSizeBytes     prometheus.Histogram
	OutputSizeBytes  prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "snapcheck",
				Name:      "runs_total",
				Help:      "Total number of triage runs by final status.",
			},
			[]string{"status"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "snapcheck",
				Name:      "run_duration_seconds",
				Help:      "Duration of sandbox runs in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"backend"},
		),

		RunErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "snapcheck",
				Name:      "run_errors_total",
				Help:      "Total run errors by type.",
			},
			[]string{"type"},
		),

		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "snapcheck",
				Name:      "active_runs",
				Help:      "Number of sandbox runs currently executing.",
			},
		),

		PolicyBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "snapcheck",
				Name:      "policy_blocks_total",
				Help:      "Commands refused by the policy engine, by rule.",
			},
			[]string{"rule"},
		),

		Verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "snapcheck",
				Name:      "verdicts_total",
				Help:      "Analyzer verdicts by value.",
			},
			[]string{"verdict"},
		),

		Findings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "snapcheck",
				Name:      "findings_total",
				Help:      "Analyzer findings by kind.",
			},
			[]string{"kind"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "snapcheck",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		LogSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "snapcheck",
				Name:      "log_size_bytes",
				Help:      "Size of log text submitted for analysis in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "snapcheck",
				Name:      "output_size_bytes",
				Help:      "Size of captured sandbox output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunErrors,
		m.ActiveRuns,
		m.PolicyBlocks,
		m.Verdicts,
		m.Findings,
		m.RequestsInFlight,
		m.LogSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordRun records metrics for a finished run.
func (m *Metrics) RecordRun(status, backend string, durationSec float64) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(backend).Observe(durationSec)
}

// RecordError records a run error by type.
func (m *Metrics) RecordError(errType string) {
	m.RunErrors.WithLabelValues(errType).Inc()
}

// RecordAnalysis records verdict and finding counters for one analysis.
func (m *Metrics) RecordAnalysis(verdict string, findingsByKind map[string]int) {
	m.Verdicts.WithLabelValues(verdict).Inc()
	for kind, n := range findingsByKind {
		m.Findings.WithLabelValues(kind).Add(float64(n))
	}
}
