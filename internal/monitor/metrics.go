package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the plugin sandbox.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	IncidentsTotal    *prometheus.CounterVec
	EscapeIncidents   prometheus.Counter
	ActiveExecutions  prometheus.Gauge
	RequestsInFlight  prometheus.Gauge
	ValidationsTotal  *prometheus.CounterVec
	FuelConsumed      prometheus.Histogram
	CodeSizeBytes     prometheus.Histogram
	MemoryPeakMB      prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a
// dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "plugin_sandbox",
				Name:      "executions_total",
				Help:      "Total number of plugin executions by phase and status.",
			},
			[]string{"phase", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "plugin_sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of plugin executions in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"phase"},
		),

		IncidentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "plugin_sandbox",
				Name:      "incidents_total",
				Help:      "Total security incidents by type and threat level.",
			},
			[]string{"type", "threat_level"},
		),

		EscapeIncidents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "plugin_sandbox",
				Name:      "escape_incidents_total",
				Help:      "Sandbox boundary breaches. The target for this counter is zero.",
			},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "plugin_sandbox",
				Name:      "active_executions",
				Help:      "Number of currently running plugin executions.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "plugin_sandbox",
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served.",
			},
		),

		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "plugin_sandbox",
				Name:      "validations_total",
				Help:      "Code validation outcomes by phase and result.",
			},
			[]string{"phase", "result"},
		),

		FuelConsumed: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "plugin_sandbox",
				Name:      "fuel_consumed",
				Help:      "Abstract execution-step budget consumed per invocation.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "plugin_sandbox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted plugin code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		MemoryPeakMB: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "plugin_sandbox",
				Name:      "memory_peak_mb",
				Help:      "Peak linear memory per invocation in megabytes.",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.IncidentsTotal,
		m.EscapeIncidents,
		m.ActiveExecutions,
		m.RequestsInFlight,
		m.ValidationsTotal,
		m.FuelConsumed,
		m.CodeSizeBytes,
		m.MemoryPeakMB,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(phase, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(phase, status).Inc()
	m.ExecutionDuration.WithLabelValues(phase).Observe(durationSec)
}

// RecordIncident records a security incident by type and threat level.
func (m *Metrics) RecordIncident(incidentType, threatLevel string) {
	m.IncidentsTotal.WithLabelValues(incidentType, threatLevel).Inc()
}

// RecordEscape increments the escape-incident counter.
func (m *Metrics) RecordEscape() {
	m.EscapeIncidents.Inc()
}

// RecordValidation records a validation outcome.
func (m *Metrics) RecordValidation(phase string, safe bool) {
	result := "safe"
	if !safe {
		result = "rejected"
	}
	m.ValidationsTotal.WithLabelValues(phase, result).Inc()
}
