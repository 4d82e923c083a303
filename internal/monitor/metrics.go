package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the script runner.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionErrors    *prometheus.CounterVec
	ActiveExecutions   prometheus.Gauge
	RiskAssessments    *prometheus.CounterVec
	SyntaxRejections   prometheus.Counter
	PollAttempts       prometheus.Histogram
	TriggerForceFailed prometheus.Counter
	CleanupFailed      prometheus.Counter
	RequestsInFlight   prometheus.Gauge
	CodeSizeBytes      prometheus.Histogram
	OutputLines        prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "snowrunner",
				Name:      "executions_total",
				Help:      "Total number of script executions by outcome.",
			},
			[]string{"outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "snowrunner",
				Name:      "execution_duration_seconds",
				Help:      "End-to-end duration of the execution pipeline in seconds.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "snowrunner",
				Name:      "execution_errors_total",
				Help:      "Total pipeline errors by stage.",
			},
			[]string{"stage"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "snowrunner",
				Name:      "active_executions",
				Help:      "Number of executions currently in flight.",
			},
		),

		RiskAssessments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "snowrunner",
				Name:      "risk_assessments_total",
				Help:      "Total risk assessments by resulting tier.",
			},
			[]string{"tier"},
		),

		SyntaxRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "snowrunner",
				Name:      "syntax_rejections_total",
				Help:      "Total scripts rejected by the ES5 lint.",
			},
		),

		PollAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "snowrunner",
				Name:      "poll_attempts",
				Help:      "Number of marker polls per execution.",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
			},
		),

		TriggerForceFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "snowrunner",
				Name:      "trigger_force_failed_total",
				Help:      "Trigger creations that failed and were degraded to a no-op.",
			},
		),

		CleanupFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "snowrunner",
				Name:      "cleanup_failed_total",
				Help:      "Remote record cleanups that failed and were swallowed.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "snowrunner",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "snowrunner",
				Name:      "code_size_bytes",
				Help:      "Size of submitted scripts in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputLines: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "snowrunner",
				Name:      "output_lines",
				Help:      "Captured output lines per completed execution.",
				Buckets:   prometheus.ExponentialBuckets(1, 3, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.RiskAssessments,
		m.SyntaxRejections,
		m.PollAttempts,
		m.TriggerForceFailed,
		m.CleanupFailed,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputLines,
	)

	return m
}

// RecordExecution records metrics for a finished execution.
func (m *Metrics) RecordExecution(outcome string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	m.ExecutionDuration.WithLabelValues(outcome).Observe(durationSec)
}

// RecordError records a pipeline error by stage.
func (m *Metrics) RecordError(stage string) {
	m.ExecutionErrors.WithLabelValues(stage).Inc()
}

// RecordRiskTier records a risk assessment result.
func (m *Metrics) RecordRiskTier(tier string) {
	m.RiskAssessments.WithLabelValues(tier).Inc()
}
