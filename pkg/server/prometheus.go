package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cadhost/testbridge/pkg/protocol"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram
	results       *prometheus.CounterVec
	drops         *prometheus.CounterVec
	cancels       prometheus.Counter

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "testbridge"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.runsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of commands accepted for processing",
		},
	)

	pmc.runsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of finished runs",
		},
		[]string{"status"},
	)

	pmc.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of complete runs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1200},
		},
	)

	pmc.results = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_emitted_total",
			Help:      "Total number of streamed result events",
		},
		[]string{"outcome"},
	)

	pmc.drops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_dropped_total",
			Help:      "Total number of connections closed without a run",
		},
		[]string{"reason"},
	)

	pmc.cancels = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Total number of cancellations observed mid-run",
		},
	)

	pmc.registry.MustRegister(
		pmc.runsStarted,
		pmc.runsCompleted,
		pmc.runDuration,
		pmc.results,
		pmc.drops,
		pmc.cancels,
	)

	return pmc
}

// RunStarted records a command accepted for processing
func (pmc *PrometheusMetricsCollector) RunStarted(runID string) {
	pmc.runsStarted.Inc()
}

// RunCompleted records a finished run
func (pmc *PrometheusMetricsCollector) RunCompleted(runID string, duration time.Duration, cancelled, fault bool) {
	status := "ok"
	if fault {
		status = "fault"
	} else if cancelled {
		status = "cancelled"
	}
	pmc.runsCompleted.WithLabelValues(status).Inc()
	pmc.runDuration.Observe(duration.Seconds())
}

// ResultEmitted records one streamed result event
func (pmc *PrometheusMetricsCollector) ResultEmitted(outcome protocol.Outcome) {
	pmc.results.WithLabelValues(string(outcome)).Inc()
}

// ConnectionDropped records a connection closed without a run
func (pmc *PrometheusMetricsCollector) ConnectionDropped(reason string) {
	pmc.drops.WithLabelValues(reason).Inc()
}

// CancelSignal records a cancellation observed mid-run
func (pmc *PrometheusMetricsCollector) CancelSignal(runID string) {
	pmc.cancels.Inc()
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

// Compile-time interface compliance check
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
