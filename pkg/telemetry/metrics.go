package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for reconciliation runs. A nil
// *Metrics is a valid no-op receiver, so callers never guard their
// recording calls.
type Metrics struct {
	runsStarted    *prometheus.CounterVec
	runsCompleted  *prometheus.CounterVec
	stepsExecuted  *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	stepRetries    prometheus.Counter
	conflictsFound *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenet",
			Name:      "runs_started_total",
			Help:      "Reconciliation runs started.",
		}, []string{"tenant", "mode"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenet",
			Name:      "runs_completed_total",
			Help:      "Reconciliation runs completed, by final status.",
		}, []string{"tenant", "status"}),
		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenet",
			Name:      "steps_executed_total",
			Help:      "Plan steps executed, by operation and final status.",
		}, []string{"operation", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tenet",
			Name:      "step_duration_seconds",
			Help:      "Wall time per plan step, including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		stepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tenet",
			Name:      "step_retries_total",
			Help:      "Step attempts beyond the first.",
		}),
		conflictsFound: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tenet",
			Name:      "conflicts",
			Help:      "Conflicts found by the last classification, by severity.",
		}, []string{"tenant", "severity"}),
		registry: registry,
	}
	registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.stepsExecuted,
		m.stepDuration, m.stepRetries, m.conflictsFound,
	)
	return m
}

// RunStarted records the start of a run.
func (m *Metrics) RunStarted(tenant, mode string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(tenant, mode).Inc()
}

// RunCompleted records a run reaching a terminal status.
func (m *Metrics) RunCompleted(tenant, status string) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(tenant, status).Inc()
}

// StepExecuted records a step reaching a terminal status.
func (m *Metrics) StepExecuted(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(operation, status).Inc()
	m.stepDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// StepRetried records one retry attempt.
func (m *Metrics) StepRetried() {
	if m == nil {
		return
	}
	m.stepRetries.Inc()
}

// ConflictsFound records classification output sizes.
func (m *Metrics) ConflictsFound(tenant, severity string, count int) {
	if m == nil {
		return
	}
	m.conflictsFound.WithLabelValues(tenant, severity).Set(float64(count))
}

// Handler returns the scrape handler for this collector's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr. It blocks; run it in a goroutine.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
