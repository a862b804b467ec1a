// Package metrics exposes Prometheus collectors for executions, container
// results, rate-limit trips and scheduler dispatches.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/melih/lighthouse/internal/core/domain"
)

const namespace = "lighthouse"

// Metrics implements recorder.Observer.
type Metrics struct {
	registry *prometheus.Registry

	executions      *prometheus.CounterVec
	results         *prometheus.CounterVec
	upgradeDuration *prometheus.HistogramVec
	rateLimitTrips  *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions by trigger and final status.",
		}, []string{"trigger", "status"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "container_results_total",
			Help:      "Recorded container results by status.",
		}, []string{"status"}),
		// Most upgrades pull an image and wait for readiness, so a few
		// seconds to a few minutes.
		upgradeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upgrade_duration_seconds",
			Help:      "Duration of executions, in seconds.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		rateLimitTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_trips_total",
			Help:      "Times the consecutive rate-limit breaker opened, by provider.",
		}, []string{"provider"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_dispatches_total",
			Help:      "Executions dispatched by the scheduler, by trigger.",
		}, []string{"trigger"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.executions,
		m.results,
		m.upgradeDuration,
		m.rateLimitTrips,
		m.dispatches,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ExecutionFinished(exec *domain.Execution) {
	m.executions.WithLabelValues(string(exec.TriggerType), string(exec.Status)).Inc()
	if exec.DurationMs != nil {
		m.upgradeDuration.WithLabelValues(string(exec.Status)).Observe(float64(*exec.DurationMs) / 1000)
	}
}

func (m *Metrics) ContainerRecorded(result *domain.ExecutionContainerResult) {
	m.results.WithLabelValues(string(result.Status)).Inc()
}

// RateLimitTripped is registered with retry.Registry.OnTrip.
func (m *Metrics) RateLimitTripped(provider string) {
	m.rateLimitTrips.WithLabelValues(provider).Inc()
}

// Dispatched is registered with scheduler.WithDispatchHook.
func (m *Metrics) Dispatched(trigger domain.TriggerType) {
	m.dispatches.WithLabelValues(string(trigger)).Inc()
}
