// Package metrics exposes prometheus instrumentation for the queue and
// the webhook endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the quarry collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	webhookEvents *prometheus.CounterVec
	leases        prometheus.Counter
	queueDepth    prometheus.Gauge
	runsCompleted *prometheus.CounterVec
}

// New creates and registers the quarry collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_webhook_events_total",
			Help: "Webhook deliveries by event type and handling status.",
		}, []string{"type", "status"}),
		leases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quarry_leases_total",
			Help: "Work item leases granted.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quarry_queue_depth",
			Help: "Pending, unlocked work items.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quarry_runs_completed_total",
			Help: "Runs completed by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.webhookEvents, m.leases, m.queueDepth, m.runsCompleted)
	return m
}

// WebhookEvent counts one webhook delivery outcome.
func (m *Metrics) WebhookEvent(eventType, status string) {
	m.webhookEvents.WithLabelValues(eventType, status).Inc()
}

// LeaseGranted counts one granted lease.
func (m *Metrics) LeaseGranted() {
	m.leases.Inc()
}

// SetQueueDepth records the current pending queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// RunCompleted counts one completed run by outcome.
func (m *Metrics) RunCompleted(outcome string) {
	m.runsCompleted.WithLabelValues(outcome).Inc()
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
