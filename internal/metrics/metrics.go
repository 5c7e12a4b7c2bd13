// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ar"

// Metrics holds every collector the service updates.
type Metrics struct {
	Admissions          *prometheus.CounterVec
	Compilations        *prometheus.CounterVec
	CompilationDuration *prometheus.HistogramVec
	CompilationsRunning prometheus.Gauge
	QueueErrors         *prometheus.CounterVec
	WebhookDeliveries   *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	MaintenanceRuns     *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests
// so registrations do not collide.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Compile requests by outcome (accepted, invalid, not_found, unavailable).",
		}, []string{"outcome"}),
		Compilations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compilations_total",
			Help:      "Finished compilations by terminal status.",
		}, []string{"status"}),
		CompilationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compilation_duration_seconds",
			Help:      "Wall clock from dequeue to terminal write.",
			Buckets:   []float64{5, 15, 30, 60, 120, 180, 300, 450, 600},
		}, []string{"status"}),
		CompilationsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compilations_running",
			Help:      "Compilations currently held by this process.",
		}),
		QueueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_errors_total",
			Help:      "Queue operation failures by operation.",
		}, []string{"op"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by event and result.",
		}, []string{"event", "result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		MaintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_items_total",
			Help:      "Items handled by scheduled maintenance tasks.",
		}, []string{"task", "result"}),
	}

	reg.MustRegister(
		m.Admissions,
		m.Compilations,
		m.CompilationDuration,
		m.CompilationsRunning,
		m.QueueErrors,
		m.WebhookDeliveries,
		m.HTTPRequests,
		m.HTTPDuration,
		m.MaintenanceRuns,
	)
	return m
}

// NewRegistry returns a registry preloaded with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// WebhookObserver adapts the counters to a notifier delivery hook.
func (m *Metrics) WebhookObserver() func(event string, err error) {
	return func(event string, err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.WebhookDeliveries.WithLabelValues(event, result).Inc()
	}
}
