// Package metrics owns the Prometheus registry and the instruments the
// gateway core reports into.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's Prometheus instruments. A single value is
// created at startup and shared by reference; there are no package-level
// collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration   *prometheus.HistogramVec
	serviceHealth     *prometheus.GaugeVec
	activeConnections prometheus.Gauge
	breakerStatus     *prometheus.GaugeVec
}

// New creates a registry with the gateway instruments plus the default Go
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests handled by the gateway.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		}, []string{"method", "route", "status_code"}),
		serviceHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "service_health_status",
			Help: "Health of a backend instance (1 = healthy, 0 = unhealthy).",
		}, []string{"service"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of in-flight forwarded requests.",
		}),
		breakerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker state (0 = CLOSED, 1 = OPEN, 2 = HALF_OPEN).",
		}, []string{"service"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestDuration,
		m.serviceHealth,
		m.activeConnections,
		m.breakerStatus,
	)

	return m
}

// Handler returns the text exposition endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one handled request into the duration histogram.
func (m *Metrics) ObserveRequest(method, route string, statusCode int, elapsed time.Duration) {
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(statusCode)).Observe(elapsed.Seconds())
}

// SetInstanceHealth publishes the probe result for "<type>-<instance>".
func (m *Metrics) SetInstanceHealth(service string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.serviceHealth.WithLabelValues(service).Set(v)
}

// SetActiveConnections publishes the admission counter value.
func (m *Metrics) SetActiveConnections(n int) {
	m.activeConnections.Set(float64(n))
}

// SetBreakerStatus publishes a breaker state using the fixed encoding
// CLOSED=0, OPEN=1, HALF_OPEN=2.
func (m *Metrics) SetBreakerStatus(service string, state int) {
	m.breakerStatus.WithLabelValues(service).Set(float64(state))
}
