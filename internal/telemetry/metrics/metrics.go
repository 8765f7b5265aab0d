// Package metrics holds the Prometheus collectors of the auth service and the /metrics handler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)


// Metrics is a set of collectors registered on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	operations      *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	replays         prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go and process collectors,
// on a new registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "auth_operations_total",
			Help:      "Auth operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      "auth_rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by class.",
		}, []string{"class"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      "auth_session_replays_total",
			Help:      "Refresh token replays that revoked a session lineage.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route template, method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
	m.registry.MustRegister(
		m.operations,
		m.rateLimited,
		m.replays,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Operation counts one auth operation. outcome is usually "success" or an error kind.
func (m *Metrics) Operation(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// RateLimited counts a rejected request of class.
func (m *Metrics) RateLimited(class string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(class).Inc()
}

// Replay counts a detected refresh token replay.
func (m *Metrics) Replay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

// ObserveRequest records the latency of one HTTP request.
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
