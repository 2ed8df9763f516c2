package dispatch

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/routisai/routis-oss/pkg/domain"
)

// Metrics holds the Prometheus metrics for the dispatch layer.
type Metrics struct {
	decisionsTotal  *prometheus.CounterVec
	skipsTotal      *prometheus.CounterVec
	noRouteTotal    *prometheus.CounterVec
	dispatchesTotal *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routis_route_decisions_total",
				Help: "Routing decisions by profile and reason",
			},
			[]string{"profile", "reason"},
		),
		skipsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routis_route_candidate_skips_total",
				Help: "Candidates skipped during route walks by backend and reason",
			},
			[]string{"backend", "reason"},
		),
		noRouteTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routis_route_no_route_total",
				Help: "Decisions that admitted no candidate, by profile",
			},
			[]string{"profile"},
		),
		dispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routis_dispatches_total",
				Help: "Backend dispatches by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		dispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routis_dispatch_duration_seconds",
				Help:    "Backend dispatch latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routis_dispatch_retries_total",
				Help: "Retry attempts by profile",
			},
			[]string{"profile"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.decisionsTotal,
		m.skipsTotal,
		m.noRouteTotal,
		m.dispatchesTotal,
		m.dispatchLatency,
		m.retriesTotal,
	)

	return m
}

// ObserveDecision records one routing decision with its audit trail.
func (m *Metrics) ObserveDecision(decision domain.RouteDecision) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(string(decision.Profile), string(decision.Reason)).Inc()
	for _, attempt := range decision.Attempted {
		if attempt.Reason == domain.ReasonSelectedHealthy {
			continue
		}
		m.skipsTotal.WithLabelValues(attempt.Backend, string(attempt.Reason)).Inc()
	}
	if !decision.Routed() {
		m.noRouteTotal.WithLabelValues(string(decision.Profile)).Inc()
	}
}

// ObserveDispatch records one backend call.
func (m *Metrics) ObserveDispatch(backend string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.dispatchesTotal.WithLabelValues(backend, outcome).Inc()
	m.dispatchLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// ObserveRetry records one retry attempt.
func (m *Metrics) ObserveRetry(profile string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(profile).Inc()
}

// Handler returns an HTTP handler exposing the metrics in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
