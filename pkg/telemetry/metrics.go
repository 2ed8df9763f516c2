package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	routeDecisionCounter metric.Int64Counter
	routeSkipCounter     metric.Int64Counter
	routeNoRouteCounter  metric.Int64Counter
)

// RouteMetrics captures the fields needed to record routing decision metrics.
type RouteMetrics struct {
	Profile string
	Backend string
	Reason  string
	Skips   int
}

// RecordRouteMetrics emits counters describing one routing decision.
func RecordRouteMetrics(ctx context.Context, metrics RouteMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("route.profile", metrics.Profile),
		attribute.String("route.reason", metrics.Reason),
	}
	if metrics.Backend != "" {
		attrs = append(attrs, attribute.String("route.backend", metrics.Backend))
	}

	routeDecisionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Skips > 0 {
		routeSkipCounter.Add(ctx, int64(metrics.Skips), metric.WithAttributes(attrs...))
	}

	if metrics.Backend == "" {
		routeNoRouteCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("routis.routing")

		routeDecisionCounter, metricsInitErr = meter.Int64Counter(
			"routis.route.decisions_total",
			metric.WithDescription("Routing decisions partitioned by profile and reason"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		routeSkipCounter, metricsInitErr = meter.Int64Counter(
			"routis.route.candidate_skips_total",
			metric.WithDescription("Candidates skipped during route walks"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		routeNoRouteCounter, metricsInitErr = meter.Int64Counter(
			"routis.route.no_route_total",
			metric.WithDescription("Decisions that admitted no candidate"),
			metric.WithUnit("{count}"),
		)
	})
	return metricsInitErr
}
