package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/routisai/routis-oss/pkg/domain"
)

// RecordRouteDecision annotates the active span with the decision outcome so
// the audit trail is visible on traces without consulting the journal.
func RecordRouteDecision(ctx context.Context, decision domain.RouteDecision) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("route.decision_id", decision.ID),
		attribute.String("route.profile", string(decision.Profile)),
		attribute.String("route.reason", string(decision.Reason)),
		attribute.Int("route.candidates_considered", len(decision.Attempted)),
		attribute.Int("route.retries_remaining", decision.RetriesRemaining),
	)

	if decision.Routed() {
		span.SetAttributes(attribute.String("route.backend", decision.ChosenBackend))
		return
	}
	span.AddEvent("route.no_backend_admitted")
}
