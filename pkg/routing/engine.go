package routing

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/routisai/routis-oss/internal/governance"
	"github.com/routisai/routis-oss/pkg/domain"
	"github.com/routisai/routis-oss/pkg/telemetry"
)

// Engine composes classification, circuit health and budget admission into
// route decisions. The engine itself is stateless across calls: all mutable
// state lives in the injected registries, and every decision is a pure
// function of the request plus the registries' state at the time of the walk.
type Engine struct {
	registry atomic.Pointer[Registry]
	health   *governance.HealthRegistry
	budget   *governance.BudgetGuard
	logger   *slog.Logger
}

// NewEngine creates an engine over the given registry and governance state.
func NewEngine(reg *Registry, health *governance.HealthRegistry, budget *governance.BudgetGuard, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		health: health,
		budget: budget,
		logger: logger,
	}
	e.registry.Store(reg)
	return e
}

// Registry returns the current profile registry snapshot.
func (e *Engine) Registry() *Registry {
	return e.registry.Load()
}

// SwapRegistry atomically replaces the profile registry. In-flight route
// calls finish against the snapshot they started with.
func (e *Engine) SwapRegistry(reg *Registry) {
	if reg != nil {
		e.registry.Swap(reg)
	}
}

// Health exposes the engine's health registry to the dispatch layer for
// outcome reporting.
func (e *Engine) Health() *governance.HealthRegistry {
	return e.health
}

// Budget exposes the engine's budget guard to the dispatch layer for
// reservation release.
func (e *Engine) Budget() *governance.BudgetGuard {
	return e.budget
}

// Route classifies the request and walks the profile's candidates through
// health and budget admission. Exhaustion is a normal outcome: the decision
// comes back with an empty chosen backend and reason NO_CANDIDATES_REMAINING,
// never as an error. The returned error is reserved for configuration-level
// failures surfaced per request.
func (e *Engine) Route(ctx context.Context, req domain.Request) (domain.RouteDecision, error) {
	return e.RouteExcluding(ctx, req, nil)
}

// RouteExcluding is Route with a set of backends already attempted for this
// logical request. Callers re-route after a retryable dispatch failure with
// the previously chosen backends excluded; when the exclusions exhaust the
// profile's attempt budget the decision carries RETRIES_EXHAUSTED.
func (e *Engine) RouteExcluding(ctx context.Context, req domain.Request, excluded []string) (domain.RouteDecision, error) {
	reg := e.registry.Load()

	name := reg.Classify(req)
	profile, err := reg.Lookup(name)
	if err != nil {
		return domain.RouteDecision{}, err
	}

	decision := domain.RouteDecision{
		ID:               uuid.NewString(),
		Profile:          profile.Name,
		RetriesRemaining: remainingRetries(profile.Retry, len(excluded)),
	}

	if len(excluded) >= profile.Retry.MaxAttempts {
		decision.Reason = domain.ReasonRetriesExhausted
		e.observe(ctx, decision)
		return decision, nil
	}

	skip := make(map[string]struct{}, len(excluded))
	for _, b := range excluded {
		skip[b] = struct{}{}
	}

	for _, candidate := range e.candidateOrder(profile) {
		if _, attempted := skip[candidate]; attempted {
			continue
		}

		admission := e.health.Admit(candidate)
		if !admission.Granted() {
			reason := domain.ReasonSkippedUnhealthy
			if admission == governance.AdmitDeniedProbeBusy {
				reason = domain.ReasonSkippedHalfOpenProbeBusy
			}
			decision.Attempted = append(decision.Attempted, domain.Attempt{Backend: candidate, Reason: reason})
			continue
		}

		if !e.budget.TryReserve(candidate) {
			// An admitted probe that never dispatches must give its slot back.
			if admission == governance.AdmitGrantedProbe {
				e.health.CancelProbe(candidate)
			}
			decision.Attempted = append(decision.Attempted, domain.Attempt{Backend: candidate, Reason: domain.ReasonSkippedBudgetExceeded})
			continue
		}

		decision.ChosenBackend = candidate
		decision.Reason = domain.ReasonSelectedHealthy
		decision.Attempted = append(decision.Attempted, domain.Attempt{Backend: candidate, Reason: domain.ReasonSelectedHealthy})
		e.observe(ctx, decision)
		return decision, nil
	}

	decision.Reason = domain.ReasonNoCandidatesRemaining
	e.logger.Debug("no route available",
		"decision_id", decision.ID,
		"profile", string(decision.Profile),
		"candidates_considered", len(decision.Attempted))
	e.observe(ctx, decision)
	return decision, nil
}

// candidateOrder returns the walk order for a profile. Strict priority keeps
// the declared order; least-loaded sorts by ascending inflight/limit ratio
// from a single snapshot, ties broken by declared order so identical inputs
// and state always produce identical decisions.
func (e *Engine) candidateOrder(profile domain.RoutingProfile) []string {
	if profile.Mode != domain.SelectLeastLoaded {
		return profile.Candidates
	}

	type loaded struct {
		backend string
		ratio   float64
		index   int
	}
	order := make([]loaded, len(profile.Candidates))
	for i, c := range profile.Candidates {
		order[i] = loaded{backend: c, ratio: e.budget.LoadRatio(c), index: i}
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].ratio != order[j].ratio {
			return order[i].ratio < order[j].ratio
		}
		return order[i].index < order[j].index
	})

	out := make([]string, len(order))
	for i, l := range order {
		out[i] = l.backend
	}
	return out
}

func (e *Engine) observe(ctx context.Context, decision domain.RouteDecision) {
	skips := 0
	for _, a := range decision.Attempted {
		if a.Reason != domain.ReasonSelectedHealthy {
			skips++
		}
	}
	telemetry.RecordRouteMetrics(ctx, telemetry.RouteMetrics{
		Profile: string(decision.Profile),
		Backend: decision.ChosenBackend,
		Reason:  string(decision.Reason),
		Skips:   skips,
	})
	telemetry.RecordRouteDecision(ctx, decision)
}

func remainingRetries(policy domain.RetryPolicy, attemptsSpent int) int {
	remaining := policy.MaxAttempts - 1 - attemptsSpent
	if remaining < 0 {
		return 0
	}
	return remaining
}
