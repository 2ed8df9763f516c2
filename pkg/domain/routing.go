package domain

import (
	"fmt"
	"time"
)

// ProfileName identifies a routing profile. Profile names are fixed at
// configuration time and never mutated afterwards.
type ProfileName string

// Canonical built-in profile names.
const (
	ProfileFastPath ProfileName = "fast-path"
	ProfileBalanced ProfileName = "balanced"
	ProfileQuality  ProfileName = "quality"
	ProfileFallback ProfileName = "fallback"
)

// ReasonCode is the closed enumeration of reasons a routing decision or a
// candidate rejection occurred. Every decision and every skip carries exactly
// one ReasonCode; this is what makes decisions auditable and replayable.
type ReasonCode string

const (
	// ReasonSelectedHealthy marks the candidate that was chosen.
	ReasonSelectedHealthy ReasonCode = "SELECTED_HEALTHY"
	// ReasonSkippedUnhealthy marks a candidate rejected by its circuit state.
	ReasonSkippedUnhealthy ReasonCode = "SKIPPED_UNHEALTHY"
	// ReasonSkippedBudgetExceeded marks a candidate rejected by admission control.
	ReasonSkippedBudgetExceeded ReasonCode = "SKIPPED_BUDGET_EXCEEDED"
	// ReasonSkippedHalfOpenProbeBusy marks a half-open candidate whose single
	// probe slot is already claimed by another request.
	ReasonSkippedHalfOpenProbeBusy ReasonCode = "SKIPPED_HALF_OPEN_PROBE_BUSY"
	// ReasonRetriesExhausted marks a decision requested after the profile's
	// retry policy allows no further attempts.
	ReasonRetriesExhausted ReasonCode = "RETRIES_EXHAUSTED"
	// ReasonNoCandidatesRemaining marks a decision where no candidate was
	// admissible.
	ReasonNoCandidatesRemaining ReasonCode = "NO_CANDIDATES_REMAINING"
)

// ErrorClass categorises dispatch failures for retry decisions.
type ErrorClass string

const (
	ErrorClassTimeout     ErrorClass = "timeout"
	ErrorClassUnavailable ErrorClass = "unavailable"
	ErrorClassRateLimited ErrorClass = "rate-limited"
	ErrorClassInvalid     ErrorClass = "invalid-request"
	ErrorClassInternal    ErrorClass = "internal"
)

// RetryPolicy describes how many attempts and which error classes justify a
// retry when a chosen backend's dispatch fails. Retry bookkeeping (attempt
// counting, sleeping through backoff) is owned by the caller; the policy
// itself lives here.
type RetryPolicy struct {
	// MaxAttempts is the total number of dispatch attempts allowed, including
	// the first. Always >= 1.
	MaxAttempts int
	// Backoff is the ordered sequence of delays applied between attempts.
	// When attempts outnumber entries the last value repeats.
	Backoff []time.Duration
	// Retryable is the set of error classes that justify another attempt.
	// An empty set means never retry.
	Retryable map[ErrorClass]bool
}

// IsRetryable reports whether a failure of the given class justifies a retry.
func (p RetryPolicy) IsRetryable(class ErrorClass) bool {
	return p.Retryable[class]
}

// BackoffFor returns the delay to apply after the given 1-based attempt
// number. The last configured value repeats once the sequence is exhausted;
// an empty sequence yields zero.
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if len(p.Backoff) == 0 || attempt < 1 {
		return 0
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// Validate checks the policy invariants.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry max_attempts must be >= 1, got %d", ErrInvalidProfile, p.MaxAttempts)
	}
	for i, d := range p.Backoff {
		if d < 0 {
			return fmt.Errorf("%w: retry backoff[%d] must not be negative", ErrInvalidProfile, i)
		}
	}
	return nil
}

// SelectionMode controls how a profile's candidates are ordered during a walk.
type SelectionMode string

const (
	// SelectStrictPriority walks candidates in declared profile order.
	SelectStrictPriority SelectionMode = "strict-priority"
	// SelectLeastLoaded walks candidates by ascending inflight/limit ratio,
	// ties broken by declared profile order.
	SelectLeastLoaded SelectionMode = "least-loaded-among-healthy"
)

// RoutingProfile is a named, ordered list of candidate backends plus the
// retry policy and selection constraints that apply once a request is
// classified into this profile. Profiles are immutable after construction.
type RoutingProfile struct {
	Name       ProfileName
	Candidates []string
	Retry      RetryPolicy
	Mode       SelectionMode
}

// Validate checks the profile invariants: a non-empty candidate list with
// unique backend identifiers, a known selection mode and a valid retry policy.
func (p RoutingProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: profile name must not be empty", ErrInvalidProfile)
	}
	if len(p.Candidates) == 0 {
		return fmt.Errorf("%w: profile %q has no candidates", ErrInvalidProfile, p.Name)
	}
	seen := make(map[string]struct{}, len(p.Candidates))
	for _, c := range p.Candidates {
		if c == "" {
			return fmt.Errorf("%w: profile %q has an empty backend identifier", ErrInvalidProfile, p.Name)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("%w: profile %q lists backend %q twice", ErrInvalidProfile, p.Name, c)
		}
		seen[c] = struct{}{}
	}
	switch p.Mode {
	case SelectStrictPriority, SelectLeastLoaded:
	default:
		return fmt.Errorf("%w: profile %q has unknown selection mode %q", ErrInvalidProfile, p.Name, p.Mode)
	}
	return p.Retry.Validate()
}

// Attempt pairs a considered candidate with the reason it was skipped or chosen.
type Attempt struct {
	Backend string     `json:"backend"`
	Reason  ReasonCode `json:"reason"`
}

// RouteDecision is the full, replayable justification for one routing choice.
// It is immutable once produced; the engine retains no reference to it after
// returning.
type RouteDecision struct {
	// ID correlates the decision with dispatch logs and telemetry.
	ID string `json:"id"`
	// Profile is the profile the request classified into.
	Profile ProfileName `json:"profile"`
	// ChosenBackend is empty when no candidate was admissible.
	ChosenBackend string `json:"chosen_backend,omitempty"`
	// Reason explains the overall outcome.
	Reason ReasonCode `json:"reason"`
	// Attempted lists every candidate considered, in walk order.
	Attempted []Attempt `json:"attempted"`
	// RetriesRemaining is carried from the profile's retry policy, reduced by
	// the attempts the caller has already spent on this logical request.
	RetriesRemaining int `json:"retries_remaining"`
}

// Routed reports whether a backend was chosen.
func (d RouteDecision) Routed() bool {
	return d.ChosenBackend != ""
}
