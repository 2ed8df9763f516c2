// Package dispatch drives routed requests to their backends: it asks the
// engine for a decision, performs the call, reports the outcome back into the
// health and budget registries, and owns the retry bookkeeping (attempt
// counting and backoff sleeping) the engine deliberately does not keep.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/routisai/routis-oss/pkg/domain"
	"github.com/routisai/routis-oss/pkg/routing"
)

// Caller performs the actual call to a routed backend and reports the cost
// the call consumed.
type Caller interface {
	Call(ctx context.Context, backend string, req domain.Request) (cost float64, err error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, backend string, req domain.Request) (float64, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, backend string, req domain.Request) (float64, error) {
	return f(ctx, backend, req)
}

// ErrorClassifier maps a dispatch error to a retry class.
type ErrorClassifier func(error) domain.ErrorClass

// DefaultErrorClassifier categorises common transport failures.
func DefaultErrorClassifier(err error) domain.ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrorClassTimeout
	case errors.Is(err, context.Canceled):
		return domain.ErrorClassInternal
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return domain.ErrorClassTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return domain.ErrorClassRateLimited
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "unavailable"):
		return domain.ErrorClassUnavailable
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "bad request"):
		return domain.ErrorClassInvalid
	default:
		return domain.ErrorClassInternal
	}
}

// DispatchError wraps the terminal error of a dispatch with routing context.
type DispatchError struct {
	Err      error
	Backend  string
	Class    domain.ErrorClass
	Attempts int
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch: backend=%s class=%s attempts=%d: %v",
		e.Backend, e.Class, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Result describes the outcome of one logical request.
type Result struct {
	// Decision is the final routing decision. When no backend was admitted it
	// carries the full audit trail of the failed walk.
	Decision domain.RouteDecision
	// Backend is the backend that served (or terminally failed) the request.
	Backend string
	// Attempts is the number of dispatch attempts performed.
	Attempts int
	// Cost is the cost reported by the successful call.
	Cost float64
}

// Routed reports whether any backend was admitted for this request.
func (r Result) Routed() bool {
	return r.Decision.Routed() || r.Backend != ""
}

// Dispatcher binds an engine to a concrete backend caller.
type Dispatcher struct {
	engine   *routing.Engine
	caller   Caller
	classify ErrorClassifier
	metrics  *Metrics
	logger   *slog.Logger
	jitter   bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithErrorClassifier replaces the default error classification.
func WithErrorClassifier(c ErrorClassifier) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.classify = c
		}
	}
}

// WithMetrics sets the Prometheus metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithoutJitter disables backoff jitter. Deterministic backoff is mainly
// useful in tests.
func WithoutJitter() Option {
	return func(d *Dispatcher) { d.jitter = false }
}

// NewDispatcher creates a dispatcher over the given engine and caller.
func NewDispatcher(engine *routing.Engine, caller Caller, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine:   engine,
		caller:   caller,
		classify: DefaultErrorClassifier,
		metrics:  NewMetrics(),
		logger:   slog.Default(),
		jitter:   true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Metrics returns the dispatcher's Prometheus metrics sink.
func (d *Dispatcher) Metrics() *Metrics {
	return d.metrics
}

// Dispatch routes and executes one logical request, retrying on retryable
// failures per the profile's policy with the previously chosen backends
// excluded. A decision that admits no backend is returned with a nil error;
// callers branch on Result.Routed(). The returned error is reserved for
// terminal dispatch failures and configuration problems.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.Request) (Result, error) {
	var excluded []string
	var lastErr error
	var lastClass domain.ErrorClass
	var lastBackend string

	for attempt := 1; ; attempt++ {
		decision, err := d.engine.RouteExcluding(ctx, req, excluded)
		if err != nil {
			return Result{}, err
		}
		d.metrics.ObserveDecision(decision)

		if !decision.Routed() {
			result := Result{Decision: decision, Attempts: attempt - 1}
			if lastErr != nil {
				return result, &DispatchError{
					Err:      lastErr,
					Backend:  lastBackend,
					Class:    lastClass,
					Attempts: attempt - 1,
				}
			}
			return result, nil
		}

		backend := decision.ChosenBackend
		cost, callErr := d.callOne(ctx, backend, req)

		if callErr == nil {
			return Result{
				Decision: decision,
				Backend:  backend,
				Attempts: attempt,
				Cost:     cost,
			}, nil
		}

		class := d.classify(callErr)
		lastErr, lastClass, lastBackend = callErr, class, backend

		profile, perr := d.engine.Registry().Lookup(decision.Profile)
		if perr != nil {
			return Result{Decision: decision, Backend: backend, Attempts: attempt}, perr
		}

		if !profile.Retry.IsRetryable(class) || attempt >= profile.Retry.MaxAttempts {
			return Result{Decision: decision, Backend: backend, Attempts: attempt}, &DispatchError{
				Err:      callErr,
				Backend:  backend,
				Class:    class,
				Attempts: attempt,
			}
		}

		excluded = append(excluded, backend)
		d.metrics.ObserveRetry(string(decision.Profile))
		d.logger.Debug("retrying after dispatch failure",
			"decision_id", decision.ID,
			"backend", backend,
			"class", string(class),
			"attempt", attempt)

		if err := d.sleep(ctx, profile.Retry.BackoffFor(attempt)); err != nil {
			return Result{Decision: decision, Backend: backend, Attempts: attempt}, err
		}
	}
}

// callOne performs one backend call under scoped budget acquisition: the
// reservation taken by the engine during the route walk is released on every
// exit path, including panics and cancellation, with the actual cost.
func (d *Dispatcher) callOne(ctx context.Context, backend string, req domain.Request) (cost float64, err error) {
	defer func() {
		d.engine.Budget().Release(backend, cost)
	}()

	start := time.Now()
	cost, err = d.caller.Call(ctx, backend, req)
	duration := time.Since(start)

	d.engine.Health().ReportOutcome(backend, err == nil)
	d.metrics.ObserveDispatch(backend, err == nil, duration)
	return cost, err
}

// sleep waits out a backoff delay with context cancellation support,
// adding up to 25% jitter to avoid thundering herds.
func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if d.jitter && delay >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		delay += time.Duration(rand.Int63n(int64(delay / 4)))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
