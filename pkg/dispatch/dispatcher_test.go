package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routisai/routis-oss/internal/governance"
	"github.com/routisai/routis-oss/pkg/domain"
	"github.com/routisai/routis-oss/pkg/routing"
)

type fakeCaller struct {
	mu      sync.Mutex
	calls   []string
	results map[string]error
	cost    float64
}

func (f *fakeCaller) Call(_ context.Context, backend string, _ domain.Request) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, backend)
	return f.cost, f.results[backend]
}

func (f *fakeCaller) backends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newDispatchEngine(t *testing.T, retryable bool, candidates ...string) *routing.Engine {
	t.Helper()
	policy := domain.RetryPolicy{MaxAttempts: len(candidates), Backoff: []time.Duration{time.Millisecond}}
	if retryable {
		policy.Retryable = map[domain.ErrorClass]bool{
			domain.ErrorClassUnavailable: true,
			domain.ErrorClassTimeout:     true,
		}
	}
	profile := domain.RoutingProfile{
		Name:       "p",
		Candidates: candidates,
		Mode:       domain.SelectStrictPriority,
		Retry:      policy,
	}
	reg, err := routing.NewRegistry([]domain.RoutingProfile{profile}, "p")
	require.NoError(t, err)

	health := governance.NewHealthRegistry(governance.HealthConfig{FailureThreshold: 1, CoolDown: time.Minute})
	budget := governance.NewBudgetGuard(governance.BudgetConfig{InflightLimit: 4, CostLimit: 1000, Window: time.Hour}, nil)
	return routing.NewEngine(reg, health, budget, nil)
}

func TestDispatchSuccessReportsAndReleases(t *testing.T) {
	engine := newDispatchEngine(t, true, "a", "b")
	caller := &fakeCaller{results: map[string]error{}, cost: 12.5}
	d := NewDispatcher(engine, caller, WithoutJitter())

	result, err := d.Dispatch(context.Background(), domain.Request{})
	require.NoError(t, err)

	assert.True(t, result.Routed())
	assert.Equal(t, "a", result.Backend)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 12.5, result.Cost)
	assert.Equal(t, []string{"a"}, caller.backends())

	stats := engine.Budget().Stats()["a"]
	assert.Zero(t, stats.Inflight, "reservation released after the call")
	assert.Equal(t, 12.5, stats.CostConsumed, "cost accrued on release")
	assert.Equal(t, int64(0), engine.Budget().Leaks())
}

func TestDispatchRetryableFailureWalksToNextBackend(t *testing.T) {
	engine := newDispatchEngine(t, true, "a", "b")
	caller := &fakeCaller{results: map[string]error{
		"a": errors.New("connection refused"),
	}}
	d := NewDispatcher(engine, caller, WithoutJitter())

	result, err := d.Dispatch(context.Background(), domain.Request{})
	require.NoError(t, err)

	assert.Equal(t, "b", result.Backend)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, []string{"a", "b"}, caller.backends())

	// The failed attempt opened a's circuit at threshold one.
	assert.Equal(t, governance.StateOpen, engine.Health().State("a"))
	assert.Equal(t, governance.StateClosed, engine.Health().State("b"))
}

func TestDispatchNonRetryableClassStopsImmediately(t *testing.T) {
	engine := newDispatchEngine(t, true, "a", "b")
	caller := &fakeCaller{results: map[string]error{
		"a": errors.New("invalid request payload"),
	}}
	d := NewDispatcher(engine, caller, WithoutJitter())

	result, err := d.Dispatch(context.Background(), domain.Request{})
	require.Error(t, err)

	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "a", derr.Backend)
	assert.Equal(t, domain.ErrorClassInvalid, derr.Class)
	assert.Equal(t, 1, derr.Attempts)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, []string{"a"}, caller.backends(), "no second backend tried")
}

func TestDispatchRetriesExhausted(t *testing.T) {
	engine := newDispatchEngine(t, true, "a", "b")
	caller := &fakeCaller{results: map[string]error{
		"a": errors.New("unavailable"),
		"b": errors.New("unavailable"),
	}}
	d := NewDispatcher(engine, caller, WithoutJitter())

	result, err := d.Dispatch(context.Background(), domain.Request{})
	require.Error(t, err)

	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "b", derr.Backend)
	assert.Equal(t, 2, derr.Attempts)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, []string{"a", "b"}, caller.backends())
}

func TestDispatchNoRouteReturnsAuditTrail(t *testing.T) {
	engine := newDispatchEngine(t, true, "a")
	engine.Health().ReportOutcome("a", false)

	caller := &fakeCaller{results: map[string]error{}}
	d := NewDispatcher(engine, caller, WithoutJitter())

	result, err := d.Dispatch(context.Background(), domain.Request{})
	require.NoError(t, err, "a decision that admits nothing is not an error")

	assert.False(t, result.Routed())
	assert.Equal(t, domain.ReasonNoCandidatesRemaining, result.Decision.Reason)
	require.Len(t, result.Decision.Attempted, 1)
	assert.Equal(t, domain.ReasonSkippedUnhealthy, result.Decision.Attempted[0].Reason)
	assert.Empty(t, caller.backends())
}

func TestDispatchReleasesOnPanic(t *testing.T) {
	engine := newDispatchEngine(t, false, "a")
	d := NewDispatcher(engine, CallerFunc(func(context.Context, string, domain.Request) (float64, error) {
		panic("backend client bug")
	}), WithoutJitter())

	assert.Panics(t, func() {
		_, _ = d.Dispatch(context.Background(), domain.Request{})
	})
	assert.Zero(t, engine.Budget().Stats()["a"].Inflight, "reservation released on panic")
}

func TestDispatchCancelledBackoffReturnsContextError(t *testing.T) {
	profile := domain.RoutingProfile{
		Name:       "p",
		Candidates: []string{"a", "b"},
		Mode:       domain.SelectStrictPriority,
		Retry: domain.RetryPolicy{
			MaxAttempts: 2,
			Backoff:     []time.Duration{10 * time.Second},
			Retryable:   map[domain.ErrorClass]bool{domain.ErrorClassUnavailable: true},
		},
	}
	reg, err := routing.NewRegistry([]domain.RoutingProfile{profile}, "p")
	require.NoError(t, err)
	engine := routing.NewEngine(reg,
		governance.NewHealthRegistry(governance.HealthConfig{FailureThreshold: 1, CoolDown: time.Minute}),
		governance.NewBudgetGuard(governance.BudgetConfig{InflightLimit: 4, CostLimit: 1000, Window: time.Hour}, nil),
		nil)
	ctx, cancel := context.WithCancel(context.Background())

	caller := CallerFunc(func(context.Context, string, domain.Request) (float64, error) {
		cancel()
		return 0, errors.New("unavailable")
	})
	d := NewDispatcher(engine, caller, WithoutJitter())

	_, err = d.Dispatch(ctx, domain.Request{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, engine.Budget().Stats()["a"].Inflight)
}

func TestDefaultErrorClassifier(t *testing.T) {
	cases := []struct {
		err  error
		want domain.ErrorClass
	}{
		{context.DeadlineExceeded, domain.ErrorClassTimeout},
		{context.Canceled, domain.ErrorClassInternal},
		{errors.New("dial tcp: i/o timeout"), domain.ErrorClassTimeout},
		{errors.New("429 too many requests"), domain.ErrorClassRateLimited},
		{errors.New("rate limit exceeded"), domain.ErrorClassRateLimited},
		{errors.New("connection refused"), domain.ErrorClassUnavailable},
		{errors.New("no such host"), domain.ErrorClassUnavailable},
		{errors.New("bad request"), domain.ErrorClassInvalid},
		{errors.New("boom"), domain.ErrorClassInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DefaultErrorClassifier(tc.err), "error %q", tc.err)
	}
	assert.Empty(t, DefaultErrorClassifier(nil))
}

func TestDispatchErrorUnwrap(t *testing.T) {
	root := errors.New("root cause")
	derr := &DispatchError{Err: root, Backend: "a", Class: domain.ErrorClassInternal, Attempts: 1}

	assert.ErrorIs(t, derr, root)
	assert.Contains(t, derr.Error(), "backend=a")
}
