package governance

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routisai/routis-oss/pkg/domain"
)

// BudgetConfig defines per-backend capacity and cost limits.
type BudgetConfig struct {
	// InflightLimit caps concurrent in-flight dispatches. Always > 0.
	InflightLimit int
	// CostLimit caps cost consumed within one window. Always > 0.
	CostLimit float64
	// Window is the length of the cost accounting window.
	Window time.Duration
}

// DefaultBudgetConfig returns sensible defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		InflightLimit: 8,
		CostLimit:     1000,
		Window:        time.Hour,
	}
}

// BudgetGuard tracks per-backend capacity and cost consumption and admits or
// rejects further traffic. The check-and-increment in TryReserve is a single
// critical section per backend, so no two concurrent callers can both succeed
// when only one slot remains.
type BudgetGuard struct {
	mu        sync.RWMutex
	defaults  BudgetConfig
	overrides map[string]BudgetConfig
	backends  map[string]*backendBudget
	leaks     atomic.Int64
	logger    *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

type backendBudget struct {
	mu            sync.Mutex
	config        BudgetConfig
	inflight      int
	costConsumed  float64
	windowResetAt time.Time
}

// NewBudgetGuard creates a guard using the provided default limits for
// backends without an explicit override.
func NewBudgetGuard(defaults BudgetConfig, logger *slog.Logger) *BudgetGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &BudgetGuard{
		defaults:  normalizeBudgetConfig(defaults),
		overrides: make(map[string]BudgetConfig),
		backends:  make(map[string]*backendBudget),
		logger:    logger,
		now:       time.Now,
	}
}

func normalizeBudgetConfig(config BudgetConfig) BudgetConfig {
	def := DefaultBudgetConfig()
	if config.InflightLimit <= 0 {
		config.InflightLimit = def.InflightLimit
	}
	if config.CostLimit <= 0 {
		config.CostLimit = def.CostLimit
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	return config
}

// Configure sets an explicit limit override for a backend. An existing entry
// keeps its consumption but applies the new limits from the next access.
func (g *BudgetGuard) Configure(backend string, config BudgetConfig) {
	config = normalizeBudgetConfig(config)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides[backend] = config
	if bb, exists := g.backends[backend]; exists {
		bb.mu.Lock()
		bb.config = config
		bb.mu.Unlock()
	}
}

// get retrieves the budget entry for a backend, creating it lazily.
func (g *BudgetGuard) get(backend string) *backendBudget {
	g.mu.RLock()
	bb, exists := g.backends[backend]
	g.mu.RUnlock()
	if exists {
		return bb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if bb, exists := g.backends[backend]; exists {
		return bb
	}
	config := g.defaults
	if override, ok := g.overrides[backend]; ok {
		config = override
	}
	bb = &backendBudget{
		config:        config,
		windowResetAt: g.now().Add(config.Window),
	}
	g.backends[backend] = bb
	return bb
}

// maybeResetWindowLocked performs the lazy cost window reset. Resets are
// monotonic and idempotent: an already-reset window is a no-op, and idling
// past several periods advances the boundary by whole windows.
func (bb *backendBudget) maybeResetWindowLocked(now time.Time) {
	if now.Before(bb.windowResetAt) {
		return
	}
	window := bb.config.Window
	steps := int64(now.Sub(bb.windowResetAt)/window) + 1
	bb.windowResetAt = bb.windowResetAt.Add(window * time.Duration(steps))
	bb.costConsumed = 0
}

// TryReserve atomically checks both limits and claims an inflight slot.
// Returns false with no mutation when either limit is exhausted.
func (g *BudgetGuard) TryReserve(backend string) bool {
	bb := g.get(backend)
	now := g.now()

	bb.mu.Lock()
	defer bb.mu.Unlock()

	bb.maybeResetWindowLocked(now)

	if bb.inflight >= bb.config.InflightLimit {
		return false
	}
	if bb.costConsumed >= bb.config.CostLimit {
		return false
	}
	bb.inflight++
	return true
}

// Release returns an inflight slot and records the actual cost of the
// finished work. Must be called exactly once per successful TryReserve,
// including failure and cancellation paths. A release that would drive the
// inflight count negative is a contract violation: it is floored at zero,
// counted, and logged rather than silently absorbed.
func (g *BudgetGuard) Release(backend string, actualCost float64) {
	bb := g.get(backend)
	now := g.now()

	bb.mu.Lock()
	defer bb.mu.Unlock()

	bb.maybeResetWindowLocked(now)

	if bb.inflight <= 0 {
		g.leaks.Add(1)
		g.logger.Warn("budget release without matching reservation",
			"backend", backend, "error", domain.ErrReservationLeak, "leaks", g.leaks.Load())
	} else {
		bb.inflight--
	}
	if actualCost > 0 {
		bb.costConsumed += actualCost
	}
}

// Acquire is the scoped form of TryReserve: on success it returns a release
// function that is safe to call from any exit path and releases exactly once,
// so budgets never leak even when dispatch panics or is cancelled.
func (g *BudgetGuard) Acquire(backend string) (release func(actualCost float64), ok bool) {
	if !g.TryReserve(backend) {
		return nil, false
	}
	var once sync.Once
	return func(actualCost float64) {
		released := false
		once.Do(func() {
			g.Release(backend, actualCost)
			released = true
		})
		if !released {
			g.leaks.Add(1)
			g.logger.Warn("double release of budget reservation",
				"backend", backend, "error", domain.ErrReservationLeak)
		}
	}, true
}

// LoadRatio returns the backend's inflight/limit ratio. Unknown backends
// report zero load without creating an entry.
func (g *BudgetGuard) LoadRatio(backend string) float64 {
	g.mu.RLock()
	bb, exists := g.backends[backend]
	g.mu.RUnlock()
	if !exists {
		return 0
	}
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return float64(bb.inflight) / float64(bb.config.InflightLimit)
}

// Leaks returns the number of release contract violations observed.
func (g *BudgetGuard) Leaks() int64 {
	return g.leaks.Load()
}

// Deregister removes a backend's budget state entirely.
func (g *BudgetGuard) Deregister(backend string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.backends, backend)
	delete(g.overrides, backend)
}

// BudgetStats exposes the current budget state of one backend.
type BudgetStats struct {
	Inflight      int     `json:"inflight"`
	InflightLimit int     `json:"inflightLimit"`
	CostConsumed  float64 `json:"costConsumed"`
	CostLimit     float64 `json:"costLimit"`
	WindowResetAt string  `json:"windowResetAt"`
}

// StatsFor returns budget state for one backend. Backends never seen before
// are reported as unknown rather than lazily created.
func (g *BudgetGuard) StatsFor(backend string) (BudgetStats, error) {
	g.mu.RLock()
	bb, exists := g.backends[backend]
	g.mu.RUnlock()
	if !exists {
		return BudgetStats{}, fmt.Errorf("%w: %q", domain.ErrUnknownBackend, backend)
	}

	bb.mu.Lock()
	defer bb.mu.Unlock()
	return BudgetStats{
		Inflight:      bb.inflight,
		InflightLimit: bb.config.InflightLimit,
		CostConsumed:  bb.costConsumed,
		CostLimit:     bb.config.CostLimit,
		WindowResetAt: bb.windowResetAt.Format(time.RFC3339),
	}, nil
}

// Stats returns budget state for all tracked backends.
func (g *BudgetGuard) Stats() map[string]BudgetStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := make(map[string]BudgetStats, len(g.backends))
	for backend, bb := range g.backends {
		bb.mu.Lock()
		stats[backend] = BudgetStats{
			Inflight:      bb.inflight,
			InflightLimit: bb.config.InflightLimit,
			CostConsumed:  bb.costConsumed,
			CostLimit:     bb.config.CostLimit,
			WindowResetAt: bb.windowResetAt.Format(time.RFC3339),
		}
		bb.mu.Unlock()
	}
	return stats
}
