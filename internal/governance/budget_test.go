package governance

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/routisai/routis-oss/pkg/domain"
)

func newTestBudget(t *testing.T, defaults BudgetConfig) (*BudgetGuard, *time.Time) {
	t.Helper()
	g := NewBudgetGuard(defaults, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestBudgetReserveAndRelease(t *testing.T) {
	g, _ := newTestBudget(t, BudgetConfig{InflightLimit: 2, CostLimit: 100, Window: time.Hour})

	require.True(t, g.TryReserve("b"))
	require.True(t, g.TryReserve("b"))
	assert.False(t, g.TryReserve("b"), "inflight limit reached")

	g.Release("b", 10)
	assert.True(t, g.TryReserve("b"))

	stats := g.Stats()["b"]
	assert.Equal(t, 2, stats.Inflight)
	assert.Equal(t, 10.0, stats.CostConsumed)
}

func TestBudgetCostLimitBlocksUnderInflightLimit(t *testing.T) {
	g, _ := newTestBudget(t, BudgetConfig{InflightLimit: 10, CostLimit: 50, Window: time.Hour})

	require.True(t, g.TryReserve("b"))
	g.Release("b", 50)

	assert.False(t, g.TryReserve("b"), "cost limit reached while inflight is free")
}

func TestBudgetWindowResetRestoresCost(t *testing.T) {
	g, now := newTestBudget(t, BudgetConfig{InflightLimit: 4, CostLimit: 50, Window: time.Hour})

	require.True(t, g.TryReserve("b"))
	g.Release("b", 50)
	require.False(t, g.TryReserve("b"))

	*now = now.Add(61 * time.Minute)
	assert.True(t, g.TryReserve("b"), "window reset restores cost budget")
	g.Release("b", 5)
	assert.Equal(t, 5.0, g.Stats()["b"].CostConsumed, "only newly accrued cost remains")
}

func TestBudgetWindowResetAdvancesWholeWindows(t *testing.T) {
	g, now := newTestBudget(t, BudgetConfig{InflightLimit: 4, CostLimit: 50, Window: time.Hour})

	require.True(t, g.TryReserve("b"))
	g.Release("b", 10)
	firstReset := g.Stats()["b"].WindowResetAt

	// Idle past several periods: the boundary advances by whole windows and
	// lands in the future.
	*now = now.Add(5*time.Hour + 10*time.Minute)
	require.True(t, g.TryReserve("b"))
	g.Release("b", 0)

	resetAt, err := time.Parse(time.RFC3339, g.Stats()["b"].WindowResetAt)
	require.NoError(t, err)
	first, err := time.Parse(time.RFC3339, firstReset)
	require.NoError(t, err)

	assert.True(t, resetAt.After(*now))
	assert.Zero(t, resetAt.Sub(first)%time.Hour, "boundary advances by whole windows")
}

func TestBudgetReleaseFloorsAtZero(t *testing.T) {
	g, _ := newTestBudget(t, BudgetConfig{InflightLimit: 2, CostLimit: 100, Window: time.Hour})

	g.Release("b", 1)
	assert.Equal(t, 0, g.Stats()["b"].Inflight)
	assert.Equal(t, int64(1), g.Leaks())
}

func TestBudgetAcquireReleasesExactlyOnce(t *testing.T) {
	g, _ := newTestBudget(t, BudgetConfig{InflightLimit: 1, CostLimit: 100, Window: time.Hour})

	release, ok := g.Acquire("b")
	require.True(t, ok)
	assert.Equal(t, 1, g.Stats()["b"].Inflight)

	release(7)
	release(7)

	stats := g.Stats()["b"]
	assert.Equal(t, 0, stats.Inflight)
	assert.Equal(t, 7.0, stats.CostConsumed, "second release is swallowed but counted")
	assert.Equal(t, int64(1), g.Leaks())
}

func TestBudgetReserveRaceWithLimitOne(t *testing.T) {
	g, _ := newTestBudget(t, BudgetConfig{InflightLimit: 1, CostLimit: 100, Window: time.Hour})

	const callers = 64
	results := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.TryReserve("b")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one reservation for one slot")
	assert.Equal(t, 1, g.Stats()["b"].Inflight)
}

func TestBudgetConfigureOverride(t *testing.T) {
	g, _ := newTestBudget(t, BudgetConfig{InflightLimit: 1, CostLimit: 10, Window: time.Hour})
	g.Configure("big", BudgetConfig{InflightLimit: 3, CostLimit: 300, Window: time.Hour})

	require.True(t, g.TryReserve("big"))
	require.True(t, g.TryReserve("big"))
	require.True(t, g.TryReserve("big"))
	assert.False(t, g.TryReserve("big"))

	require.True(t, g.TryReserve("small"))
	assert.False(t, g.TryReserve("small"), "default limits apply without override")
}

func TestBudgetLoadRatio(t *testing.T) {
	g, _ := newTestBudget(t, BudgetConfig{InflightLimit: 4, CostLimit: 100, Window: time.Hour})

	assert.Equal(t, 0.0, g.LoadRatio("b"), "unknown backend reports zero load")

	require.True(t, g.TryReserve("b"))
	require.True(t, g.TryReserve("b"))
	assert.Equal(t, 0.5, g.LoadRatio("b"))
}

func TestBudgetInflightNeverExceedsLimitProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 8).Draw(t, "limit")
		g := NewBudgetGuard(BudgetConfig{InflightLimit: limit, CostLimit: 1e9, Window: time.Hour}, nil)

		held := 0
		numOps := rapid.IntRange(1, 200).Draw(t, "num_ops")
		for i := 0; i < numOps; i++ {
			if rapid.Bool().Draw(t, "reserve") {
				if g.TryReserve("b") {
					held++
				}
			} else if held > 0 {
				g.Release("b", 1)
				held--
			}

			inflight := g.Stats()["b"].Inflight
			if inflight > limit {
				t.Fatalf("inflight %d exceeds limit %d", inflight, limit)
			}
			if inflight < 0 {
				t.Fatalf("inflight %d went negative", inflight)
			}
			if inflight != held {
				t.Fatalf("inflight %d does not match held reservations %d", inflight, held)
			}
		}

		for ; held > 0; held-- {
			g.Release("b", 0)
		}
		if got := g.Stats()["b"].Inflight; got != 0 {
			t.Fatalf("inflight %d after releasing everything", got)
		}
		if g.Leaks() != 0 {
			t.Fatalf("unexpected leaks: %d", g.Leaks())
		}
	})
}

func TestBudgetStatsForUnknownBackend(t *testing.T) {
	g, _ := newTestBudget(t, BudgetConfig{InflightLimit: 2, CostLimit: 100, Window: time.Hour})

	_, err := g.StatsFor("never-seen")
	require.ErrorIs(t, err, domain.ErrUnknownBackend)

	// The strict lookup must not create an entry as a side effect.
	_, tracked := g.Stats()["never-seen"]
	assert.False(t, tracked)
}

func TestBudgetStatsForTrackedBackend(t *testing.T) {
	g, _ := newTestBudget(t, BudgetConfig{InflightLimit: 2, CostLimit: 100, Window: time.Hour})

	require.True(t, g.TryReserve("b"))
	g.Release("b", 25)

	stats, err := g.StatsFor("b")
	require.NoError(t, err)
	assert.Zero(t, stats.Inflight)
	assert.Equal(t, 25.0, stats.CostConsumed)
	assert.Equal(t, 2, stats.InflightLimit)
}

func TestBudgetLeakLogCarriesContractError(t *testing.T) {
	var buf bytes.Buffer
	g := NewBudgetGuard(BudgetConfig{InflightLimit: 2, CostLimit: 100, Window: time.Hour},
		slog.New(slog.NewTextHandler(&buf, nil)))

	g.Release("b", 0)

	assert.Equal(t, int64(1), g.Leaks())
	assert.Contains(t, buf.String(), domain.ErrReservationLeak.Error())

	buf.Reset()
	release, ok := g.Acquire("b")
	require.True(t, ok)
	release(0)
	release(0)
	assert.Contains(t, buf.String(), domain.ErrReservationLeak.Error())
}
