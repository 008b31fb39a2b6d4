package pool_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadbalancer/internal/pool"
)

func specs(n int, weight int) []pool.BackendSpec {
	out := make([]pool.BackendSpec, n)
	for i := range out {
		out[i] = pool.BackendSpec{Host: "b", Port: 8000 + i, Weight: weight}
	}
	return out
}

// ── P1 Healthy-only ──────────────────────────────────────────────────────────

func TestPick_NeverReturnsUnhealthy(t *testing.T) {
	p, err := pool.New("round_robin", specs(3, 1))
	require.NoError(t, err)

	snap := p.Snapshot()
	p.MarkUnhealthy(snap.Servers[1].ID, "test")

	for i := 0; i < 50; i++ {
		b, err := p.Pick("")
		require.NoError(t, err)
		assert.True(t, b.IsHealthy())
		assert.NotEqual(t, snap.Servers[1].ID, b.ID)
		p.Release(b.ID)
	}
}

// ── P2 Counter conservation ──────────────────────────────────────────────────

func TestCounterConservation_AfterManyPickRelease(t *testing.T) {
	p, err := pool.New("round_robin", specs(4, 1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := p.Pick("")
			if err != nil {
				return
			}
			p.Release(b.ID)
		}()
	}
	wg.Wait()

	snap := p.Snapshot()
	var total int64
	for _, s := range snap.Servers {
		total += s.ActiveConns
	}
	assert.Equal(t, int64(0), total)
}

func TestRelease_UnknownID_IsNoOp(t *testing.T) {
	p, err := pool.New("round_robin", specs(1, 1))
	require.NoError(t, err)
	assert.NotPanics(t, func() { p.Release("nonexistent:1") })
}

func TestRelease_DoubleRelease_ClampsAtZero(t *testing.T) {
	p, err := pool.New("round_robin", specs(1, 1))
	require.NoError(t, err)
	b, err := p.Pick("")
	require.NoError(t, err)

	p.Release(b.ID)
	p.Release(b.ID) // double release must not underflow

	snap := p.Snapshot()
	assert.Equal(t, int64(0), snap.Servers[0].ActiveConns)
}

// ── P3 WRR distribution ──────────────────────────────────────────────────────

func TestWeightedRoundRobin_FullPeriodDistribution(t *testing.T) {
	p, err := pool.New("weighted_round_robin", []pool.BackendSpec{
		{Host: "a", Port: 1, Weight: 5},
		{Host: "b", Port: 1, Weight: 3},
		{Host: "c", Port: 1, Weight: 1},
		{Host: "d", Port: 1, Weight: 1},
	})
	require.NoError(t, err)

	const k = 3
	counts := map[string]int{}
	for i := 0; i < k*10; i++ {
		b, err := p.Pick("")
		require.NoError(t, err)
		counts[b.ID]++
		p.Release(b.ID)
	}
	assert.Equal(t, k*5, counts["a:1"])
	assert.Equal(t, k*3, counts["b:1"])
	assert.Equal(t, k*1, counts["c:1"])
	assert.Equal(t, k*1, counts["d:1"])
}

// ── P4 Sticky precedence ─────────────────────────────────────────────────────

func TestPick_StickyHealthy_AlwaysReturnsTarget(t *testing.T) {
	p, err := pool.New("round_robin", specs(3, 1))
	require.NoError(t, err)
	snap := p.Snapshot()
	target := snap.Servers[1].ID

	for i := 0; i < 10; i++ {
		b, err := p.Pick(target)
		require.NoError(t, err)
		assert.Equal(t, target, b.ID)
		p.Release(b.ID)
	}
}

func TestPick_StickyUnhealthy_FallsBackToPolicy(t *testing.T) {
	p, err := pool.New("round_robin", specs(2, 1))
	require.NoError(t, err)
	snap := p.Snapshot()
	target := snap.Servers[0].ID
	p.MarkUnhealthy(target, "test")

	b, err := p.Pick(target)
	require.NoError(t, err)
	assert.NotEqual(t, target, b.ID)
}

func TestPick_StickyUnknown_FallsBackToPolicy(t *testing.T) {
	p, err := pool.New("round_robin", specs(2, 1))
	require.NoError(t, err)

	b, err := p.Pick("ghost:9999")
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
}

// ── P5 Reconfiguration preservation ──────────────────────────────────────────

func TestReplaceServers_PreservesHealthForSurvivingIDs(t *testing.T) {
	p, err := pool.New("round_robin", []pool.BackendSpec{
		{Host: "a", Port: 1, Weight: 1},
		{Host: "b", Port: 1, Weight: 1},
	})
	require.NoError(t, err)
	p.MarkUnhealthy("a:1", "test")

	err = p.ReplaceServers([]pool.BackendSpec{
		{Host: "a", Port: 1, Weight: 1}, // survives
		{Host: "c", Port: 1, Weight: 1}, // new
	})
	require.NoError(t, err)

	snap := p.Snapshot()
	byID := map[string]pool.BackendSnapshot{}
	for _, s := range snap.Servers {
		byID[s.ID] = s
	}
	assert.False(t, byID["a:1"].Healthy, "surviving backend must keep its unhealthy flag")
	assert.True(t, byID["c:1"].Healthy, "new backend must start healthy")
	_, gone := byID["b:1"]
	assert.False(t, gone, "backend absent from the new list must be discarded")
}

func TestReplaceServers_ResetsCursorAndRebuildsWeighted(t *testing.T) {
	p, err := pool.New("weighted_round_robin", specs(2, 1))
	require.NoError(t, err)
	_, _ = p.Pick("") // advance the cursor

	err = p.ReplaceServers([]pool.BackendSpec{
		{Host: "x", Port: 1, Weight: 2},
		{Host: "y", Port: 1, Weight: 2},
	})
	require.NoError(t, err)

	counts := map[string]int{}
	for i := 0; i < 4; i++ {
		b, err := p.Pick("")
		require.NoError(t, err)
		counts[b.ID]++
	}
	assert.Equal(t, 2, counts["x:1"])
	assert.Equal(t, 2, counts["y:1"])
}

func TestReplaceServers_EmptyList_ReturnsError(t *testing.T) {
	p, err := pool.New("round_robin", specs(1, 1))
	require.NoError(t, err)
	assert.Error(t, p.ReplaceServers(nil))
}

// ── P6 No rotation to unhealthy ──────────────────────────────────────────────

func TestMarkUnhealthy_RemovesFromRotationUntilRecovered(t *testing.T) {
	p, err := pool.New("round_robin", specs(2, 1))
	require.NoError(t, err)
	snap := p.Snapshot()
	bad := snap.Servers[0].ID

	p.MarkUnhealthy(bad, "probe failed")

	for i := 0; i < 20; i++ {
		b, err := p.Pick("")
		require.NoError(t, err)
		assert.NotEqual(t, bad, b.ID)
	}

	p.SetHealthy(bad, true, "probe recovered")

	seenBad := false
	for i := 0; i < 20; i++ {
		b, err := p.Pick("")
		require.NoError(t, err)
		if b.ID == bad {
			seenBad = true
		}
	}
	assert.True(t, seenBad, "recovered backend must rejoin rotation")
}

func TestMarkUnhealthy_UnknownID_IsNoOp(t *testing.T) {
	p, err := pool.New("round_robin", specs(1, 1))
	require.NoError(t, err)
	assert.NotPanics(t, func() { p.MarkUnhealthy("ghost:1", "n/a") })
}

// ── No healthy backend ───────────────────────────────────────────────────────

func TestPick_AllUnhealthy_ReturnsError(t *testing.T) {
	p, err := pool.New("round_robin", specs(2, 1))
	require.NoError(t, err)
	snap := p.Snapshot()
	for _, s := range snap.Servers {
		p.MarkUnhealthy(s.ID, "test")
	}

	_, err = p.Pick("")
	assert.ErrorIs(t, err, pool.ErrNoHealthyBackend)
}

// ── Weighted-empty fallback (Open Question resolution: per-call) ───────────

func TestPick_WeightedRoundRobin_NoFallbackWhenNoBackendHealthy(t *testing.T) {
	p, err := pool.New("weighted_round_robin", []pool.BackendSpec{
		{Host: "a", Port: 1, Weight: 1},
	})
	require.NoError(t, err)

	// Marking the only backend unhealthy empties both the weighted sequence
	// and the healthy subset, so the per-call round-robin fallback has
	// nothing to choose from and Pick reports ErrNoHealthyBackend.
	snap := p.Snapshot()
	p.MarkUnhealthy(snap.Servers[0].ID, "test")
	_, err = p.Pick("")
	assert.ErrorIs(t, err, pool.ErrNoHealthyBackend, "fallback only applies when some backend is still healthy")
}

// ── Literal scenario 1: round-robin with 3 healthy ──────────────────────────

func TestScenario_RoundRobinThreeHealthy(t *testing.T) {
	p, err := pool.New("round_robin", []pool.BackendSpec{
		{Host: "A", Port: 3001, Weight: 1},
		{Host: "B", Port: 3002, Weight: 1},
		{Host: "C", Port: 3003, Weight: 1},
	})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 6; i++ {
		b, err := p.Pick("")
		require.NoError(t, err)
		got = append(got, b.ID)
	}
	assert.Equal(t, []string{"A:3001", "B:3002", "C:3003", "A:3001", "B:3002", "C:3003"}, got)
}

// ── Literal scenario 5/6: sticky precedence and fallback with cookie swap ───

func TestScenario_StickyOverridesPolicy(t *testing.T) {
	p, err := pool.New("round_robin", []pool.BackendSpec{
		{Host: "A", Port: 1, Weight: 1},
		{Host: "B", Port: 2, Weight: 1},
		{Host: "C", Port: 3, Weight: 1},
	})
	require.NoError(t, err)

	b, err := p.Pick("B:2")
	require.NoError(t, err)
	assert.Equal(t, "B:2", b.ID)
}

func TestScenario_StickyFallsBackWhenTargetUnhealthy(t *testing.T) {
	p, err := pool.New("round_robin", []pool.BackendSpec{
		{Host: "A", Port: 1, Weight: 1},
		{Host: "B", Port: 2, Weight: 1},
	})
	require.NoError(t, err)
	p.MarkUnhealthy("B:2", "test")

	b, err := p.Pick("B:2")
	require.NoError(t, err)
	assert.Equal(t, "A:1", b.ID)
}
