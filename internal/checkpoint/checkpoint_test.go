package checkpoint

import (
	"math/rand/v2"
	"testing"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/lox/chesstrain/internal/agent"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir(), WithMaxVersions(100), WithClock(quartz.NewMock(t)))
	require.NoError(t, err)
	return m
}

func newTestAgent(t *testing.T) agent.Agent {
	t.Helper()
	cfg := agent.Config{StateSize: 2, ActionSize: 3, BatchSize: 2, ExplorationRate: 0}
	return agent.NewDQN(cfg, newFakeKernelForTest(cfg.ActionSize), rand.New(rand.NewPCG(1, 1)))
}

func TestCreateProducesValidRecord(t *testing.T) {
	m := newTestManager(t)
	a := newTestAgent(t)

	rec, err := m.Create(a, 0, Metadata{Cycle: 1, Performance: 0.5})
	require.NoError(t, err)
	require.Equal(t, 0, rec.Version)
	require.Equal(t, Valid, rec.ValidationStatus)
	require.Positive(t, rec.FileSize)
}

func TestBestPointerTracksStrictMaximum(t *testing.T) {
	m := newTestManager(t)
	a := newTestAgent(t)

	_, err := m.Create(a, 0, Metadata{Performance: 0.5})
	require.NoError(t, err)
	_, err = m.Create(a, 1, Metadata{Performance: 0.9})
	require.NoError(t, err)
	_, err = m.Create(a, 2, Metadata{Performance: 0.3})
	require.NoError(t, err)

	best, ok := m.Best()
	require.True(t, ok)
	require.Equal(t, 1, best.Version)
}

func TestDeletingBestReelects(t *testing.T) {
	m := newTestManager(t)
	a := newTestAgent(t)

	_, _ = m.Create(a, 0, Metadata{Performance: 0.5})
	_, _ = m.Create(a, 1, Metadata{Performance: 0.9})

	require.True(t, m.Delete(1))
	best, ok := m.Best()
	require.True(t, ok)
	require.Equal(t, 0, best.Version)
}

func TestLoadRoundTripRestoresSelectAction(t *testing.T) {
	m := newTestManager(t)
	kernel := newFakeKernelForTest(3)
	kernel.InitWeights(rand.New(rand.NewPCG(7, 9)))
	cfg := agent.Config{StateSize: 2, ActionSize: 3, BatchSize: 2, ExplorationRate: 0}
	a := agent.NewDQN(cfg, kernel, rand.New(rand.NewPCG(1, 1)))

	state := []float64{0.1, 0.2}
	valid := []int{0, 1, 2}
	before, err := a.SelectAction(state, valid)
	require.NoError(t, err)

	rec, err := m.Create(a, 0, Metadata{Performance: 1})
	require.NoError(t, err)

	kernel.weights[0] = 999
	result := m.Load(rec.Version, a, true)
	require.NoError(t, result.Err)
	require.True(t, result.Loaded)

	after, err := a.SelectAction(state, valid)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRetentionPolicyKeepsExactUnion(t *testing.T) {
	m := newTestManager(t)
	a := newTestAgent(t)

	for v := 1; v <= 10; v++ {
		_, err := m.Create(a, v, Metadata{Performance: float64(v) / 10})
		require.NoError(t, err)
	}

	m.CleanupByRetention(RetentionPolicy{KeepBest: true, KeepLast: 2, KeepEvery: 3})

	var remaining []int
	for _, r := range m.List() {
		remaining = append(remaining, r.Version)
	}
	require.ElementsMatch(t, []int{3, 6, 9, 10}, remaining)
}

func TestCompareRecommendsByThreshold(t *testing.T) {
	m := newTestManager(t)
	a := newTestAgent(t)

	_, _ = m.Create(a, 0, Metadata{Performance: 1.0})
	_, _ = m.Create(a, 1, Metadata{Performance: 1.15})

	cmp, err := m.Compare(0, 1)
	require.NoError(t, err)
	require.Equal(t, 1, cmp.BetterVersion)
	require.Contains(t, cmp.Recommendation, "improvement")
}

func TestMaxVersionsEvictsLowestPerformance(t *testing.T) {
	m, err := New(t.TempDir(), WithMaxVersions(2), WithClock(quartz.NewMock(t)))
	require.NoError(t, err)
	a := newTestAgent(t)

	_, _ = m.Create(a, 0, Metadata{Performance: 0.1})
	_, _ = m.Create(a, 1, Metadata{Performance: 0.9})
	_, _ = m.Create(a, 2, Metadata{Performance: 0.5})

	require.LessOrEqual(t, len(m.List()), 2)
	_, ok := m.Get(0)
	require.False(t, ok)
}
