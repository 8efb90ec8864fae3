package selfplay

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lox/chesstrain/internal/agent"
	"github.com/lox/chesstrain/internal/env"
	"github.com/lox/chesstrain/internal/seed"
)

func newSeededManager(t *testing.T, s int64) *seed.Manager {
	t.Helper()
	mgr := seed.New()
	mgr.SetMaster(s)
	return mgr
}

func newGreedyAgent() agent.Agent {
	cfg := agent.Config{StateSize: 3, ActionSize: 256, BatchSize: 8, ExplorationRate: 0}
	kernel := &zeroKernel{}
	return agent.NewDQN(cfg, kernel, rand.New(rand.NewPCG(1, 1)))
}

// newExploringAgent builds a DQN with a nonzero exploration rate, so
// SelectActionWithRNG's random branch is actually exercised by callers.
// Its own rng field is irrelevant here: every call this test cares about
// goes through SelectActionWithRNG with a caller-supplied generator.
func newExploringAgent() agent.Agent {
	cfg := agent.Config{StateSize: 3, ActionSize: 256, BatchSize: 8, ExplorationRate: 0.8}
	kernel := &zeroKernel{}
	return agent.NewDQN(cfg, kernel, rand.New(rand.NewPCG(1, 1)))
}

// zeroKernel always predicts zero, making every valid action equally
// attractive; SelectAction then falls back to the first candidate.
type zeroKernel struct{}

func (z *zeroKernel) Forward(input []float64) []float64    { return make([]float64, 256) }
func (z *zeroKernel) Predict(input []float64) []float64    { return make([]float64, 256) }
func (z *zeroKernel) Backward(target []float64) []float64  { return make([]float64, 256) }
func (z *zeroKernel) Save(path string) error                { return nil }
func (z *zeroKernel) Load(path string) error                { return nil }
func (z *zeroKernel) InitWeights(rng *rand.Rand)             {}

func TestRunIterationProducesExpectedGameCount(t *testing.T) {
	mgr := newSeededManager(t, 42)
	eng := New(Config{GamesPerIteration: 4, MaxConcurrent: 2, MaxStepsPerGame: 20}, mgr)

	main := newGreedyAgent()
	opponent := newGreedyAgent()
	factory := func() env.Env { return env.NewFake(env.DefaultRewardConfig()) }

	result, err := eng.RunIteration(context.Background(), 0, factory, main, opponent)
	require.NoError(t, err)
	require.Equal(t, 4, result.TotalGames)
	require.Greater(t, result.TotalExperiences, 0)
}

func TestDeterministicSelfPlayProducesIdenticalTransitionSets(t *testing.T) {
	factory := func() env.Env { return env.NewFake(env.DefaultRewardConfig()) }

	run := func() IterationResult {
		mgr := newSeededManager(t, 7)
		eng := New(Config{GamesPerIteration: 4, MaxConcurrent: 3, MaxStepsPerGame: 20}, mgr)
		main := newGreedyAgent()
		opponent := newGreedyAgent()
		result, err := eng.RunIteration(context.Background(), 0, factory, main, opponent)
		require.NoError(t, err)
		return result
	}

	r1 := run()
	r2 := run()

	require.Equal(t, r1.TotalGames, r2.TotalGames)
	require.Equal(t, r1.TotalExperiences, r2.TotalExperiences)
	require.Equal(t, r1.OutcomeHistogram, r2.OutcomeHistogram)
	require.Equal(t, r1.Experiences, r2.Experiences)
}

// TestDeterministicSelfPlayWithExplorationProducesIdenticalTransitionSets
// exercises the path TestDeterministicSelfPlayProducesIdenticalTransitionSets
// cannot: agents with a nonzero exploration rate, run with MaxConcurrent
// greater than one. Each concurrent game must draw its random action
// choices from its own (iteration, game index)-derived generator rather
// than a generator shared across games, or repeated runs of the same
// master seed would diverge.
func TestDeterministicSelfPlayWithExplorationProducesIdenticalTransitionSets(t *testing.T) {
	factory := func() env.Env { return env.NewFake(env.DefaultRewardConfig()) }

	run := func() IterationResult {
		mgr := newSeededManager(t, 99)
		eng := New(Config{GamesPerIteration: 6, MaxConcurrent: 4, MaxStepsPerGame: 20}, mgr)
		main := newExploringAgent()
		opponent := newExploringAgent()
		result, err := eng.RunIteration(context.Background(), 0, factory, main, opponent)
		require.NoError(t, err)
		return result
	}

	r1 := run()
	r2 := run()

	require.Equal(t, r1.TotalGames, r2.TotalGames)
	require.Equal(t, r1.OutcomeHistogram, r2.OutcomeHistogram)
	require.Equal(t, r1.Games, r2.Games)
}

func TestSetProgressReportsEveryGameExactlyOnce(t *testing.T) {
	mgr := newSeededManager(t, 3)
	eng := New(Config{GamesPerIteration: 5, MaxConcurrent: 3, MaxStepsPerGame: 20}, mgr)

	var mu sync.Mutex
	var updates [][2]int
	eng.SetProgress(func(completed, total int) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, [2]int{completed, total})
	})

	main := newGreedyAgent()
	opponent := newGreedyAgent()
	factory := func() env.Env { return env.NewFake(env.DefaultRewardConfig()) }

	_, err := eng.RunIteration(context.Background(), 0, factory, main, opponent)
	require.NoError(t, err)

	require.Len(t, updates, 5)
	seen := make(map[int]bool)
	for _, u := range updates {
		require.Equal(t, 5, u[1])
		seen[u[0]] = true
	}
	for i := 1; i <= 5; i++ {
		require.True(t, seen[i], "expected a progress callback reporting %d completed games", i)
	}
}

func TestStopPreventsFurtherTransitions(t *testing.T) {
	mgr := newSeededManager(t, 1)
	eng := New(Config{GamesPerIteration: 4, MaxConcurrent: 2, MaxStepsPerGame: 20}, mgr)
	eng.Stop()

	main := newGreedyAgent()
	opponent := newGreedyAgent()
	factory := func() env.Env { return env.NewFake(env.DefaultRewardConfig()) }

	result, err := eng.RunIteration(context.Background(), 0, factory, main, opponent)
	require.NoError(t, err)
	require.Equal(t, 0, result.TotalExperiences)
}
