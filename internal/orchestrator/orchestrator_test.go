package orchestrator

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lox/chesstrain/internal/agent"
	"github.com/lox/chesstrain/internal/checkpoint"
	"github.com/lox/chesstrain/internal/convergence"
	"github.com/lox/chesstrain/internal/engine"
	"github.com/lox/chesstrain/internal/env"
	"github.com/lox/chesstrain/internal/replay"
	"github.com/lox/chesstrain/internal/seed"
	"github.com/lox/chesstrain/internal/selfplay"
	"github.com/lox/chesstrain/internal/trainpipeline"
	"github.com/lox/chesstrain/internal/validator"
)

// fakeKernel is a minimal deterministic stand-in for the neural kernel
// collaborator, with file-backed Save/Load so checkpoint round-trips are
// genuinely exercised.
type fakeKernel struct {
	size    int
	weights []float64
}

func newFakeKernel(size int) *fakeKernel {
	return &fakeKernel{size: size, weights: make([]float64, size)}
}

func (k *fakeKernel) Forward(input []float64) []float64 { return append([]float64(nil), k.weights...) }
func (k *fakeKernel) Predict(input []float64) []float64 { return append([]float64(nil), k.weights...) }

func (k *fakeKernel) Backward(target []float64) []float64 {
	grad := make([]float64, len(k.weights))
	for i := range k.weights {
		if i < len(target) {
			grad[i] = target[i] - k.weights[i]
			k.weights[i] += 0.01 * grad[i]
		}
	}
	return grad
}

func (k *fakeKernel) Save(path string) error {
	data, err := json.Marshal(k.weights)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (k *fakeKernel) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &k.weights)
}

func (k *fakeKernel) InitWeights(rng *rand.Rand) {
	for i := range k.weights {
		k.weights[i] = rng.Float64()
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, agent.Agent, agent.Agent) {
	t.Helper()

	mgr := seed.New()
	mgr.SetMaster(99)

	spEngine := selfplay.New(selfplay.Config{GamesPerIteration: 4, MaxConcurrent: 2, MaxStepsPerGame: 20}, mgr)
	buf := replay.New(200)
	pipeline := trainpipeline.New(trainpipeline.Config{BatchesPerIteration: 1, BatchSize: 4, MaxBufferSize: 200}, buf)

	dir := t.TempDir()
	ckpt, err := checkpoint.New(dir)
	require.NoError(t, err)

	val := validator.New()
	conv := convergence.New()

	factory := func() env.Env { return env.NewFake(env.DefaultRewardConfig()) }

	o := New(
		Config{EvaluationGames: 4, OpponentStrategy: CopyMain},
		spEngine, pipeline, buf, ckpt, val, conv, mgr, factory, zerolog.Nop(),
	)

	cfg := agent.Config{StateSize: 3, ActionSize: 256, BatchSize: 4, ExplorationRate: 0.1}
	main := agent.NewDQN(cfg, newFakeKernel(256), rand.New(rand.NewPCG(1, 1)))
	opponent := agent.NewDQN(cfg, newFakeKernel(256), rand.New(rand.NewPCG(2, 2)))

	return o, main, opponent
}

func TestRunIterationProducesFullSummary(t *testing.T) {
	o, main, opponent := newTestOrchestrator(t)

	summary, err := o.RunIteration(context.Background(), main, opponent)
	require.NoError(t, err)

	require.Equal(t, 0, summary.Iteration)
	require.Equal(t, 4, summary.SelfPlay.TotalGames)
	require.Equal(t, 4, summary.Evaluation.Games)
	require.Equal(t, 0, summary.Checkpoint.Version)
	require.True(t, summary.Checkpoint.Metadata.IsBest)
}

func TestRunIterationIncrementsVersionEachCall(t *testing.T) {
	o, main, opponent := newTestOrchestrator(t)

	s1, err := o.RunIteration(context.Background(), main, opponent)
	require.NoError(t, err)
	s2, err := o.RunIteration(context.Background(), main, opponent)
	require.NoError(t, err)

	require.Equal(t, 0, s1.Iteration)
	require.Equal(t, 1, s2.Iteration)
	require.Equal(t, 0, s1.Checkpoint.Version)
	require.Equal(t, 1, s2.Checkpoint.Version)
}

func TestCopyMainOpponentStrategyMatchesMainWeights(t *testing.T) {
	o, main, opponent := newTestOrchestrator(t)
	o.cfg.OpponentStrategy = CopyMain

	_, err := o.RunIteration(context.Background(), main, opponent)
	require.NoError(t, err)

	state := make([]float64, 3)
	actions := []int{0, 1, 2}
	mainQ, err := main.GetQValues(state, actions)
	require.NoError(t, err)
	oppQ, err := opponent.GetQValues(state, actions)
	require.NoError(t, err)
	require.InDeltaMapValues(t, mainQ, oppQ, 1e-9)
}

func TestFixedOpponentStrategyNeverRefreshes(t *testing.T) {
	o, main, opponent := newTestOrchestrator(t)
	o.cfg.OpponentStrategy = Fixed

	state := make([]float64, 3)
	actions := []int{0, 1, 2}
	before, err := opponent.GetQValues(state, actions)
	require.NoError(t, err)

	_, err = o.RunIteration(context.Background(), main, opponent)
	require.NoError(t, err)

	after, err := opponent.GetQValues(state, actions)
	require.NoError(t, err)
	require.InDeltaMapValues(t, before, after, 1e-9)
}

func TestStopRequestsHaltSelfPlay(t *testing.T) {
	o, main, opponent := newTestOrchestrator(t)
	o.Stop()

	summary, err := o.RunIteration(context.Background(), main, opponent)
	require.NoError(t, err)
	require.True(t, summary.StopEarly)
	require.Equal(t, 0, summary.SelfPlay.TotalExperiences)
}

func TestStepLimitTreatedAsDrawExcludesPenaltyAndLeavesTransitionUntouched(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.cfg.TreatStepLimitAsDraw = true
	o.cfg.StepLimitPenalty = -1

	result := selfplay.IterationResult{
		Games: []selfplay.GameResult{
			{
				HitStepLimit: true,
				Transitions: []engine.Transition{
					{State: []float64{0}, Action: 0, Reward: 0.3, NextState: []float64{1}, Done: false},
				},
			},
		},
	}

	games, penalty := o.stepLimitStats(result)
	require.Equal(t, 1, games)
	require.Equal(t, 0.0, penalty)

	last := result.Games[0].Transitions[0]
	require.Equal(t, 0.3, last.Reward, "Transition must stay immutable once emitted")
	require.False(t, last.Done)
}

func TestStepLimitPenaltyAppliedWhenNotTreatedAsDraw(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.cfg.TreatStepLimitAsDraw = false
	o.cfg.StepLimitPenalty = -0.5

	result := selfplay.IterationResult{
		Games: []selfplay.GameResult{
			{
				HitStepLimit: true,
				Transitions: []engine.Transition{
					{State: []float64{0}, Action: 0, Reward: 0.2, NextState: []float64{1}, Done: false},
				},
			},
		},
	}

	games, penalty := o.stepLimitStats(result)
	require.Equal(t, 1, games)
	require.InDelta(t, -0.5, penalty, 1e-9)
	require.Equal(t, 0.2, result.Games[0].Transitions[0].Reward, "Transition must stay immutable once emitted")
}

// recordingReporter captures every ProgressReporter callback it
// receives, so tests can assert on call order and payloads.
type recordingReporter struct {
	starts       []int
	completes    []IterationSummary
	gamesUpdates [][2]int
}

func (r *recordingReporter) OnIterationStart(iteration int) {
	r.starts = append(r.starts, iteration)
}

func (r *recordingReporter) OnIterationComplete(summary IterationSummary) {
	r.completes = append(r.completes, summary)
}

func (r *recordingReporter) OnGamesProgress(gamesCompleted, totalGames int) {
	r.gamesUpdates = append(r.gamesUpdates, [2]int{gamesCompleted, totalGames})
}

func TestProgressReporterReceivesIterationAndGameCallbacks(t *testing.T) {
	mgr := seed.New()
	mgr.SetMaster(7)

	spEngine := selfplay.New(selfplay.Config{GamesPerIteration: 4, MaxConcurrent: 2, MaxStepsPerGame: 20}, mgr)
	buf := replay.New(200)
	pipeline := trainpipeline.New(trainpipeline.Config{BatchesPerIteration: 1, BatchSize: 4, MaxBufferSize: 200}, buf)

	dir := t.TempDir()
	ckpt, err := checkpoint.New(dir)
	require.NoError(t, err)

	factory := func() env.Env { return env.NewFake(env.DefaultRewardConfig()) }
	reporter := &recordingReporter{}

	o := New(
		Config{EvaluationGames: 4, OpponentStrategy: CopyMain, ReproCommand: "chesstrain train --seed=7"},
		spEngine, pipeline, buf, ckpt, validator.New(), convergence.New(), mgr, factory, zerolog.Nop(),
		WithProgressReporter(reporter),
	)

	cfg := agent.Config{StateSize: 3, ActionSize: 256, BatchSize: 4, ExplorationRate: 0.1}
	main := agent.NewDQN(cfg, newFakeKernel(256), rand.New(rand.NewPCG(1, 1)))
	opponent := agent.NewDQN(cfg, newFakeKernel(256), rand.New(rand.NewPCG(2, 2)))

	summary, err := o.RunIteration(context.Background(), main, opponent)
	require.NoError(t, err)

	require.Equal(t, []int{0}, reporter.starts)
	require.Len(t, reporter.completes, 1)
	require.Equal(t, 4, len(reporter.gamesUpdates))
	require.Equal(t, "chesstrain train --seed=7", summary.Checkpoint.Metadata.AdditionalInfo["repro_cmd"])
}
