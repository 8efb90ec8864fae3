package trainpipeline

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lox/chesstrain/internal/agent"
	"github.com/lox/chesstrain/internal/engine"
	"github.com/lox/chesstrain/internal/replay"
	"github.com/lox/chesstrain/internal/validator"
)

type constKernel struct{ size int }

func (k *constKernel) Forward(input []float64) []float64   { return make([]float64, k.size) }
func (k *constKernel) Predict(input []float64) []float64   { return make([]float64, k.size) }
func (k *constKernel) Backward(target []float64) []float64 { return make([]float64, k.size) }
func (k *constKernel) Save(path string) error               { return nil }
func (k *constKernel) Load(path string) error                { return nil }
func (k *constKernel) InitWeights(rng *rand.Rand)             {}

// nanKernel always predicts NaN, forcing ForceUpdate's loss computation
// to go non-finite so PolicyUpdateResult.Err gets exercised.
type nanKernel struct{ size int }

func (k *nanKernel) Forward(input []float64) []float64 {
	out := make([]float64, k.size)
	out[0] = math.NaN()
	return out
}
func (k *nanKernel) Predict(input []float64) []float64   { return make([]float64, k.size) }
func (k *nanKernel) Backward(target []float64) []float64 { return make([]float64, k.size) }
func (k *nanKernel) Save(path string) error               { return nil }
func (k *nanKernel) Load(path string) error                { return nil }
func (k *nanKernel) InitWeights(rng *rand.Rand)             {}

func fillBuffer(b *replay.Buffer, n int) {
	for i := 0; i < n; i++ {
		b.Add(engine.Transition{
			State:     []float64{float64(i)},
			Action:    0,
			Reward:    float64(i % 3),
			NextState: []float64{float64(i + 1)},
			Done:      i%5 == 0,
		})
	}
}

func TestRunIterationRunsConfiguredBatchCount(t *testing.T) {
	buf := replay.New(100)
	fillBuffer(buf, 80)

	p := New(Config{BatchesPerIteration: 3, BatchSize: 10}, buf)
	ag := agent.NewDQN(agent.Config{StateSize: 1, ActionSize: 2, BatchSize: 10}, &constKernel{size: 2}, rand.New(rand.NewPCG(1, 1)))

	stats := p.RunIteration(ag)
	require.Equal(t, 3, stats.BatchesRun)
	require.Len(t, stats.Results, 3)
}

func TestRunIterationTrimsBufferToMaxSize(t *testing.T) {
	buf := replay.New(200)
	fillBuffer(buf, 150)

	p := New(Config{BatchesPerIteration: 1, BatchSize: 10, MaxBufferSize: 50}, buf)
	ag := agent.NewDQN(agent.Config{StateSize: 1, ActionSize: 2, BatchSize: 10}, &constKernel{size: 2}, rand.New(rand.NewPCG(1, 1)))

	p.RunIteration(ag)
	require.LessOrEqual(t, buf.Size(), 50)
}

func TestShouldStopEarlyRequiresFullWindowAboveThreshold(t *testing.T) {
	buf := replay.New(10)
	p := New(Config{BatchesPerIteration: 1, BatchSize: 1, EarlyStoppingOn: true, EarlyStopWindow: 3, EarlyStopThreshold: 0.5}, buf)

	p.ObservePerformance(0.9)
	p.ObservePerformance(0.9)
	require.False(t, p.ShouldStopEarly(), "window not yet full")

	p.ObservePerformance(0.9)
	require.True(t, p.ShouldStopEarly())
}

func TestShouldStopEarlyDisabledWhenNotConfigured(t *testing.T) {
	buf := replay.New(10)
	p := New(Config{BatchesPerIteration: 1, BatchSize: 1}, buf)
	p.ObservePerformance(100)
	require.False(t, p.ShouldStopEarly())
}

func TestRunIterationRecordsTransientIssueAndClearsBufferOnNumericalInstability(t *testing.T) {
	buf := replay.New(100)
	fillBuffer(buf, 80)

	p := New(Config{
		BatchesPerIteration: 1,
		BatchSize:           10,
		HealthPolicy:        validator.HealthPolicy{MaxConsecutiveFailures: 5, MaxFailuresPerWindow: 5, WindowSize: 5},
	}, buf)
	ag := agent.NewDQN(agent.Config{StateSize: 1, ActionSize: 2, BatchSize: 10}, &nanKernel{size: 2}, rand.New(rand.NewPCG(1, 1)))

	stats := p.RunIteration(ag)
	require.Len(t, stats.TransientIssues, 1)
	require.Equal(t, validator.TransientTrainingError, stats.TransientIssues[0].Type)
	require.Equal(t, 0, buf.Size(), "buffer should be cleared locally after a transient failure")
}

func TestRunIterationEscalatesSeverityOnRepeatedFailures(t *testing.T) {
	buf := replay.New(100)

	p := New(Config{
		BatchesPerIteration: 1,
		BatchSize:           10,
		HealthPolicy: validator.HealthPolicy{
			MaxConsecutiveFailures: 2,
			MaxFailuresPerWindow:   10,
			WindowSize:             10,
			RestartDelay:           time.Millisecond,
		},
	}, buf)
	ag := agent.NewDQN(agent.Config{StateSize: 1, ActionSize: 2, BatchSize: 10}, &nanKernel{size: 2}, rand.New(rand.NewPCG(1, 1)))

	var severities []validator.Severity
	for i := 0; i < 3; i++ {
		fillBuffer(buf, 10)
		stats := p.RunIteration(ag)
		require.Len(t, stats.TransientIssues, 1)
		severities = append(severities, stats.TransientIssues[0].Severity)
	}

	require.Equal(t, []validator.Severity{validator.Low, validator.High, validator.High}, severities)
}
