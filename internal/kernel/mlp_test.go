package kernel

import (
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMLP() *MLP {
	m := New(Config{LayerSizes: []int{3, 8, 4}, Activation: ReLU, WeightInit: Xavier, Optimizer: Adam, LearningRate: 0.01})
	m.InitWeights(rand.New(rand.NewPCG(1, 1)))
	return m
}

func TestForwardProducesCorrectOutputWidth(t *testing.T) {
	m := newTestMLP()
	out := m.Forward([]float64{0.1, 0.2, 0.3})
	require.Len(t, out, 4)
}

func TestPredictDoesNotDisturbCachedBackwardState(t *testing.T) {
	m := newTestMLP()
	m.Forward([]float64{0.1, 0.2, 0.3})
	before := append([]float64(nil), m.postActivations[len(m.postActivations)-1].RawVector().Data...)

	m.Predict([]float64{0.9, 0.9, 0.9})

	after := m.postActivations[len(m.postActivations)-1].RawVector().Data
	require.Equal(t, before, after)
}

func TestBackwardReducesLossOverRepeatedSteps(t *testing.T) {
	m := newTestMLP()
	input := []float64{0.5, -0.2, 0.1}
	target := []float64{1, 0, 0, 0}

	lossOf := func() float64 {
		out := m.Forward(input)
		sum := 0.0
		for i, v := range out {
			d := v - target[i]
			sum += d * d
		}
		return sum
	}

	initial := lossOf()
	for i := 0; i < 200; i++ {
		m.Forward(input)
		m.Backward(target)
	}
	final := lossOf()

	require.Less(t, final, initial)
}

func TestSaveLoadRoundTripPreservesForward(t *testing.T) {
	m := newTestMLP()
	input := []float64{0.4, 0.1, -0.3}
	before := m.Forward(input)

	path := filepath.Join(t.TempDir(), "mlp.json")
	require.NoError(t, m.Save(path))

	loaded := New(Config{LayerSizes: []int{3, 8, 4}, Activation: ReLU, WeightInit: Xavier, Optimizer: Adam, LearningRate: 0.01})
	require.NoError(t, loaded.Load(path))

	after := loaded.Forward(input)
	require.InDeltaSlice(t, before, after, 1e-9)
}

func TestZeroWeightInitProducesZeroOutputBeforeTraining(t *testing.T) {
	m := New(Config{LayerSizes: []int{2, 3, 2}, WeightInit: Zero, Activation: ReLU})
	m.InitWeights(rand.New(rand.NewPCG(1, 1)))
	out := m.Forward([]float64{1, 1})
	for _, v := range out {
		require.Equal(t, 0.0, v)
	}
}
