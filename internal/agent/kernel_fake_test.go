package agent

import "math/rand/v2"

// fakeKernel is a minimal deterministic stand-in for the external neural
// kernel collaborator, used only to exercise the Agent contract. It has
// no real learning behaviour: Forward/Predict expose a
// fixed-size weight vector, and Backward nudges it a tiny, bounded step
// toward the target, so GradientNorm is nonzero whenever the target
// differs from the weights.
type fakeKernel struct {
	weights []float64
	saved   []float64
}

func newFakeKernel(actionSize int) *fakeKernel {
	return &fakeKernel{weights: make([]float64, actionSize)}
}

func (k *fakeKernel) Forward(input []float64) []float64 {
	return append([]float64(nil), k.weights...)
}

func (k *fakeKernel) Predict(input []float64) []float64 {
	return append([]float64(nil), k.weights...)
}

func (k *fakeKernel) Backward(target []float64) []float64 {
	grad := make([]float64, len(k.weights))
	for i := range k.weights {
		if i < len(target) {
			diff := target[i] - k.weights[i]
			grad[i] = diff
			k.weights[i] += 0.01 * diff
		}
	}
	return grad
}

func (k *fakeKernel) Save(path string) error {
	k.saved = append([]float64(nil), k.weights...)
	return nil
}

func (k *fakeKernel) Load(path string) error {
	k.weights = append([]float64(nil), k.saved...)
	return nil
}

func (k *fakeKernel) InitWeights(rng *rand.Rand) {
	for i := range k.weights {
		k.weights[i] = rng.Float64()
	}
}

var _ Kernel = (*fakeKernel)(nil)
