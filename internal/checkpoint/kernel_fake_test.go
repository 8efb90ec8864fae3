package checkpoint

import (
	"encoding/json"
	"math/rand/v2"
	"os"
)

// fakeKernel is a minimal deterministic stand-in for the neural kernel
// collaborator, used only to exercise checkpoint round-trips.
type fakeKernel struct {
	weights []float64
}

func newFakeKernelForTest(actionSize int) *fakeKernel {
	return &fakeKernel{weights: make([]float64, actionSize)}
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
