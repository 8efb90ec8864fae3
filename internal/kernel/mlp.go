// Package kernel provides a concrete implementation of the agent.Kernel
// contract: a dense feedforward network with configurable hidden layers,
// activation, weight initialization and optimizer, built on gonum/mat the
// way internal/evaluator leans on gonum/stat for numeric work rather than
// hand-rolling matrix algebra.
package kernel

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"gonum.org/v1/gonum/mat"
)

// Activation names a supported nonlinearity for hidden layers. The
// output layer is always linear, since agents read it as Q-values or
// policy logits.
type Activation string

const (
	ReLU    Activation = "relu"
	Sigmoid Activation = "sigmoid"
	Tanh    Activation = "tanh"
	Linear  Activation = "linear"
)

// WeightInit names a supported weight initialization scheme.
type WeightInit string

const (
	Xavier      WeightInit = "xavier"
	He          WeightInit = "he"
	UniformInit WeightInit = "uniform"
	Zero        WeightInit = "zero"
)

// Optimizer names a supported gradient-descent update rule.
type Optimizer string

const (
	SGD     Optimizer = "sgd"
	Adam    Optimizer = "adam"
	RMSProp Optimizer = "rmsprop"
)

const (
	adamBeta1  = 0.9
	adamBeta2  = 0.999
	adamEps    = 1e-8
	rmsDecay   = 0.9
	rmsEps     = 1e-8
)

// MLP is a dense feedforward network: layerSizes[0] is the input width,
// layerSizes[len-1] is the output width, and everything between is a
// hidden layer activated by Activation.
type MLP struct {
	layerSizes   []int
	activation   Activation
	weightInit   WeightInit
	optimizer    Optimizer
	learningRate float64

	weights []*mat.Dense
	biases  []*mat.VecDense

	// Adam/RMSProp running moments, one pair per weight/bias matrix.
	mWeights, vWeights []*mat.Dense
	mBiases, vBiases   []*mat.VecDense
	step               int

	// cached from the most recent Forward call, consumed by Backward.
	preActivations  []*mat.VecDense
	postActivations []*mat.VecDense
}

// Config configures an MLP.
type Config struct {
	LayerSizes   []int
	Activation   Activation
	WeightInit   WeightInit
	Optimizer    Optimizer
	LearningRate float64
}

// New constructs an MLP with zeroed weights; call InitWeights before use.
func New(cfg Config) *MLP {
	if cfg.Activation == "" {
		cfg.Activation = ReLU
	}
	if cfg.WeightInit == "" {
		cfg.WeightInit = Xavier
	}
	if cfg.Optimizer == "" {
		cfg.Optimizer = Adam
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.001
	}

	n := len(cfg.LayerSizes) - 1
	m := &MLP{
		layerSizes:   cfg.LayerSizes,
		activation:   cfg.Activation,
		weightInit:   cfg.WeightInit,
		optimizer:    cfg.Optimizer,
		learningRate: cfg.LearningRate,
		weights:      make([]*mat.Dense, n),
		biases:       make([]*mat.VecDense, n),
		mWeights:     make([]*mat.Dense, n),
		vWeights:     make([]*mat.Dense, n),
		mBiases:      make([]*mat.VecDense, n),
		vBiases:      make([]*mat.VecDense, n),
	}
	for i := 0; i < n; i++ {
		rows, cols := cfg.LayerSizes[i+1], cfg.LayerSizes[i]
		m.weights[i] = mat.NewDense(rows, cols, nil)
		m.biases[i] = mat.NewVecDense(rows, nil)
		m.mWeights[i] = mat.NewDense(rows, cols, nil)
		m.vWeights[i] = mat.NewDense(rows, cols, nil)
		m.mBiases[i] = mat.NewVecDense(rows, nil)
		m.vBiases[i] = mat.NewVecDense(rows, nil)
	}
	return m
}

// InitWeights fills every weight matrix according to the configured
// WeightInit scheme, drawing from rng.
func (m *MLP) InitWeights(rng *rand.Rand) {
	for i, w := range m.weights {
		rows, cols := w.Dims()
		scale := m.initScale(cols, rows)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				w.Set(r, c, m.drawWeight(rng, scale))
			}
		}
		m.biases[i].Zero()
	}
}

func (m *MLP) initScale(fanIn, fanOut int) float64 {
	switch m.weightInit {
	case He:
		return math.Sqrt(2.0 / float64(fanIn))
	case UniformInit:
		return 1.0 / math.Sqrt(float64(fanIn))
	case Zero:
		return 0
	default: // Xavier
		return math.Sqrt(6.0 / float64(fanIn+fanOut))
	}
}

func (m *MLP) drawWeight(rng *rand.Rand, scale float64) float64 {
	if m.weightInit == Zero || scale == 0 {
		return 0
	}
	return (rng.Float64()*2 - 1) * scale
}

// Forward computes the network's output for input, caching every layer's
// pre- and post-activation values for a subsequent Backward call.
func (m *MLP) Forward(input []float64) []float64 {
	x := mat.NewVecDense(len(input), append([]float64(nil), input...))

	m.preActivations = make([]*mat.VecDense, len(m.weights))
	m.postActivations = make([]*mat.VecDense, len(m.weights)+1)
	m.postActivations[0] = x

	cur := x
	for i, w := range m.weights {
		rows, _ := w.Dims()
		z := mat.NewVecDense(rows, nil)
		z.MulVec(w, cur)
		z.AddVec(z, m.biases[i])
		m.preActivations[i] = mat.VecDenseCopyOf(z)

		out := mat.NewVecDense(rows, nil)
		last := i == len(m.weights)-1
		for r := 0; r < rows; r++ {
			v := z.AtVec(r)
			if !last {
				v = applyActivation(m.activation, v)
			}
			out.SetVec(r, v)
		}
		m.postActivations[i+1] = out
		cur = out
	}
	return denseToSlice(cur)
}

// Predict computes the output for input without mutating cached state
// used by Backward — callers use this for read-only inference during
// self-play and evaluation, reserving Forward for training steps.
func (m *MLP) Predict(input []float64) []float64 {
	savedPre, savedPost := m.preActivations, m.postActivations
	out := m.Forward(input)
	m.preActivations, m.postActivations = savedPre, savedPost
	return out
}

// Backward runs backpropagation of the mean-squared error between the
// cached forward output and target, applies one optimizer step to every
// weight and bias, and returns the gradient of the loss with respect to
// the network's final pre-activation layer (consumed by callers only for
// gradient-norm reporting).
func (m *MLP) Backward(target []float64) []float64 {
	if len(m.postActivations) == 0 {
		return nil
	}
	n := len(m.weights)
	output := m.postActivations[n]
	rows, _ := output.Dims()

	delta := mat.NewVecDense(rows, nil)
	for r := 0; r < rows; r++ {
		t := 0.0
		if r < len(target) {
			t = target[r]
		}
		delta.SetVec(r, output.AtVec(r)-t)
	}
	firstDelta := denseToSlice(delta)

	m.step++
	for i := n - 1; i >= 0; i-- {
		prevActivation := m.postActivations[i]
		gradW := mat.NewDense(delta.Len(), prevActivation.Len(), nil)
		gradW.Outer(1, delta, prevActivation)

		m.applyUpdate(i, gradW, delta)

		if i > 0 {
			w := m.weights[i]
			_, cols := w.Dims()
			prevDelta := mat.NewVecDense(cols, nil)
			prevDelta.MulVec(w.T(), delta)
			for r := 0; r < cols; r++ {
				z := m.preActivations[i-1].AtVec(r)
				prevDelta.SetVec(r, prevDelta.AtVec(r)*activationDerivative(m.activation, z))
			}
			delta = prevDelta
		}
	}
	return firstDelta
}

func (m *MLP) applyUpdate(layer int, gradW *mat.Dense, gradB *mat.VecDense) {
	switch m.optimizer {
	case SGD:
		var scaled mat.Dense
		scaled.Scale(m.learningRate, gradW)
		m.weights[layer].Sub(m.weights[layer], &scaled)
		scaledB := mat.NewVecDense(gradB.Len(), nil)
		scaledB.ScaleVec(m.learningRate, gradB)
		m.biases[layer].SubVec(m.biases[layer], scaledB)
	case RMSProp:
		m.applyRMSProp(layer, gradW, gradB)
	default: // Adam
		m.applyAdam(layer, gradW, gradB)
	}
}

func (m *MLP) applyRMSProp(layer int, gradW *mat.Dense, gradB *mat.VecDense) {
	rows, cols := gradW.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			g := gradW.At(r, c)
			v := rmsDecay*m.vWeights[layer].At(r, c) + (1-rmsDecay)*g*g
			m.vWeights[layer].Set(r, c, v)
			update := m.learningRate * g / (math.Sqrt(v) + rmsEps)
			m.weights[layer].Set(r, c, m.weights[layer].At(r, c)-update)
		}
	}
	for r := 0; r < gradB.Len(); r++ {
		g := gradB.AtVec(r)
		v := rmsDecay*m.vBiases[layer].AtVec(r) + (1-rmsDecay)*g*g
		m.vBiases[layer].SetVec(r, v)
		update := m.learningRate * g / (math.Sqrt(v) + rmsEps)
		m.biases[layer].SetVec(r, m.biases[layer].AtVec(r)-update)
	}
}

func (m *MLP) applyAdam(layer int, gradW *mat.Dense, gradB *mat.VecDense) {
	t := float64(m.step)
	biasCorrect1 := 1 - math.Pow(adamBeta1, t)
	biasCorrect2 := 1 - math.Pow(adamBeta2, t)

	rows, cols := gradW.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			g := gradW.At(r, c)
			mv := adamBeta1*m.mWeights[layer].At(r, c) + (1-adamBeta1)*g
			v := adamBeta2*m.vWeights[layer].At(r, c) + (1-adamBeta2)*g*g
			m.mWeights[layer].Set(r, c, mv)
			m.vWeights[layer].Set(r, c, v)
			mHat := mv / biasCorrect1
			vHat := v / biasCorrect2
			update := m.learningRate * mHat / (math.Sqrt(vHat) + adamEps)
			m.weights[layer].Set(r, c, m.weights[layer].At(r, c)-update)
		}
	}
	for r := 0; r < gradB.Len(); r++ {
		g := gradB.AtVec(r)
		mv := adamBeta1*m.mBiases[layer].AtVec(r) + (1-adamBeta1)*g
		v := adamBeta2*m.vBiases[layer].AtVec(r) + (1-adamBeta2)*g*g
		m.mBiases[layer].SetVec(r, mv)
		m.vBiases[layer].SetVec(r, v)
		mHat := mv / biasCorrect1
		vHat := v / biasCorrect2
		update := m.learningRate * mHat / (math.Sqrt(vHat) + adamEps)
		m.biases[layer].SetVec(r, m.biases[layer].AtVec(r)-update)
	}
}

func applyActivation(a Activation, v float64) float64 {
	switch a {
	case Sigmoid:
		return 1 / (1 + math.Exp(-v))
	case Tanh:
		return math.Tanh(v)
	case Linear:
		return v
	default: // ReLU
		if v < 0 {
			return 0
		}
		return v
	}
}

func activationDerivative(a Activation, preActivation float64) float64 {
	switch a {
	case Sigmoid:
		s := applyActivation(Sigmoid, preActivation)
		return s * (1 - s)
	case Tanh:
		t := math.Tanh(preActivation)
		return 1 - t*t
	case Linear:
		return 1
	default: // ReLU
		if preActivation < 0 {
			return 0
		}
		return 1
	}
}

func denseToSlice(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

// persisted is the on-disk form of an MLP's weights.
type persisted struct {
	LayerSizes []int       `json:"layer_sizes"`
	Activation Activation  `json:"activation"`
	WeightInit WeightInit  `json:"weight_init"`
	Optimizer  Optimizer   `json:"optimizer"`
	Weights    [][]float64 `json:"weights"`
	Biases     [][]float64 `json:"biases"`
}

// Save persists every weight and bias matrix as JSON.
func (m *MLP) Save(path string) error {
	p := persisted{
		LayerSizes: m.layerSizes,
		Activation: m.activation,
		WeightInit: m.weightInit,
		Optimizer:  m.optimizer,
		Weights:    make([][]float64, len(m.weights)),
		Biases:     make([][]float64, len(m.biases)),
	}
	for i, w := range m.weights {
		rows, cols := w.Dims()
		flat := make([]float64, 0, rows*cols)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				flat = append(flat, w.At(r, c))
			}
		}
		p.Weights[i] = flat
		p.Biases[i] = denseToSlice(m.biases[i])
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("kernel: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load restores weights and biases previously written by Save. The
// layer shape must already match (Load does not reshape the network).
func (m *MLP) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("kernel: read %s: %w", path, err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("kernel: unmarshal %s: %w", path, err)
	}
	for i, w := range m.weights {
		if i >= len(p.Weights) {
			return fmt.Errorf("kernel: %s: missing layer %d weights", path, i)
		}
		rows, cols := w.Dims()
		if len(p.Weights[i]) != rows*cols {
			return fmt.Errorf("kernel: %s: layer %d weight shape mismatch", path, i)
		}
		idx := 0
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				w.Set(r, c, p.Weights[i][idx])
				idx++
			}
		}
		for r := 0; r < m.biases[i].Len() && r < len(p.Biases[i]); r++ {
			m.biases[i].SetVec(r, p.Biases[i][r])
		}
	}
	return nil
}
