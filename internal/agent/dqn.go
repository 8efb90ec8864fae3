package agent

import (
	"math"
	"math/rand/v2"

	"github.com/lox/chesstrain/internal/engine"
	"github.com/lox/chesstrain/internal/replay"
)

const dqnDiscount = 0.99

// DQN is a value-based agent: it selects actions epsilon-greedily over
// Q-values produced by the injected Kernel and learns from a sampled
// replay batch once enough transitions have accumulated.
type DQN struct {
	cfg    Config
	kernel Kernel
	rng    *rand.Rand
	buffer *replay.Buffer

	episodes          int
	totalReward       float64
	recentRewards     []float64
	best              float64
	explorationRate   float64
	episodeLengths    []float64
	terminationCounts map[string]int

	currentEpisodeReward float64
	currentEpisodeLength int
}

const recentRewardWindow = 100

// NewDQN constructs a DQN agent. rng should be drawn from the seed
// manager's "exploration" stream so action selection is reproducible.
func NewDQN(cfg Config, kernel Kernel, rng *rand.Rand) *DQN {
	return &DQN{
		cfg:               cfg,
		kernel:            kernel,
		rng:               rng,
		buffer:            replay.New(cfg.BatchSize * 50),
		explorationRate:   cfg.ExplorationRate,
		terminationCounts: make(map[string]int),
	}
}

// SelectAction picks epsilon-greedily among validActions, drawing
// exploration randomness from the agent's own generator.
func (d *DQN) SelectAction(state []float64, validActions []int) (int, error) {
	return d.selectAction(d.rng, state, validActions)
}

// SelectActionWithRNG is identical to SelectAction except the caller
// supplies the generator: concurrent self-play games call this with a
// generator derived from their own (iteration, game index) sub-seed
// instead of drawing from the agent's shared rng, which is not safe for
// concurrent use across simultaneous games.
func (d *DQN) SelectActionWithRNG(rng *rand.Rand, state []float64, validActions []int) (int, error) {
	return d.selectAction(rng, state, validActions)
}

func (d *DQN) selectAction(rng *rand.Rand, state []float64, validActions []int) (int, error) {
	if err := validateState(state, d.cfg.StateSize); err != nil {
		return 0, err
	}
	if err := validateActions(validActions); err != nil {
		return 0, err
	}

	if rng.Float64() < d.explorationRate {
		return validActions[rng.IntN(len(validActions))], nil
	}

	qValues, err := d.GetQValues(state, validActions)
	if err != nil {
		return 0, err
	}
	best := validActions[0]
	bestQ := qValues[best]
	for _, a := range validActions[1:] {
		if qValues[a] > bestQ {
			bestQ = qValues[a]
			best = a
		}
	}
	return best, nil
}

// GetQValues returns the kernel's predicted value for each requested
// action.
func (d *DQN) GetQValues(state []float64, actions []int) (map[int]float64, error) {
	if err := validateState(state, d.cfg.StateSize); err != nil {
		return nil, err
	}
	output := d.kernel.Predict(state)
	out := make(map[int]float64, len(actions))
	for _, a := range actions {
		if a >= 0 && a < len(output) {
			out[a] = output[a]
		}
	}
	return out, nil
}

// GetActionProbabilities returns a softmax over the requested actions'
// Q-values. DQN has no native policy; this is the standard way to expose
// one for the validator's entropy checks.
func (d *DQN) GetActionProbabilities(state []float64, actions []int) (map[int]float64, error) {
	qValues, err := d.GetQValues(state, actions)
	if err != nil {
		return nil, err
	}
	return softmax(qValues, actions), nil
}

func softmax(values map[int]float64, actions []int) map[int]float64 {
	if len(actions) == 0 {
		return map[int]float64{}
	}
	max := values[actions[0]]
	for _, a := range actions[1:] {
		if values[a] > max {
			max = values[a]
		}
	}
	sum := 0.0
	exp := make(map[int]float64, len(actions))
	for _, a := range actions {
		e := math.Exp(values[a] - max)
		exp[a] = e
		sum += e
	}
	probs := make(map[int]float64, len(actions))
	for _, a := range actions {
		if sum > 0 {
			probs[a] = exp[a] / sum
		} else {
			probs[a] = 1.0 / float64(len(actions))
		}
	}
	return probs
}

func entropyOf(probs map[int]float64) float64 {
	h := 0.0
	for _, p := range probs {
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h
}

// Learn appends t to the internal replay buffer and, when enough
// transitions have accumulated or the episode just ended, triggers an
// internal policy update.
func (d *DQN) Learn(t engine.Transition) PolicyUpdateResult {
	d.buffer.Add(t)
	d.currentEpisodeReward += t.Reward
	d.currentEpisodeLength++

	if t.Done {
		d.completeEpisode()
	}

	if d.buffer.Size() >= d.cfg.BatchSize || t.Done {
		return d.ForceUpdate()
	}
	return PolicyUpdateResult{Updated: false}
}

func (d *DQN) completeEpisode() {
	d.episodes++
	d.totalReward += d.currentEpisodeReward
	d.recentRewards = append(d.recentRewards, d.currentEpisodeReward)
	if len(d.recentRewards) > recentRewardWindow {
		d.recentRewards = d.recentRewards[len(d.recentRewards)-recentRewardWindow:]
	}
	if d.currentEpisodeReward > d.best || d.episodes == 1 {
		d.best = d.currentEpisodeReward
	}
	d.episodeLengths = append(d.episodeLengths, float64(d.currentEpisodeLength))
	if len(d.episodeLengths) > recentRewardWindow {
		d.episodeLengths = d.episodeLengths[len(d.episodeLengths)-recentRewardWindow:]
	}
	d.currentEpisodeReward = 0
	d.currentEpisodeLength = 0
}

// CompleteEpisodeManually lets the caller force episode bookkeeping
// outside of Learn (e.g. when an environment aborts a game externally).
func (d *DQN) CompleteEpisodeManually() {
	d.completeEpisode()
	name := "manual"
	d.terminationCounts[name]++
}

// ForceUpdate draws a batch from the internal buffer and calls the
// injected Kernel's Backward once per sampled transition, regardless of
// whether the buffer has reached the configured batch size.
func (d *DQN) ForceUpdate() PolicyUpdateResult {
	batch := d.buffer.Sample(d.cfg.BatchSize)
	if len(batch) == 0 {
		return PolicyUpdateResult{Updated: false}
	}

	var totalLoss, totalGradNorm, totalQ float64
	var lastProbs map[int]float64

	for _, t := range batch {
		output := d.kernel.Forward(t.State)
		target := append([]float64(nil), output...)

		maxNext := 0.0
		if !t.Done {
			nextOut := d.kernel.Predict(t.NextState)
			for i, v := range nextOut {
				if i == 0 || v > maxNext {
					maxNext = v
				}
			}
		}
		if t.Action >= 0 && t.Action < len(target) {
			tdTarget := t.Reward + dqnDiscount*maxNext*boolToFloat(!t.Done)
			diff := tdTarget - output[t.Action]
			totalLoss += diff * diff
			target[t.Action] = tdTarget
		}

		grad := d.kernel.Backward(target)
		totalGradNorm += l2Norm(grad)
		totalQ += meanOf(output)

		actions := make([]int, len(output))
		for i := range output {
			actions[i] = i
		}
		lastProbs = softmax(valuesFromSlice(output), actions)
	}

	n := float64(len(batch))
	avgLoss := totalLoss / n
	avgGradNorm := totalGradNorm / n
	if math.IsNaN(avgLoss) || math.IsInf(avgLoss, 0) || math.IsNaN(avgGradNorm) || math.IsInf(avgGradNorm, 0) {
		return PolicyUpdateResult{Updated: false, Err: ErrNumericalInstability}
	}

	return PolicyUpdateResult{
		Updated:       true,
		Loss:          avgLoss,
		GradientNorm:  avgGradNorm,
		PolicyEntropy: entropyOf(lastProbs),
		MeanQ:         totalQ / n,
		HasQStats:     true,
	}
}

func valuesFromSlice(s []float64) map[int]float64 {
	m := make(map[int]float64, len(s))
	for i, v := range s {
		m[i] = v
	}
	return m
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func l2Norm(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func meanOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// Save persists the agent's kernel weights.
func (d *DQN) Save(path string) error { return d.kernel.Save(path) }

// Load restores the agent's kernel weights.
func (d *DQN) Load(path string) error { return d.kernel.Load(path) }

// Metrics returns the agent's current training bookkeeping.
func (d *DQN) Metrics() Metrics {
	recentAvg := 0.0
	for _, r := range d.recentRewards {
		recentAvg += r
	}
	if len(d.recentRewards) > 0 {
		recentAvg /= float64(len(d.recentRewards))
	}
	avgEpisodeLength := 0.0
	for _, l := range d.episodeLengths {
		avgEpisodeLength += l
	}
	if len(d.episodeLengths) > 0 {
		avgEpisodeLength /= float64(len(d.episodeLengths))
	}

	avgReward := 0.0
	if d.episodes > 0 {
		avgReward = d.totalReward / float64(d.episodes)
	}

	counts := make(map[string]int, len(d.terminationCounts))
	for k, v := range d.terminationCounts {
		counts[k] = v
	}

	return Metrics{
		Episodes:          d.episodes,
		AvgReward:         avgReward,
		RecentAvgReward:   recentAvg,
		Best:              d.best,
		ExplorationRate:   d.explorationRate,
		BufferSize:        d.buffer.Size(),
		EpisodeLength:     avgEpisodeLength,
		TerminationCounts: counts,
	}
}

// Reset clears the agent's internal buffer and episode bookkeeping.
func (d *DQN) Reset() {
	d.buffer.Clear()
	d.episodes = 0
	d.totalReward = 0
	d.recentRewards = nil
	d.best = 0
	d.episodeLengths = nil
	d.terminationCounts = make(map[string]int)
	d.currentEpisodeReward = 0
	d.currentEpisodeLength = 0
}

// SetExplorationRate overrides the epsilon-greedy exploration rate.
func (d *DQN) SetExplorationRate(rate float64) { d.explorationRate = rate }

var _ Agent = (*DQN)(nil)
