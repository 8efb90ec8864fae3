package agent

import (
	"math"
	"math/rand/v2"

	"github.com/lox/chesstrain/internal/engine"
)

const pgDiscount = 0.99

// PolicyGradient is a REINFORCE-style agent: it samples actions from a
// softmax over the Kernel's logits and, at the end of each episode,
// pushes a discounted-return-weighted target back through the Kernel for
// every step of the episode.
type PolicyGradient struct {
	cfg    Config
	kernel Kernel
	rng    *rand.Rand

	episode []engine.Transition

	episodes          int
	totalReward       float64
	recentRewards     []float64
	best              float64
	explorationRate   float64
	episodeLengths    []float64
	terminationCounts map[string]int

	currentEpisodeReward float64
}

// NewPolicyGradient constructs a PolicyGradient agent. rng should be
// drawn from the seed manager's "exploration" stream.
func NewPolicyGradient(cfg Config, kernel Kernel, rng *rand.Rand) *PolicyGradient {
	return &PolicyGradient{
		cfg:               cfg,
		kernel:            kernel,
		rng:               rng,
		explorationRate:   cfg.ExplorationRate,
		terminationCounts: make(map[string]int),
	}
}

// SelectAction samples from the policy's softmax distribution restricted
// to validActions, drawing exploration randomness from the agent's own
// generator. ExplorationRate still gates a uniform-random fallback so
// the same knob has a consistent meaning across agent variants.
func (p *PolicyGradient) SelectAction(state []float64, validActions []int) (int, error) {
	return p.selectAction(p.rng, state, validActions)
}

// SelectActionWithRNG is identical to SelectAction except the caller
// supplies the generator: concurrent self-play games call this with a
// generator derived from their own (iteration, game index) sub-seed
// instead of drawing from the agent's shared rng, which is not safe for
// concurrent use across simultaneous games.
func (p *PolicyGradient) SelectActionWithRNG(rng *rand.Rand, state []float64, validActions []int) (int, error) {
	return p.selectAction(rng, state, validActions)
}

func (p *PolicyGradient) selectAction(rng *rand.Rand, state []float64, validActions []int) (int, error) {
	if err := validateState(state, p.cfg.StateSize); err != nil {
		return 0, err
	}
	if err := validateActions(validActions); err != nil {
		return 0, err
	}

	if rng.Float64() < p.explorationRate {
		return validActions[rng.IntN(len(validActions))], nil
	}

	probs, err := p.GetActionProbabilities(state, validActions)
	if err != nil {
		return 0, err
	}
	return sampleFromDistribution(rng, validActions, probs), nil
}

func sampleFromDistribution(rng *rand.Rand, actions []int, probs map[int]float64) int {
	r := rng.Float64()
	cumulative := 0.0
	for _, a := range actions {
		cumulative += probs[a]
		if r <= cumulative {
			return a
		}
	}
	return actions[len(actions)-1]
}

// GetQValues exposes the Kernel's raw logits as a pseudo-Q surface so the
// validator can still run its Q-stat checks against a policy-gradient
// agent, for which Q-value reporting is inherently an approximation.
func (p *PolicyGradient) GetQValues(state []float64, actions []int) (map[int]float64, error) {
	if err := validateState(state, p.cfg.StateSize); err != nil {
		return nil, err
	}
	output := p.kernel.Predict(state)
	out := make(map[int]float64, len(actions))
	for _, a := range actions {
		if a >= 0 && a < len(output) {
			out[a] = output[a]
		}
	}
	return out, nil
}

// GetActionProbabilities returns the policy's softmax distribution
// restricted to actions.
func (p *PolicyGradient) GetActionProbabilities(state []float64, actions []int) (map[int]float64, error) {
	logits, err := p.GetQValues(state, actions)
	if err != nil {
		return nil, err
	}
	return softmax(logits, actions), nil
}

// Learn appends t to the current episode trajectory and, once the episode
// ends, replays it through ForceUpdate.
func (p *PolicyGradient) Learn(t engine.Transition) PolicyUpdateResult {
	p.episode = append(p.episode, t)
	p.currentEpisodeReward += t.Reward

	if !t.Done {
		return PolicyUpdateResult{Updated: false}
	}

	result := p.ForceUpdate()
	p.completeEpisode()
	return result
}

func (p *PolicyGradient) completeEpisode() {
	p.episodes++
	p.totalReward += p.currentEpisodeReward
	p.recentRewards = append(p.recentRewards, p.currentEpisodeReward)
	if len(p.recentRewards) > recentRewardWindow {
		p.recentRewards = p.recentRewards[len(p.recentRewards)-recentRewardWindow:]
	}
	if p.currentEpisodeReward > p.best || p.episodes == 1 {
		p.best = p.currentEpisodeReward
	}
	p.episodeLengths = append(p.episodeLengths, float64(len(p.episode)))
	if len(p.episodeLengths) > recentRewardWindow {
		p.episodeLengths = p.episodeLengths[len(p.episodeLengths)-recentRewardWindow:]
	}
	p.episode = nil
	p.currentEpisodeReward = 0
}

// CompleteEpisodeManually forces episode bookkeeping without a learning
// update, for callers that abort a game externally.
func (p *PolicyGradient) CompleteEpisodeManually() {
	p.completeEpisode()
	p.terminationCounts["manual"]++
}

// ForceUpdate computes discounted returns for the buffered episode and
// pushes one REINFORCE-style target per step through the Kernel.
func (p *PolicyGradient) ForceUpdate() PolicyUpdateResult {
	if len(p.episode) == 0 {
		return PolicyUpdateResult{Updated: false}
	}

	returns := discountedReturns(p.episode, pgDiscount)

	var totalLoss, totalGradNorm, totalEntropy float64
	for i, t := range p.episode {
		logits := p.kernel.Forward(t.State)
		actions := make([]int, len(logits))
		for a := range logits {
			actions[a] = a
		}
		probs := softmax(valuesFromSlice(logits), actions)

		target := append([]float64(nil), logits...)
		if t.Action >= 0 && t.Action < len(target) {
			gt := returns[i]
			target[t.Action] = logits[t.Action] + gt
			prob := probs[t.Action]
			if prob > 0 {
				totalLoss += -gt * math.Log(prob)
			}
		}

		grad := p.kernel.Backward(target)
		totalGradNorm += l2Norm(grad)
		totalEntropy += entropyOf(probs)
	}

	n := float64(len(p.episode))
	avgLoss := totalLoss / n
	avgGradNorm := totalGradNorm / n
	if math.IsNaN(avgLoss) || math.IsInf(avgLoss, 0) || math.IsNaN(avgGradNorm) || math.IsInf(avgGradNorm, 0) {
		return PolicyUpdateResult{Updated: false, Err: ErrNumericalInstability}
	}

	return PolicyUpdateResult{
		Updated:       true,
		Loss:          avgLoss,
		GradientNorm:  avgGradNorm,
		PolicyEntropy: totalEntropy / n,
	}
}

func discountedReturns(episode []engine.Transition, gamma float64) []float64 {
	returns := make([]float64, len(episode))
	running := 0.0
	for i := len(episode) - 1; i >= 0; i-- {
		running = episode[i].Reward + gamma*running
		returns[i] = running
	}
	return returns
}

// Save persists the agent's kernel weights.
func (p *PolicyGradient) Save(path string) error { return p.kernel.Save(path) }

// Load restores the agent's kernel weights.
func (p *PolicyGradient) Load(path string) error { return p.kernel.Load(path) }

// Metrics returns the agent's current training bookkeeping.
func (p *PolicyGradient) Metrics() Metrics {
	recentAvg := 0.0
	for _, r := range p.recentRewards {
		recentAvg += r
	}
	if len(p.recentRewards) > 0 {
		recentAvg /= float64(len(p.recentRewards))
	}
	avgEpisodeLength := 0.0
	for _, l := range p.episodeLengths {
		avgEpisodeLength += l
	}
	if len(p.episodeLengths) > 0 {
		avgEpisodeLength /= float64(len(p.episodeLengths))
	}
	avgReward := 0.0
	if p.episodes > 0 {
		avgReward = p.totalReward / float64(p.episodes)
	}
	counts := make(map[string]int, len(p.terminationCounts))
	for k, v := range p.terminationCounts {
		counts[k] = v
	}
	return Metrics{
		Episodes:          p.episodes,
		AvgReward:         avgReward,
		RecentAvgReward:   recentAvg,
		Best:              p.best,
		ExplorationRate:   p.explorationRate,
		BufferSize:        len(p.episode),
		EpisodeLength:     avgEpisodeLength,
		TerminationCounts: counts,
	}
}

// Reset clears the agent's episode trajectory and bookkeeping.
func (p *PolicyGradient) Reset() {
	p.episode = nil
	p.episodes = 0
	p.totalReward = 0
	p.recentRewards = nil
	p.best = 0
	p.episodeLengths = nil
	p.terminationCounts = make(map[string]int)
	p.currentEpisodeReward = 0
}

// SetExplorationRate overrides the uniform-random fallback rate.
func (p *PolicyGradient) SetExplorationRate(rate float64) { p.explorationRate = rate }

var _ Agent = (*PolicyGradient)(nil)
