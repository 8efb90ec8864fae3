// Package replay implements the bounded experience buffer: a
// fixed-capacity store of engine.Transition values with pluggable
// eviction and sampling strategies. All sampling and eviction randomness
// comes from the generator passed to WithRNG, so a fixed generator and a
// fixed call sequence reproduce an identical multiset of samples. Without
// WithRNG the buffer uses a fixed PCG(1, 1) generator that does not depend
// on any master seed.
package replay

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/lox/chesstrain/internal/engine"
)

// EvictionStrategy selects which transition is dropped when Add is
// called on a full buffer.
type EvictionStrategy int

const (
	OldestFirst EvictionStrategy = iota
	LowestQuality
	RandomEviction
)

func (e EvictionStrategy) String() string {
	switch e {
	case OldestFirst:
		return "OLDEST_FIRST"
	case LowestQuality:
		return "LOWEST_QUALITY"
	case RandomEviction:
		return "RANDOM"
	default:
		return "UNKNOWN"
	}
}

// SamplingStrategy selects how Sample draws a batch from the buffer.
type SamplingStrategy int

const (
	Uniform SamplingStrategy = iota
	Recent
	Mixed
)

const priorityEpsilon = 1e-6

// Buffer is a bounded ring of transitions. Every method that reads or
// writes its state takes the mutex, so concurrent calls are safe; the
// orchestrator nonetheless routes every Add/Sample call through one
// owning goroutine, leaving the mutex as a defensive second line.
type Buffer struct {
	mu sync.Mutex

	capacity int
	items    []engine.Transition
	insOrder []int64
	quality  []float64
	size     int
	seq      int64

	evictionStrategy EvictionStrategy
	samplingStrategy SamplingStrategy
	rng              *rand.Rand

	// Prioritized-replay state. Zero value behaves as a plain uniform
	// buffer; EnablePrioritized turns these on.
	prioritized   bool
	alpha         float64
	beta          float64
	betaIncrement float64
	priority      []float64
}

// Option configures a Buffer at construction time.
type Option func(*Buffer)

// WithEvictionStrategy sets the strategy used when a full buffer receives
// another Add.
func WithEvictionStrategy(s EvictionStrategy) Option {
	return func(b *Buffer) { b.evictionStrategy = s }
}

// WithSamplingStrategy sets the default strategy used by Sample.
func WithSamplingStrategy(s SamplingStrategy) Option {
	return func(b *Buffer) { b.samplingStrategy = s }
}

// WithRNG injects the PRNG used for all sampling and eviction randomness.
// Callers should pass a generator drawn from the seed manager's "replay"
// stream so runs are reproducible.
func WithRNG(rng *rand.Rand) Option {
	return func(b *Buffer) { b.rng = rng }
}

// WithPrioritized enables the prioritized-replay extension with the given
// alpha (priority exponent) and beta schedule. Beta is not persisted
// across restarts (spec open question #4): it always starts at
// betaStart.
func WithPrioritized(alpha, betaStart, betaIncrement float64) Option {
	return func(b *Buffer) {
		b.prioritized = true
		b.alpha = alpha
		b.beta = betaStart
		b.betaIncrement = betaIncrement
	}
}

// New creates a Buffer with the given capacity.
func New(capacity int, opts ...Option) *Buffer {
	b := &Buffer{
		capacity: capacity,
		items:    make([]engine.Transition, capacity),
		insOrder: make([]int64, capacity),
		quality:  make([]float64, capacity),
		rng:      rand.New(rand.NewPCG(1, 1)),
	}
	if b.prioritized {
		b.priority = make([]float64, capacity)
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.prioritized && b.priority == nil {
		b.priority = make([]float64, capacity)
	}
	return b
}

// Size returns the number of transitions currently stored.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the buffer's fixed capacity.
func (b *Buffer) Capacity() int { return b.capacity }

// IsFull reports whether size has reached capacity.
func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size == b.capacity
}

// Clear empties the buffer, as happens on pipeline reset.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.size = 0
	b.seq = 0
}

// Add inserts t, evicting one element per the configured strategy if the
// buffer is already at capacity.
func (b *Buffer) Add(t engine.Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.size
	if b.size == b.capacity {
		idx = b.evictIndexLocked()
	} else {
		b.size++
	}

	b.items[idx] = t.Clone()
	b.insOrder[idx] = b.seq
	b.quality[idx] = defaultQuality(t)
	if b.prioritized {
		b.priority[idx] = b.initialPriorityLocked()
	}
	b.seq++
}

func defaultQuality(t engine.Transition) float64 {
	return math.Abs(t.Reward)
}

func (b *Buffer) initialPriorityLocked() float64 {
	max := 0.0
	for i := 0; i < b.size; i++ {
		if b.priority[i] > max {
			max = b.priority[i]
		}
	}
	if max == 0 {
		return 1.0
	}
	return max
}

func (b *Buffer) evictIndexLocked() int {
	switch b.evictionStrategy {
	case LowestQuality:
		idx := 0
		for i := 1; i < b.size; i++ {
			if b.quality[i] < b.quality[idx] {
				idx = i
			}
		}
		return idx
	case RandomEviction:
		return int(b.rng.Uint64N(uint64(b.size)))
	default: // OldestFirst
		idx := 0
		for i := 1; i < b.size; i++ {
			if b.insOrder[i] < b.insOrder[idx] {
				idx = i
			}
		}
		return idx
	}
}

// TrimTo evicts elements, per the configured eviction strategy, until
// size is no greater than n. Used by the training pipeline to
// enforce max_buffer_size after a configuration change shrinks it.
func (b *Buffer) TrimTo(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.size > n && b.size > 0 {
		idx := b.evictIndexLocked()
		b.removeAtLocked(idx)
	}
}

func (b *Buffer) removeAtLocked(idx int) {
	last := b.size - 1
	if idx != last {
		b.items[idx] = b.items[last]
		b.insOrder[idx] = b.insOrder[last]
		b.quality[idx] = b.quality[last]
		if b.prioritized {
			b.priority[idx] = b.priority[last]
		}
	}
	b.size--
}

// Sample draws min(batch, size) distinct transitions using the buffer's
// configured default sampling strategy.
func (b *Buffer) Sample(batch int) []engine.Transition {
	return b.SampleWithStrategy(batch, b.samplingStrategy)
}

// SampleWithStrategy draws min(batch, size) distinct transitions using an
// explicit strategy, overriding the buffer's default for this call.
func (b *Buffer) SampleWithStrategy(batch int, strategy SamplingStrategy) []engine.Transition {
	transitions, _ := b.sampleIndexed(batch, strategy)
	return transitions
}

// sampleIndexed returns both the sampled transitions and the backing
// slot indices, which the prioritized variant needs for later priority
// updates.
func (b *Buffer) sampleIndexed(batch int, strategy SamplingStrategy) ([]engine.Transition, []int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if batch > b.size {
		batch = b.size
	}
	if batch <= 0 {
		return nil, nil
	}

	var indices []int
	switch strategy {
	case Recent:
		indices = b.recentIndicesLocked(batch)
	case Mixed:
		indices = b.mixedIndicesLocked(batch)
	default:
		indices = b.uniformIndicesLocked(batch)
	}

	out := make([]engine.Transition, len(indices))
	for i, idx := range indices {
		out[i] = b.items[idx].Clone()
	}
	return out, indices
}

// uniformIndicesLocked returns batch distinct indices chosen uniformly at
// random via a partial Fisher-Yates shuffle.
func (b *Buffer) uniformIndicesLocked(batch int) []int {
	pool := make([]int, b.size)
	for i := range pool {
		pool[i] = i
	}
	for i := 0; i < batch; i++ {
		j := i + int(b.rng.Uint64N(uint64(b.size-i)))
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:batch]
}

// recentIndicesLocked returns the min(batch, size/2) most recently
// inserted slots, filling any remainder with a uniform draw over the
// rest, implementing the Recent sampling strategy.
func (b *Buffer) recentIndicesLocked(batch int) []int {
	recentCount := batch
	if recentCount > b.size/2 {
		recentCount = b.size / 2
	}

	ordered := make([]int, b.size)
	for i := range ordered {
		ordered[i] = i
	}
	// Sort by insertion order, descending (most recent first). Buffers are
	// small enough in practice that an O(n^2) insertion sort here is fine.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && b.insOrder[ordered[j]] > b.insOrder[ordered[j-1]]; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	chosen := make(map[int]bool, batch)
	result := make([]int, 0, batch)
	for i := 0; i < recentCount; i++ {
		result = append(result, ordered[i])
		chosen[ordered[i]] = true
	}

	remaining := batch - recentCount
	if remaining > 0 {
		pool := make([]int, 0, b.size-len(chosen))
		for i := 0; i < b.size; i++ {
			if !chosen[i] {
				pool = append(pool, i)
			}
		}
		for i := 0; i < remaining && len(pool) > 0; i++ {
			j := int(b.rng.Uint64N(uint64(len(pool))))
			result = append(result, pool[j])
			pool[j] = pool[len(pool)-1]
			pool = pool[:len(pool)-1]
		}
	}
	return result
}

// mixedIndicesLocked draws one third Recent, two thirds Uniform, then
// shuffles the combined index set with the replay stream, implementing
// the Mixed sampling strategy.
func (b *Buffer) mixedIndicesLocked(batch int) []int {
	recentPortion := batch / 3
	uniformPortion := batch - recentPortion

	recent := b.recentIndicesLocked(recentPortion)
	chosen := make(map[int]bool, len(recent))
	for _, idx := range recent {
		chosen[idx] = true
	}

	pool := make([]int, 0, b.size)
	for i := 0; i < b.size; i++ {
		if !chosen[i] {
			pool = append(pool, i)
		}
	}
	for i := 0; i < uniformPortion && len(pool) > 0; i++ {
		j := int(b.rng.Uint64N(uint64(len(pool))))
		recent = append(recent, pool[j])
		pool[j] = pool[len(pool)-1]
		pool = pool[:len(pool)-1]
	}

	// Final shuffle so the Recent/Uniform split isn't observable in order.
	for i := len(recent) - 1; i > 0; i-- {
		j := int(b.rng.Uint64N(uint64(i + 1)))
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent
}

// SamplePrioritized draws batch indices with probability proportional to
// (|priority|+epsilon)^alpha, returning transitions, their backing
// indices (for later UpdatePriorities calls) and their importance
// weights. The buffer must have been constructed with WithPrioritized.
func (b *Buffer) SamplePrioritized(batch int) (transitions []engine.Transition, indices []int, weights []float64, err error) {
	b.mu.Lock()
	if !b.prioritized {
		b.mu.Unlock()
		return nil, nil, nil, fmt.Errorf("replay: buffer is not configured for prioritized sampling")
	}
	if batch > b.size {
		batch = b.size
	}
	if batch <= 0 {
		b.mu.Unlock()
		return nil, nil, nil, nil
	}

	weightsRaw := make([]float64, b.size)
	var total float64
	for i := 0; i < b.size; i++ {
		w := math.Pow(math.Abs(b.priority[i])+priorityEpsilon, b.alpha)
		weightsRaw[i] = w
		total += w
	}

	indices = make([]int, 0, batch)
	seen := make(map[int]bool, batch)
	for len(indices) < batch {
		r := b.rng.Float64() * total
		cum := 0.0
		pick := b.size - 1
		for i := 0; i < b.size; i++ {
			cum += weightsRaw[i]
			if r <= cum {
				pick = i
				break
			}
		}
		if seen[pick] {
			continue
		}
		seen[pick] = true
		indices = append(indices, pick)
	}

	maxPriority := 0.0
	for i := 0; i < b.size; i++ {
		if b.priority[i] > maxPriority {
			maxPriority = b.priority[i]
		}
	}
	if maxPriority == 0 {
		maxPriority = 1.0
	}

	transitions = make([]engine.Transition, len(indices))
	weights = make([]float64, len(indices))
	for i, idx := range indices {
		transitions[i] = b.items[idx].Clone()
		weights[i] = maxPriority / (b.priority[idx] + priorityEpsilon)
	}

	b.beta += b.betaIncrement
	if b.beta > 1 {
		b.beta = 1
	}
	b.mu.Unlock()
	return transitions, indices, weights, nil
}

// UpdatePriorities sets the priority of each sampled slot to
// |tdError|+epsilon, as required after a learning step consumes a
// prioritized batch.
func (b *Buffer) UpdatePriorities(indices []int, tdErrors []float64) error {
	if len(indices) != len(tdErrors) {
		return fmt.Errorf("replay: indices and tdErrors length mismatch (%d vs %d)", len(indices), len(tdErrors))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.prioritized {
		return fmt.Errorf("replay: buffer is not configured for prioritized sampling")
	}
	for i, idx := range indices {
		if idx < 0 || idx >= b.size {
			continue
		}
		b.priority[idx] = math.Abs(tdErrors[i]) + priorityEpsilon
	}
	return nil
}

// ImportanceWeights recomputes w_i = max(priority)/(p_i+epsilon) for the
// given sampled indices without drawing a new sample.
func (b *Buffer) ImportanceWeights(indices []int) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	maxPriority := 0.0
	for i := 0; i < b.size; i++ {
		if b.priority[i] > maxPriority {
			maxPriority = b.priority[i]
		}
	}
	if maxPriority == 0 {
		maxPriority = 1.0
	}

	weights := make([]float64, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= b.size {
			continue
		}
		weights[i] = maxPriority / (b.priority[idx] + priorityEpsilon)
	}
	return weights
}

// Beta returns the current prioritized-replay importance-sampling
// exponent.
func (b *Buffer) Beta() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.beta
}
