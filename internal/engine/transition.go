// Package engine holds the core data types shared across the training
// substrate: the Transition atom produced by self-play and consumed by
// the replay buffer and training pipeline.
package engine

// Transition is one recorded self-play step (s, a, r, s', done). It is
// immutable once emitted: produced by the self-play engine, copied into
// the replay buffer and training pipeline, and destroyed on eviction.
type Transition struct {
	State     []float64
	Action    int
	Reward    float64
	NextState []float64
	Done      bool
	Metadata  map[string]any
}

// Clone returns a deep copy of t, so buffer consumers can safely mutate
// their own copy without affecting the stored transition.
func (t Transition) Clone() Transition {
	state := append([]float64(nil), t.State...)
	next := append([]float64(nil), t.NextState...)
	var meta map[string]any
	if t.Metadata != nil {
		meta = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			meta[k] = v
		}
	}
	return Transition{
		State:     state,
		Action:    t.Action,
		Reward:    t.Reward,
		NextState: next,
		Done:      t.Done,
		Metadata:  meta,
	}
}
