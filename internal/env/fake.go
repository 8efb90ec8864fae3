package env

import "fmt"

// boardSize is the number of squares on the Fake's single-file toy board.
const boardSize = 8

const illegalActionPenalty = -0.01

// Fake is a minimal, fully-deterministic two-player game used by this
// module's own tests and by the "train" and "test" CLI verbs. It is not a
// chess engine: it models a single pawn per side racing along an 8-square
// line, far simpler than real chess, but it exercises the full Env
// contract shape — including promotion-remap of an illegal action and a
// no-state-change rejection path — without this module having to depend
// on a real rules engine.
//
// Action encoding: action = from*boardSize*4 + to*4 + promo, promo in
// [0,3] (0=queen, 1=rook, 2=bishop, 3=knight). Promo is only meaningful
// when to is the far rank for the mover.
type Fake struct {
	whitePos int
	blackPos int
	toMove   int // 0 = white, 1 = black
	done     bool
	status   GameStatus
	cfg      RewardConfig
}

// NewFake constructs a Fake environment with the given reward
// configuration.
func NewFake(cfg RewardConfig) *Fake {
	f := &Fake{cfg: cfg}
	f.resetState()
	return f
}

func (f *Fake) resetState() {
	f.whitePos = 0
	f.blackPos = boardSize - 1
	f.toMove = 0
	f.done = false
	f.status = InProgress
}

// Reset returns the engine to its initial position.
func (f *Fake) Reset() []float64 {
	f.resetState()
	return f.state()
}

func (f *Fake) state() []float64 {
	return []float64{float64(f.whitePos), float64(f.blackPos), float64(f.toMove)}
}

// StateSize returns the fixed state vector length.
func (f *Fake) StateSize() int { return 3 }

// ActionSize returns the size of the encoded action space.
func (f *Fake) ActionSize() int { return boardSize * boardSize * 4 }

func encodeAction(from, to, promo int) int {
	return from*boardSize*4 + to*4 + promo
}

func decodeAction(action int) (from, to, promo int) {
	promo = action % 4
	rest := action / 4
	to = rest % boardSize
	from = rest / boardSize
	return
}

func (f *Fake) farRank() int {
	if f.toMove == 0 {
		return boardSize - 1
	}
	return 0
}

func (f *Fake) mover() int {
	if f.toMove == 0 {
		return f.whitePos
	}
	return f.blackPos
}

func (f *Fake) direction() int {
	if f.toMove == 0 {
		return 1
	}
	return -1
}

// ValidActions enumerates the legal encoded actions for the side to
// move: a single forward step. At the promotion rank only the
// queen-promotion variant is listed as legal — underpromotions exist in
// the encoded action space but are not enumerated here, mirroring how a
// real move generator may not surface every promotion piece by default.
// This is what makes the queen-promotion remap in Step reachable and
// testable.
func (f *Fake) ValidActions() []int {
	if f.done {
		return nil
	}
	from := f.mover()
	to := from + f.direction()
	if to < 0 || to >= boardSize {
		return nil
	}
	return []int{encodeAction(from, to, 0)}
}

// ActionMask returns a dense 0/1 vector over the full action space.
func (f *Fake) ActionMask() []float64 {
	mask := make([]float64, f.ActionSize())
	for _, a := range f.ValidActions() {
		mask[a] = 1
	}
	return mask
}

func containsAction(actions []int, action int) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

// Step executes action for the side to move. Actions outside the
// encoded action space are a caller bug (a data-integrity error).
// Actions that decode to the legal (from,to) pair but the wrong
// promotion piece are remapped to the queen-promotion variant. Any other
// illegal action is rejected with a fixed penalty and no state change.
func (f *Fake) Step(action int) (StepResult, error) {
	if f.done {
		return StepResult{NextState: f.state(), Done: true}, fmt.Errorf("env: step called after game over")
	}
	if action < 0 || action >= f.ActionSize() {
		return StepResult{}, fmt.Errorf("%w: action %d out of range [0,%d)", ErrIllegalAction, action, f.ActionSize())
	}

	legal := f.ValidActions()
	if !containsAction(legal, action) {
		from, to, _ := decodeAction(action)
		if to == f.farRank() {
			if remapped, ok := findPromotionMatch(legal, from, to); ok {
				action = remapped
			} else {
				return StepResult{
					NextState: f.state(),
					Reward:    illegalActionPenalty,
					Done:      false,
				}, nil
			}
		} else {
			return StepResult{
				NextState: f.state(),
				Reward:    illegalActionPenalty,
				Done:      false,
			}, nil
		}
	}

	from, to, promo := decodeAction(action)
	_ = from
	reward := f.cfg.StepPenalty

	if f.toMove == 0 {
		f.whitePos = to
	} else {
		f.blackPos = to
	}

	promoted := to == f.farRank()
	if promoted && f.cfg.EnablePositionRewards {
		reward += f.cfg.ShapingWeights["promotion"]
		_ = promo
	}

	if f.whitePos == f.blackPos {
		f.done = true
		if f.toMove == 0 {
			f.status = WhiteWins
			reward += f.cfg.WinReward
		} else {
			f.status = BlackWins
			reward += f.cfg.LossReward // from white's perspective; caller sign-corrects per mover
		}
	}

	f.toMove = 1 - f.toMove

	return StepResult{
		NextState: f.state(),
		Reward:    reward,
		Done:      f.done,
		Info:      map[string]any{"promoted": promoted},
	}, nil
}

func findPromotionMatch(legal []int, from, to int) (int, bool) {
	for _, a := range legal {
		lf, lt, _ := decodeAction(a)
		if lf == from && lt == to {
			queenVariant := encodeAction(from, to, 0)
			if containsAction(legal, queenVariant) {
				return queenVariant, true
			}
			return a, true
		}
	}
	return 0, false
}

// IsTerminal reports whether the current position ends the game.
func (f *Fake) IsTerminal() bool { return f.done }

// GameStatus returns the current classification of the position.
func (f *Fake) GameStatus() GameStatus { return f.status }

// LoadFromFEN supports only the sentinel "start" position; the Fake does
// not implement real FEN parsing (that belongs to the external rules
// engine collaborator).
func (f *Fake) LoadFromFEN(fen string) (bool, error) {
	if fen == "start" {
		f.resetState()
		return true, nil
	}
	return false, nil
}

var _ Env = (*Fake)(nil)
