package env

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeResetProducesInitialState(t *testing.T) {
	f := NewFake(DefaultRewardConfig())
	state := f.Reset()
	require.Equal(t, []float64{0, float64(boardSize - 1), 0}, state)
	require.False(t, f.IsTerminal())
}

func TestValidActionsNeverEmptyMidGame(t *testing.T) {
	f := NewFake(DefaultRewardConfig())
	f.Reset()
	require.NotEmpty(t, f.ValidActions())
}

func TestIllegalActionDoesNotMutateState(t *testing.T) {
	f := NewFake(DefaultRewardConfig())
	before := f.Reset()

	// Action 0 decodes to from=0,to=0,promo=0 which is never a legal move
	// (you can't move to your own square), and has no promotion match.
	result, err := f.Step(0)
	require.NoError(t, err)
	require.False(t, result.Done)
	require.Equal(t, illegalActionPenalty, result.Reward)
	require.Equal(t, before, f.state())
}

func TestOutOfRangeActionIsAnError(t *testing.T) {
	f := NewFake(DefaultRewardConfig())
	f.Reset()
	_, err := f.Step(f.ActionSize())
	require.ErrorIs(t, err, ErrIllegalAction)
}

func TestIllegalPromotionRemapsToQueenVariant(t *testing.T) {
	cfg := DefaultRewardConfig()
	f := NewFake(cfg)
	f.Reset()

	// On the Fake's single line the two pawns meet (a capture) before
	// either reaches its far rank, so place them directly: white one
	// square before the far rank and to move, black's pawn off white's
	// path so the promoting move does not capture.
	f.whitePos = boardSize - 2
	f.blackPos = 0
	f.toMove = 0
	require.False(t, f.IsTerminal())

	// White is one step from promotion. ValidActions only lists the
	// queen-promotion variant; request a knight-promotion (promo=3) for
	// the same from/to instead — an encoded action that is not itself
	// legal but whose (from,to) matches the listed promotion move.
	legal := f.ValidActions()
	require.Len(t, legal, 1)
	from, to, promo := decodeAction(legal[0])
	require.Equal(t, 0, promo) // queen variant is what's actually legal
	knightPromo := encodeAction(from, to, 3)
	require.NotEqual(t, legal[0], knightPromo)

	result, err := f.Step(knightPromo)
	require.NoError(t, err)
	require.False(t, result.Done)
	require.Equal(t, float64(to), result.NextState[0]) // pawn advanced via remap, not rejected
}

func TestCaptureEndsGame(t *testing.T) {
	cfg := DefaultRewardConfig()
	f := NewFake(cfg)
	f.Reset()

	for !f.IsTerminal() {
		legal := f.ValidActions()
		if len(legal) == 0 {
			break
		}
		_, err := f.Step(legal[0])
		require.NoError(t, err)
	}
	require.True(t, f.IsTerminal())
	require.NotEqual(t, InProgress, f.GameStatus())
}
