package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pgo/p2pgo_core/consensus"
)

func TestValidateAndApply(t *testing.T) {
	r := Rules{}
	state := r.Genesis(9)

	require.True(t, r.Validate(state, PlaceMove(4, 4)))
	state = r.Apply(state, PlaceMove(4, 4))
	board := state.(*Board)
	assert.Equal(t, Black, board.At(4, 4))
	assert.Equal(t, White, board.ToMove)

	assert.False(t, r.Validate(state, PlaceMove(4, 4)), "occupied")
	assert.False(t, r.Validate(state, PlaceMove(9, 0)), "out of bounds")
	assert.False(t, r.Validate(state, []byte("junk")))
	assert.True(t, r.Validate(state, PassMove()))

	next := r.Apply(state, PassMove())
	assert.Equal(t, Black, next.(*Board).ToMove)
	assert.Equal(t, Empty, r.Genesis(9).(*Board).At(4, 4), "genesis untouched")

	assert.True(t, r.IsPass(PassMove()))
	assert.False(t, r.IsPass(PlaceMove(0, 0)))
	assert.True(t, r.IsResign(ResignMove()))
}

func TestAreaScore(t *testing.T) {
	r := Rules{}
	state := r.Genesis(5)
	// black wall on column 1, white wall on column 3
	for y := 0; y < 5; y++ {
		state = r.Apply(state, PlaceMove(1, y))
		state = r.Apply(state, PlaceMove(3, y))
	}
	board := state.(*Board)
	territory := SuggestTerritory(board)
	assert.Equal(t, consensus.BlackTerritory, territory.At(0, 0))
	assert.Equal(t, consensus.Neutral, territory.At(2, 2))
	assert.Equal(t, consensus.WhiteTerritory, territory.At(4, 4))

	outcome := AreaScorer{Komi: 0.5}.Score(board, territory)
	assert.Equal(t, consensus.ByScore, outcome.Method)
	assert.Equal(t, 10.0, outcome.BlackScore)
	assert.Equal(t, 10.5, outcome.WhiteScore)
	assert.Equal(t, 1, outcome.Winner)

	require.NoError(t, territory.Set(3, 0, consensus.DeadWhite))
	outcome = AreaScorer{Komi: 0.5}.Score(board, territory)
	assert.Equal(t, 11.0, outcome.BlackScore)
	assert.Equal(t, 9.5, outcome.WhiteScore)
	assert.Equal(t, 0, outcome.Winner)
}
