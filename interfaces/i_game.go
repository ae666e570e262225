package interfaces

import (
	"github.com/p2pgo/p2pgo_core/consensus"
)

// BoardState is opaque to the sync core; only the validator looks inside.
type BoardState = any

// IMoveValidator decides legality. The core calls it before appending a
// local move and before accepting a peer move. Move payloads are opaque.
type IMoveValidator interface {
	Genesis(board_size int) BoardState
	Validate(state BoardState, move []byte) bool
	Apply(state BoardState, move []byte) BoardState
	IsPass(move []byte) bool
	IsResign(move []byte) bool
}

type IScorer interface {
	Score(state BoardState, territory *consensus.TerritoryMap) consensus.Outcome
}
