package consensus

import (
	"github.com/google/uuid"

	"github.com/p2pgo/p2pgo_core/ledger"
)

type OutcomeMethod int

const (
	ByScore OutcomeMethod = iota + 1
	ByResignation
)

// Outcome.Winner is a participant index; -1 is a draw.
type Outcome struct {
	_          struct{} `cbor:",toarray"`
	Method     OutcomeMethod
	Winner     int
	BlackScore float64
	WhiteScore float64
}

// FinalizedGameRecord is built once, when a session ends by agreement or
// resignation, and is not modified afterwards.
type FinalizedGameRecord struct {
	GameID          uuid.UUID
	BoardSize       uint8
	Participants    []string //id hashes, black first
	ParticipantKeys [][]byte
	Records         []ledger.MoveRecord
	Territory       *TerritoryMap //nil on resignation
	Outcome         Outcome
	CompletedAt     int64 //unix seconds
}
