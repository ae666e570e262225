package interfaces

import (
	"github.com/google/uuid"

	"github.com/p2pgo/p2pgo_core/consensus"
	"github.com/p2pgo/p2pgo_core/ledger"
)

// session events, delivered on the channel's event stream

type ESessionStarted struct {
	GameID     uuid.UUID
	LocalIndex int //0 is black
	PeerHash   string
	Resumed    bool
}
type EMoveAccepted struct {
	GameID uuid.UUID
	Record ledger.MoveRecord
	Local  bool
}
type EPeerDisconnected struct {
	GameID uuid.UUID
	Err    error
}
type EPeerReconnected struct {
	GameID  uuid.UUID
	Relayed bool
}
type EScoringStarted struct {
	GameID uuid.UUID
}
type ETerritoryDisagreed struct {
	GameID uuid.UUID
	Round  int
	Local  *consensus.TerritoryMap
	Peer   *consensus.TerritoryMap
}
type ESessionFinalized struct {
	GameID      uuid.UUID
	Record      *consensus.FinalizedGameRecord
	ArchivePath string
}
type ESessionFailed struct { //terminal
	GameID    uuid.UUID
	Err       error
	Abandoned bool
}
