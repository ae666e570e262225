package interfaces

import (
	"github.com/google/uuid"

	"github.com/p2pgo/p2pgo_core/consensus"
	"github.com/p2pgo/p2pgo_core/ledger"
)

type IArchiveSink interface {
	Store(record *consensus.FinalizedGameRecord) (string, error)
}

type SessionRole int

const (
	RoleHost SessionRole = iota
	RoleJoiner
)

// SuspendedSession is what survives an abandoned session, enough to
// restore the ledger and reach the peer again.
type SuspendedSession struct {
	GameID          uuid.UUID
	Role            SessionRole
	BoardSize       int
	ParticipantKeys [][]byte //black first
	Ticket          string   //joiner side only
	Records         []ledger.MoveRecord
	SavedAt         int64
}

type IJournal interface {
	Save(s *SuspendedSession) error
	Load(game_id uuid.UUID) (*SuspendedSession, error)
	Delete(game_id uuid.UUID) error
	List() ([]*SuspendedSession, error)
}
