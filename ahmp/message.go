package ahmp

import (
	"github.com/google/uuid"

	"github.com/p2pgo/p2pgo_core/consensus"
	"github.com/p2pgo/p2pgo_core/ledger"
)

// session control
type OPN struct { //open or resume a session for an advertised game
	GameID    uuid.UUID
	BoardSize int
	Resume    bool
}
type OOK struct {
	GameID uuid.UUID
}
type ODN struct {
	GameID uuid.UUID
	Code   int
	Text   string
}

// ledger sync
type REC struct {
	Record ledger.MoveRecord
}
type ACK struct {
	Seq uint64
}
type SYN struct { //sent on every (re)attach
	Next     uint64
	TailHash ledger.Hash
}
type RSF struct { //resend from
	From uint64
}

// scoring
type TMK struct {
	Round int
	Map   *consensus.TerritoryMap
	Reply bool //answers a resend, never answered itself
}

type ABT struct {
	Code int
	Text string
}

type PNG struct {
	Nonce uint64
}
type PNR struct {
	Nonce uint64
}

// handshake
type HEL struct {
	PublicKey []byte
	Nonce     []byte
}
type PRF struct {
	Signature []byte
}

// relay
type REG struct { //register at relay under id hash
	IDHash string
}
type RGK struct{}
type DIA struct { //dial a registered peer through the relay
	Target string
}
type DOK struct{}
type DDN struct {
	Code int
	Text string
}
type INC struct{} //incoming relayed stream

type INVAL struct {
	Err error
}

// ODN codes
const (
	ODNUnknownGame    = 404
	ODNNotParticipant = 403
	ODNGameTaken      = 409
	ODNExpired        = 410
)

// ABT codes
const (
	ABTProtocol  = 1
	ABTConsensus = 2
	ABTAbandon   = 3
	ABTClose     = 4
)

// DDN codes
const (
	DDNNotRegistered = 404
	DDNRateLimited   = 429
	DDNUnavailable   = 503
)
