package channel

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/p2pgo/p2pgo_core/identity"
	"github.com/p2pgo/p2pgo_core/interfaces"
	"github.com/p2pgo/p2pgo_core/ledger"
	"github.com/p2pgo/p2pgo_core/net_service"
)

type Config struct {
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	ReconnectWindow   time.Duration `yaml:"reconnect_window"`
	ConsensusTimeout  time.Duration `yaml:"consensus_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Linger            time.Duration `yaml:"linger"` //answer resends after finalization
	MaxRounds         int           `yaml:"max_rounds"`
	EventBuffer       int           `yaml:"event_buffer"`
}

func DefaultConfig() Config {
	return Config{
		AckTimeout:        3 * time.Second,
		ReconnectWindow:   5 * time.Minute,
		ConsensusTimeout:  2 * time.Minute,
		HeartbeatInterval: 15 * time.Second,
		Linger:            10 * time.Second,
		MaxRounds:         3,
		EventBuffer:       64,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.ReconnectWindow <= 0 {
		c.ReconnectWindow = d.ReconnectWindow
	}
	if c.ConsensusTimeout <= 0 {
		c.ConsensusTimeout = d.ConsensusTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.Linger <= 0 {
		c.Linger = d.Linger
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = d.MaxRounds
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
}

// Deps is shared by every session a node runs.
type Deps struct {
	Local     *identity.LocalIdentity
	Validator interfaces.IMoveValidator
	Scorer    interfaces.IScorer
	Sink      interfaces.IArchiveSink
	Journal   interfaces.IJournal //optional
	Config    Config
	Logger    *log.Logger
}

// Reconnector re-establishes the session connection after a drop. The
// joiner holds one; the host waits for Attach instead.
type Reconnector func(ctx context.Context) (*net_service.Connection, error)

type Options struct {
	Deps

	GameID       uuid.UUID
	BoardSize    int
	Participants [2]*identity.RemoteIdentity //black (host) first
	Role         interfaces.SessionRole
	Ticket       string //kept in the journal so a joiner can resume
	Reconnect    Reconnector
	Restored     []ledger.MoveRecord
}

var (
	ErrNotPlaying   = errors.New("channel: session is not in play")
	ErrNotScoring   = errors.New("channel: session is not scoring")
	ErrNotYourTurn  = errors.New("channel: not the local player's turn")
	ErrIllegalMove  = errors.New("channel: move rejected by validator")
	ErrMoveInFlight = errors.New("channel: previous move not yet acknowledged")
	ErrNotReady     = errors.New("channel: genesis record not yet received")
	ErrClosed       = errors.New("channel: closed")
	ErrAbandoned    = errors.New("channel: session abandoned")
	ErrPeerSilent   = errors.New("channel: peer stopped responding")
	ErrWrongPeer    = errors.New("channel: connection belongs to another peer")
	ErrNotMember    = errors.New("channel: local identity is not a participant")
	ErrGameOver     = errors.New("channel: restored ledger already ended")
)

// ViolationError is a peer frame that is well formed but breaks the
// session rules. It is always fatal.
type ViolationError struct {
	Seq  uint64
	Text string
}

func (e *ViolationError) Error() string {
	return "channel: peer violation at seq " + strconv.FormatUint(e.Seq, 10) + ": " + e.Text
}

// PeerAbortError carries the peer's ABT frame.
type PeerAbortError struct {
	Code int
	Text string
}

func (e *PeerAbortError) Error() string {
	return "channel: peer aborted (" + strconv.Itoa(e.Code) + "): " + e.Text
}
