package consensus

import (
	"errors"
	"strconv"
)

type State int

const (
	Playing State = iota
	MarkingLocal
	AwaitingPeerMarks
	Agreed
	Disagreed
	Finalized
	Failed
)

func (s State) String() string {
	switch s {
	case Playing:
		return "playing"
	case MarkingLocal:
		return "marking"
	case AwaitingPeerMarks:
		return "awaiting-peer"
	case Agreed:
		return "agreed"
	case Disagreed:
		return "disagreed"
	case Finalized:
		return "finalized"
	case Failed:
		return "failed"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

const DefaultMaxRounds = 3

type ConsensusErrorCode int

const (
	DisagreedCode ConsensusErrorCode = iota + 1
	ConsensusFailedCode
)

var (
	ErrDisagreed       = &ConsensusError{Code: DisagreedCode}
	ErrConsensusFailed = &ConsensusError{Code: ConsensusFailedCode}

	ErrWrongState    = errors.New("consensus: operation not valid in current state")
	ErrInvalidMap    = errors.New("consensus: malformed territory map")
	ErrRoundMismatch = errors.New("consensus: marks for an unexpected round")
)

type ConsensusError struct {
	Code  ConsensusErrorCode
	Round int
	Text  string
}

func (e *ConsensusError) Error() string {
	var msg string
	switch e.Code {
	case DisagreedCode:
		msg = "territory maps differ in round " + strconv.Itoa(e.Round)
	case ConsensusFailedCode:
		msg = "no agreement after round " + strconv.Itoa(e.Round)
	default:
		msg = "unknown error (" + strconv.Itoa(int(e.Code)) + ")"
	}
	if e.Text != "" {
		msg += ": " + e.Text
	}
	return "consensus: " + msg
}

func (e *ConsensusError) Is(target error) bool {
	t, ok := target.(*ConsensusError)
	return ok && t.Code == e.Code
}

// Consensus is the territory agreement state machine. Rounds start at 1.
// A round resolves once both sides have marked it: equal maps agree,
// different maps disagree, and disagreement in the last round fails.
// It is owned by a single goroutine.
type Consensus struct {
	state      State
	round      int
	max_rounds int
	board_size int

	local map[int]*TerritoryMap
	peer  map[int]*TerritoryMap

	agreed *TerritoryMap
}

func New(board_size int, max_rounds int) *Consensus {
	if max_rounds <= 0 {
		max_rounds = DefaultMaxRounds
	}
	return &Consensus{
		state:      Playing,
		max_rounds: max_rounds,
		board_size: board_size,
		local:      make(map[int]*TerritoryMap),
		peer:       make(map[int]*TerritoryMap),
	}
}

func (c *Consensus) State() State {
	return c.state
}
func (c *Consensus) Round() int {
	return c.round
}
func (c *Consensus) MaxRounds() int {
	return c.max_rounds
}
func (c *Consensus) Agreed() *TerritoryMap {
	return c.agreed
}

// LocalMarks returns what this side submitted for round.
func (c *Consensus) LocalMarks(round int) (*TerritoryMap, bool) {
	m, ok := c.local[round]
	return m, ok
}

// PeerMarksAt returns what the peer submitted for round.
func (c *Consensus) PeerMarksAt(round int) (*TerritoryMap, bool) {
	m, ok := c.peer[round]
	return m, ok
}

// Begin is called once play ends (two consecutive passes).
func (c *Consensus) Begin() error {
	if c.state != Playing {
		return ErrWrongState
	}
	c.state = MarkingLocal
	c.round = 1
	return nil
}

func (c *Consensus) validMap(m *TerritoryMap) bool {
	return m.Valid() && int(m.BoardSize) == c.board_size
}

// MarkLocal submits this side's map for the current round, opening the
// next round first if the previous one disagreed.
func (c *Consensus) MarkLocal(m *TerritoryMap) (int, State, error) {
	if !c.validMap(m) {
		return c.round, c.state, ErrInvalidMap
	}
	switch c.state {
	case MarkingLocal:
	case Disagreed:
		c.round++
		c.state = MarkingLocal
	default:
		return c.round, c.state, ErrWrongState
	}
	c.local[c.round] = m.Clone()
	c.state = AwaitingPeerMarks
	state, err := c.resolve()
	return c.round, state, err
}

// PeerMarks records the peer's map for round. Marks for a past round are
// ignored; marks one round ahead are kept until this side opens that round.
func (c *Consensus) PeerMarks(round int, m *TerritoryMap) (State, error) {
	if !c.validMap(m) {
		return c.state, ErrInvalidMap
	}
	switch c.state {
	case MarkingLocal, AwaitingPeerMarks, Disagreed:
	default:
		return c.state, ErrWrongState
	}

	next := c.round
	if c.state == Disagreed {
		next = c.round + 1
	}
	if round < next {
		return c.state, nil
	}
	if round > next || round > c.max_rounds {
		return c.state, ErrRoundMismatch
	}
	if _, ok := c.peer[round]; !ok {
		c.peer[round] = m.Clone()
	}
	if round != c.round {
		return c.state, nil
	}
	return c.resolve()
}

func (c *Consensus) resolve() (State, error) {
	if c.state != AwaitingPeerMarks {
		return c.state, nil
	}
	local, lok := c.local[c.round]
	peer, pok := c.peer[c.round]
	if !lok || !pok {
		return c.state, nil
	}

	if local.Equal(peer) {
		c.state = Agreed
		c.agreed = local.Clone()
		return c.state, nil
	}
	if c.round >= c.max_rounds {
		c.state = Failed
		return c.state, &ConsensusError{Code: ConsensusFailedCode, Round: c.round}
	}
	c.state = Disagreed
	return c.state, &ConsensusError{Code: DisagreedCode, Round: c.round}
}

// Fail ends the process, e.g. when a round times out.
func (c *Consensus) Fail() {
	switch c.state {
	case Agreed, Finalized, Failed:
		return
	}
	c.state = Failed
}

func (c *Consensus) Finalize() error {
	if c.state != Agreed {
		return ErrWrongState
	}
	c.state = Finalized
	return nil
}
