package channel

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/p2pgo/p2pgo_core/ahmp"
	"github.com/p2pgo/p2pgo_core/consensus"
	"github.com/p2pgo/p2pgo_core/interfaces"
	"github.com/p2pgo/p2pgo_core/ledger"
)

// moverOf is the participant index that writes seq. Black writes the
// genesis record and every odd seq.
func moverOf(seq uint64) int {
	if seq == 0 {
		return 0
	}
	return int((seq - 1) % 2)
}

func (c *Channel) checkGenesis(rec *ledger.MoveRecord) error {
	black, white := c.opts.Participants[0].IDHash(), c.opts.Participants[1].IDHash()
	var h genesisHeader
	if err := cbor.Unmarshal(rec.Payload, &h); err != nil ||
		rec.Mover != black ||
		h.GameID != c.opts.GameID ||
		int(h.BoardSize) != c.opts.BoardSize ||
		h.Black != black || h.White != white {
		return &ViolationError{Seq: 0, Text: "genesis record does not match session"}
	}
	return nil
}

func (c *Channel) onFrame(data []byte) {
	msg, err := ahmp.Decode(data)
	if err != nil {
		if errors.Is(err, ahmp.ErrUnknownType) {
			c.logger.Debug().Str("game", c.opts.GameID.String()).Msg("ignoring unknown frame type")
			return
		}
		c.fail(&ViolationError{Seq: c.ledger.Len(), Text: "undecodable frame"})
		return
	}

	switch m := msg.(type) {
	case *ahmp.INVAL:
		c.fail(&ViolationError{Seq: c.ledger.Len(), Text: "malformed frame: " + m.Err.Error()})
	case *ahmp.REC:
		c.onRecord(m.Record)
	case *ahmp.ACK:
		if c.pending != nil && m.Seq >= c.pending.rec.Seq {
			c.resolvePending()
		}
	case *ahmp.SYN:
		c.onSync(m)
	case *ahmp.RSF:
		c.replay(m.From)
	case *ahmp.TMK:
		c.onMarks(m)
	case *ahmp.ABT:
		c.onAbort(m)
	case *ahmp.PNG:
		c.sendFrame(ahmp.EncodePNR(&ahmp.PNR{Nonce: m.Nonce}))
	case *ahmp.PNR:
	default:
		c.logger.Debug().Str("game", c.opts.GameID.String()).Msg("unexpected frame in session")
	}
}

// local moves

func (c *Channel) canSubmit(payload []byte) error {
	switch {
	case c.state != Playing:
		return ErrNotPlaying
	case c.pending != nil:
		return ErrMoveInFlight
	case c.ledger.Len() == 0:
		return ErrNotReady
	case moverOf(c.ledger.Len()) != c.local_index:
		return ErrNotYourTurn
	case !c.opts.Validator.Validate(c.board, payload):
		return ErrIllegalMove
	}
	return nil
}

func (c *Channel) onSubmit(r *submitReq) {
	if err := c.canSubmit(r.payload); err != nil {
		r.reply <- moveResult{err: err}
		return
	}
	rec, err := c.ledger.Append(r.payload)
	if err != nil {
		r.reply <- moveResult{err: err}
		return
	}
	frame, err := ahmp.EncodeREC(&ahmp.REC{Record: rec})
	if err != nil {
		r.reply <- moveResult{err: err}
		c.fail(err)
		return
	}

	c.pending = &pendingMove{rec: rec, frame: frame, sends: 1, reply: r.reply}
	c.send(frame)
	c.armResend()
	c.applyRecord(rec, true)
}

func (c *Channel) resolvePending() {
	p := c.pending
	c.pending = nil
	if p.reply != nil {
		p.reply <- moveResult{rec: p.rec}
	}
	if p.sends > 1 {
		c.logger.Debug().Str("game", c.opts.GameID.String()).Uint64("seq", p.rec.Seq).Int("sends", p.sends).Msg("move acknowledged after resend")
	}
}

func (c *Channel) awaiting() bool {
	return c.pending != nil || c.consensus.State() == consensus.AwaitingPeerMarks
}

func (c *Channel) armResend() {
	if c.resend_timer == nil && c.awaiting() {
		c.resend_timer = time.NewTimer(c.conf.AckTimeout)
	}
}

// onResend repeats whatever the peer has not confirmed yet.
func (c *Channel) onResend() {
	if c.pending != nil {
		c.pending.sends++
		c.send(c.pending.frame)
	}
	if c.consensus.State() == consensus.AwaitingPeerMarks {
		c.sendMarks(c.consensus.Round())
	}
	c.armResend()
}

// peer moves

func (c *Channel) onRecord(rec ledger.MoveRecord) {
	err := c.ledger.Check(&rec)
	switch {
	case errors.Is(err, ledger.ErrDuplicate):
		c.sendFrame(ahmp.EncodeACK(&ahmp.ACK{Seq: rec.Seq}))
		return
	case errors.Is(err, ledger.ErrSeqGap):
		c.logger.Debug().Str("game", c.opts.GameID.String()).Uint64("seq", rec.Seq).Uint64("next", c.ledger.Len()).Msg("sequence gap, requesting resend")
		c.sendFrame(ahmp.EncodeRSF(&ahmp.RSF{From: c.ledger.Len()}))
		return
	case err != nil:
		c.fail(err)
		return
	}

	if err := c.admit(&rec); err != nil {
		c.fail(err)
		return
	}
	if err := c.ledger.Accept(rec); err != nil {
		c.fail(err)
		return
	}
	c.sendFrame(ahmp.EncodeACK(&ahmp.ACK{Seq: rec.Seq}))
	if rec.Seq == 0 {
		return
	}
	// the peer's next record implies it holds ours
	if c.pending != nil && rec.Seq > c.pending.rec.Seq {
		c.resolvePending()
	}
	c.applyRecord(rec, false)
}

// admit applies the session rules the ledger does not know about.
func (c *Channel) admit(rec *ledger.MoveRecord) error {
	if rec.Seq == 0 {
		return c.checkGenesis(rec)
	}
	if c.state != Playing {
		return &ViolationError{Seq: rec.Seq, Text: "move after play ended"}
	}
	want := moverOf(rec.Seq)
	if want == c.local_index || rec.Mover != c.opts.Participants[want].IDHash() {
		return &ViolationError{Seq: rec.Seq, Text: "move out of turn"}
	}
	if !c.opts.Validator.Validate(c.board, rec.Payload) {
		return &ViolationError{Seq: rec.Seq, Text: "illegal move"}
	}
	return nil
}

func (c *Channel) applyRecord(rec ledger.MoveRecord, local bool) {
	c.board = c.opts.Validator.Apply(c.board, rec.Payload)
	c.emit(&interfaces.EMoveAccepted{GameID: c.opts.GameID, Record: rec, Local: local})

	switch p := rec.Payload; {
	case c.opts.Validator.IsResign(p):
		c.finalize(nil, consensus.Outcome{
			Method: consensus.ByResignation,
			Winner: 1 - moverOf(rec.Seq),
		})
	case c.opts.Validator.IsPass(p):
		c.passes++
		if c.passes >= 2 {
			c.enterScoring()
		}
	default:
		c.passes = 0
	}
}

// resync

func (c *Channel) onSync(m *ahmp.SYN) {
	l := c.ledger.Len()
	if m.Next > 0 && m.Next <= l {
		ours, _ := c.ledger.At(m.Next - 1)
		if ours.RecordHash != m.TailHash {
			c.fail(&ledger.ProtocolError{Code: ledger.HashMismatch, Seq: m.Next - 1, Text: "peer chain diverged"})
			return
		}
	}
	if c.pending != nil && m.Next > c.pending.rec.Seq {
		c.resolvePending()
	}
	if m.Next < l {
		c.replay(m.Next)
	}
	if c.consensus.Round() > 0 {
		c.sendMarks(c.consensus.Round())
	}
}

func (c *Channel) replay(from uint64) {
	for _, rec := range c.ledger.From(from) {
		if c.conn == nil {
			return
		}
		if c.pending != nil && rec.Seq == c.pending.rec.Seq {
			c.send(c.pending.frame)
			continue
		}
		c.sendFrame(ahmp.EncodeREC(&ahmp.REC{Record: rec}))
	}
}

// scoring

func (c *Channel) enterScoring() {
	if err := c.consensus.Begin(); err != nil {
		return
	}
	c.state = Scoring
	c.logger.Info().Str("game", c.opts.GameID.String()).Msg("play ended, scoring")
	c.emit(&interfaces.EScoringStarted{GameID: c.opts.GameID})

	early := c.early_marks
	c.early_marks = nil
	for _, m := range early {
		c.onMarks(m)
	}
}

func (c *Channel) onTerritory(r *territoryReq) {
	if c.state != Scoring {
		r.reply <- territoryResult{state: c.consensus.State(), err: ErrNotScoring}
		return
	}
	round, state, err := c.consensus.MarkLocal(r.marks)
	if errors.Is(err, consensus.ErrInvalidMap) || errors.Is(err, consensus.ErrWrongState) {
		r.reply <- territoryResult{state: state, err: err}
		return
	}
	c.marks_waiter = r.reply
	c.sendMarks(round)
	c.onRound(state, err)
}

func (c *Channel) onMarks(m *ahmp.TMK) {
	switch c.state {
	case Playing:
		// the peer's second pass may still be in flight
		if len(c.early_marks) < 2 {
			c.early_marks = append(c.early_marks, m)
		}
		return
	case Scoring:
	default:
		if !m.Reply {
			c.sendMarks(m.Round)
		}
		return
	}

	before := c.consensus.State()
	state, err := c.consensus.PeerMarks(m.Round, m.Map)
	switch {
	case errors.Is(err, consensus.ErrWrongState):
		return
	case errors.Is(err, consensus.ErrRoundMismatch), errors.Is(err, consensus.ErrInvalidMap):
		c.fail(&ViolationError{Seq: c.ledger.Len(), Text: err.Error()})
		return
	}
	// a request means the peer lacks our marks for that round
	if !m.Reply {
		c.sendMarks(m.Round)
	}
	if state != before {
		c.onRound(state, err)
	}
}

// sendMarks sends the local marks for round, if there are any. While this
// side still waits for the peer's marks they go out as a request.
func (c *Channel) sendMarks(round int) {
	marks, ok := c.consensus.LocalMarks(round)
	if !ok {
		return
	}
	reply := c.consensus.State() != consensus.AwaitingPeerMarks || c.consensus.Round() != round
	c.sendFrame(ahmp.EncodeTMK(&ahmp.TMK{Round: round, Map: marks, Reply: reply}))
}

func (c *Channel) onRound(state consensus.State, err error) {
	switch state {
	case consensus.AwaitingPeerMarks:
		if c.consensus_timer == nil {
			c.consensus_timer = time.NewTimer(c.conf.ConsensusTimeout)
		}
		c.armResend()
	case consensus.Agreed:
		agreed := c.consensus.Agreed().Clone()
		c.consensus.Finalize()
		c.finalize(agreed, c.opts.Scorer.Score(c.board, agreed))
	case consensus.Disagreed:
		stopTimer(&c.consensus_timer)
		round := c.consensus.Round()
		local, _ := c.consensus.LocalMarks(round)
		peer, _ := c.consensus.PeerMarksAt(round)
		c.logger.Info().Str("game", c.opts.GameID.String()).Int("round", round).Msg("territory marks disagree")
		c.replyMarks(state, err)
		c.emit(&interfaces.ETerritoryDisagreed{GameID: c.opts.GameID, Round: round, Local: local.Clone(), Peer: peer.Clone()})
	case consensus.Failed:
		c.fail(err)
	}
}

func (c *Channel) replyMarks(state consensus.State, err error) {
	if c.marks_waiter != nil {
		c.marks_waiter <- territoryResult{state: state, err: err}
		c.marks_waiter = nil
	}
}

func (c *Channel) onConsensusTimeout() {
	if c.state != Scoring || c.consensus.State() != consensus.AwaitingPeerMarks {
		return
	}
	c.fail(&consensus.ConsensusError{
		Code:  consensus.ConsensusFailedCode,
		Round: c.consensus.Round(),
		Text:  "no marks from peer",
	})
}
