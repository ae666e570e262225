package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/phuslu/log"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/p2pgo/p2pgo_core/ahmp"
	"github.com/p2pgo/p2pgo_core/consensus"
	"github.com/p2pgo/p2pgo_core/identity"
	"github.com/p2pgo/p2pgo_core/interfaces"
	"github.com/p2pgo/p2pgo_core/ledger"
	"github.com/p2pgo/p2pgo_core/net_service"
)

type SessionState int

const (
	Playing SessionState = iota
	Scoring
	Finalized
	Failed
	Abandoned
)

func (s SessionState) String() string {
	switch s {
	case Playing:
		return "playing"
	case Scoring:
		return "scoring"
	case Finalized:
		return "finalized"
	case Failed:
		return "failed"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

type Snapshot struct {
	GameID      uuid.UUID
	State       SessionState
	LocalIndex  int
	Records     []ledger.MoveRecord
	Board       interfaces.BoardState
	Connected   bool
	Kind        net_service.Kind
	Consensus   consensus.State
	Round       int
	Record      *consensus.FinalizedGameRecord
	ArchivePath string
	Err         error
}

// genesis record payload, written by black
type genesisHeader struct {
	_         struct{} `cbor:",toarray"`
	GameID    uuid.UUID
	BoardSize uint8
	Black     string
	White     string
}

// Channel is one game session between two peers. Every piece of session
// state is owned by a single goroutine; the exported methods are
// requests into it.
type Channel struct {
	opts   Options
	conf   Config
	logger *log.Logger

	local_index int
	peer        *identity.RemoteIdentity
	ledger      *ledger.Ledger
	board       interfaces.BoardState
	state       SessionState
	passes      int
	consensus   *consensus.Consensus
	early_marks []*ahmp.TMK

	result       *consensus.FinalizedGameRecord
	archive_path string

	conn         *net_service.Connection
	conn_gen     int
	last_inbound time.Time
	reconnecting bool
	nonce        uint64

	pending      *pendingMove
	marks_waiter chan territoryResult

	resend_timer    *time.Timer
	consensus_timer *time.Timer
	abandon_timer   *time.Timer
	linger_timer    *time.Timer

	exit bool
	err  error

	t      tomb.Tomb
	inbox  chan any
	events chan any

	final_mtx sync.Mutex
	final     *Snapshot
}

type pendingMove struct {
	rec   ledger.MoveRecord
	frame []byte //resent byte-identical
	sends int
	reply chan moveResult
}

type moveResult struct {
	rec ledger.MoveRecord
	err error
}
type territoryResult struct {
	state consensus.State
	err   error
}

type submitReq struct {
	payload []byte
	reply   chan moveResult
}
type territoryReq struct {
	marks *consensus.TerritoryMap
	reply chan territoryResult
}
type attachReq struct {
	conn  *net_service.Connection
	reply chan error
}
type snapshotReq struct {
	reply chan *Snapshot
}
type frameIn struct {
	gen  int
	data []byte
}
type connLost struct {
	gen int
	err error
}
type reconnectDone struct {
	conn *net_service.Connection
	err  error
}

// Open starts the session. conn may be nil when the session is resumed
// and the peer has not come back yet.
func Open(opts Options, conn *net_service.Connection) (*Channel, error) {
	opts.Config.fillDefaults()
	result := new(Channel)
	result.opts = opts
	result.conf = opts.Config
	result.logger = opts.Logger
	if result.logger == nil {
		result.logger = &log.DefaultLogger
	}

	result.local_index = -1
	for i, p := range opts.Participants {
		if p == nil {
			return nil, ErrNotMember
		}
		if p.IDHash() == opts.Local.IDHash() {
			result.local_index = i
		}
	}
	if result.local_index < 0 {
		return nil, ErrNotMember
	}
	result.peer = opts.Participants[1-result.local_index]
	if conn != nil && (conn.Remote() == nil || conn.Remote().IDHash() != result.peer.IDHash()) {
		return nil, ErrWrongPeer
	}

	black, white := opts.Participants[0], opts.Participants[1]
	if len(opts.Restored) > 0 {
		l, err := ledger.Restore(opts.Local, opts.Restored, black, white)
		if err != nil {
			return nil, err
		}
		result.ledger = l
	} else {
		result.ledger = ledger.New(opts.Local, black, white)
	}
	result.consensus = consensus.New(opts.BoardSize, result.conf.MaxRounds)
	result.board = opts.Validator.Genesis(opts.BoardSize)
	if err := result.restore(); err != nil {
		return nil, err
	}

	result.inbox = make(chan any, 128)
	result.events = make(chan any, result.conf.EventBuffer)
	result.t.Go(func() error { return result.loop(conn) })
	return result, nil
}

// restore replays persisted records onto the board.
func (c *Channel) restore() error {
	records := c.ledger.Records()
	if len(records) == 0 {
		return nil
	}
	if err := c.checkGenesis(&records[0]); err != nil {
		return err
	}
	for i := 1; i < len(records); i++ {
		p := records[i].Payload
		if c.state != Playing || !c.opts.Validator.Validate(c.board, p) {
			return ErrGameOver
		}
		c.board = c.opts.Validator.Apply(c.board, p)
		switch {
		case c.opts.Validator.IsResign(p):
			return ErrGameOver
		case c.opts.Validator.IsPass(p):
			c.passes++
			if c.passes >= 2 {
				c.state = Scoring
				c.consensus.Begin()
			}
		default:
			c.passes = 0
		}
	}
	return nil
}

func (c *Channel) GameID() uuid.UUID {
	return c.opts.GameID
}

func (c *Channel) LocalIndex() int {
	return c.local_index
}

func (c *Channel) Peer() *identity.RemoteIdentity {
	return c.peer
}

// Events is closed once the session goroutine exits.
func (c *Channel) Events() <-chan any {
	return c.events
}

// SubmitMove appends a local move and returns once the peer acknowledged
// it. A canceled ctx does not withdraw a move that was already appended;
// it is still delivered.
func (c *Channel) SubmitMove(ctx context.Context, payload []byte) (ledger.MoveRecord, error) {
	reply := make(chan moveResult, 1)
	r, err := call(ctx, c, &submitReq{append([]byte(nil), payload...), reply}, reply)
	if err != nil {
		return ledger.MoveRecord{}, err
	}
	return r.rec, r.err
}

// SubmitTerritory submits the local marks for the current scoring round
// and waits for the round to resolve.
func (c *Channel) SubmitTerritory(ctx context.Context, marks *consensus.TerritoryMap) (consensus.State, error) {
	if marks == nil {
		return consensus.Failed, consensus.ErrInvalidMap
	}
	reply := make(chan territoryResult, 1)
	r, err := call(ctx, c, &territoryReq{marks.Clone(), reply}, reply)
	if err != nil {
		return consensus.Failed, err
	}
	return r.state, r.err
}

// Attach hands the session a fresh connection from the same peer.
func (c *Channel) Attach(conn *net_service.Connection) error {
	reply := make(chan error, 1)
	err, cerr := call(context.Background(), c, &attachReq{conn, reply}, reply)
	if cerr != nil {
		return cerr
	}
	return err
}

func (c *Channel) Snapshot(ctx context.Context) (*Snapshot, error) {
	select {
	case <-c.t.Dead():
		return c.finalSnapshot(), nil
	default:
	}
	reply := make(chan *Snapshot, 1)
	s, err := call(ctx, c, &snapshotReq{reply}, reply)
	if err != nil && ctx.Err() == nil {
		<-c.t.Dead()
		return c.finalSnapshot(), nil
	}
	return s, err
}

// Close stops the session. A session still in play is written to the
// journal so it can be resumed.
func (c *Channel) Close() error {
	c.t.Kill(nil)
	c.t.Wait()
	return nil
}

func (c *Channel) Done() <-chan struct{} {
	return c.t.Dead()
}

// Err is the terminal error, nil while running or after a clean finish.
func (c *Channel) Err() error {
	err := c.t.Err()
	if err == tomb.ErrStillAlive {
		return nil
	}
	return err
}

func (c *Channel) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (c *Channel) finalSnapshot() *Snapshot {
	c.final_mtx.Lock()
	defer c.final_mtx.Unlock()
	return c.final
}

func call[R any](ctx context.Context, c *Channel, req any, reply chan R) (R, error) {
	var zero R
	select {
	case c.inbox <- req:
	case <-c.t.Dying():
		return zero, c.closedErr()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.t.Dead():
		select {
		case r := <-reply:
			return r, nil
		default:
		}
		return zero, c.closedErr()
	}
}

func (c *Channel) deliver(msg any) bool {
	select {
	case c.inbox <- msg:
		return true
	case <-c.t.Dying():
		return false
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Channel) loop(conn *net_service.Connection) error {
	defer c.shutdown()
	heartbeat := time.NewTicker(c.conf.HeartbeatInterval)
	defer heartbeat.Stop()

	c.start(conn)
	for !c.exit {
		select {
		case <-c.t.Dying():
			if c.state == Playing || c.state == Scoring {
				c.suspend()
			}
			return nil
		case msg := <-c.inbox:
			c.handle(msg)
		case <-timerC(c.resend_timer):
			c.resend_timer = nil
			c.onResend()
		case <-timerC(c.consensus_timer):
			c.consensus_timer = nil
			c.onConsensusTimeout()
		case <-timerC(c.abandon_timer):
			c.abandon_timer = nil
			c.onAbandon()
		case <-timerC(c.linger_timer):
			c.linger_timer = nil
			c.exit = true
		case <-heartbeat.C:
			c.onHeartbeat()
		}
	}
	return c.err
}

func (c *Channel) shutdown() {
	c.t.Kill(c.err)
	stopTimer(&c.resend_timer)
	stopTimer(&c.consensus_timer)
	stopTimer(&c.abandon_timer)
	stopTimer(&c.linger_timer)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	cause := c.err
	if cause == nil {
		cause = ErrClosed
	}
	if c.pending != nil && c.pending.reply != nil {
		c.pending.reply <- moveResult{err: cause}
		c.pending.reply = nil
	}
	if c.marks_waiter != nil {
		c.marks_waiter <- territoryResult{state: c.consensus.State(), err: cause}
		c.marks_waiter = nil
	}

	snap := c.snapshot()
	c.final_mtx.Lock()
	c.final = snap
	c.final_mtx.Unlock()
	close(c.events)
}

func (c *Channel) start(conn *net_service.Connection) {
	if c.local_index == 0 && c.ledger.Len() == 0 {
		payload, err := cbor.Marshal(genesisHeader{
			GameID:    c.opts.GameID,
			BoardSize: uint8(c.opts.BoardSize),
			Black:     c.opts.Participants[0].IDHash(),
			White:     c.opts.Participants[1].IDHash(),
		})
		if err == nil {
			_, err = c.ledger.Append(payload)
		}
		if err != nil {
			c.fail(err)
			return
		}
	}

	c.emit(&interfaces.ESessionStarted{
		GameID:     c.opts.GameID,
		LocalIndex: c.local_index,
		PeerHash:   c.peer.IDHash(),
		Resumed:    len(c.opts.Restored) > 0,
	})
	if c.state == Scoring {
		c.emit(&interfaces.EScoringStarted{GameID: c.opts.GameID})
	}

	if conn != nil {
		c.attach(conn, false)
		return
	}
	c.abandon_timer = time.NewTimer(c.conf.ReconnectWindow)
	c.startReconnect()
}

func (c *Channel) handle(msg any) {
	switch m := msg.(type) {
	case *submitReq:
		c.onSubmit(m)
	case *territoryReq:
		c.onTerritory(m)
	case *attachReq:
		m.reply <- c.onAttach(m.conn)
	case *snapshotReq:
		m.reply <- c.snapshot()
	case *frameIn:
		if m.gen != c.conn_gen || c.conn == nil {
			return
		}
		c.last_inbound = time.Now()
		c.onFrame(m.data)
	case *connLost:
		c.lost(m.gen, m.err)
	case *reconnectDone:
		c.reconnecting = false
		if m.err != nil {
			c.logger.Warn().Str("game", c.opts.GameID.String()).Err(m.err).Msg("reconnect gave up")
			return
		}
		if err := c.onAttach(m.conn); err != nil {
			m.conn.Close()
		}
	}
}

func (c *Channel) snapshot() *Snapshot {
	result := &Snapshot{
		GameID:      c.opts.GameID,
		State:       c.state,
		LocalIndex:  c.local_index,
		Records:     c.ledger.Records(),
		Board:       c.board,
		Connected:   c.conn != nil,
		Consensus:   c.consensus.State(),
		Round:       c.consensus.Round(),
		Record:      c.result,
		ArchivePath: c.archive_path,
		Err:         c.err,
	}
	if c.conn != nil {
		result.Kind = c.conn.Kind()
	}
	return result
}

func (c *Channel) emit(ev any) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Str("game", c.opts.GameID.String()).Str("event", fmt.Sprintf("%T", ev)).Msg("event dropped")
	}
}

// terminal events wait a little for a slow consumer
func (c *Channel) emitTerminal(ev any) {
	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case c.events <- ev:
	case <-t.C:
		c.logger.Warn().Str("game", c.opts.GameID.String()).Str("event", fmt.Sprintf("%T", ev)).Msg("terminal event dropped")
	}
}

// connection

func (c *Channel) onAttach(conn *net_service.Connection) error {
	if conn == nil || conn.Remote() == nil || conn.Remote().IDHash() != c.peer.IDHash() {
		return ErrWrongPeer
	}
	c.attach(conn, true)
	return nil
}

func (c *Channel) attach(conn *net_service.Connection, reconnect bool) {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.conn_gen++
	c.last_inbound = time.Now()
	stopTimer(&c.abandon_timer)

	gen := c.conn_gen
	c.t.Go(func() error {
		c.readLoop(conn, gen)
		return nil
	})

	if reconnect {
		c.logger.Info().Str("game", c.opts.GameID.String()).Stringer("kind", conn.Kind()).Msg("peer reattached")
		c.emit(&interfaces.EPeerReconnected{GameID: c.opts.GameID, Relayed: conn.Kind() == net_service.Relayed})
	}
	c.sendFrame(ahmp.EncodeSYN(&ahmp.SYN{Next: c.ledger.Len(), TailHash: c.ledger.TailHash()}))
}

func (c *Channel) readLoop(conn *net_service.Connection, gen int) {
	for {
		data, err := conn.Receive()
		if err != nil {
			c.deliver(&connLost{gen, err})
			return
		}
		if !c.deliver(&frameIn{gen, data}) {
			return
		}
	}
}

func (c *Channel) send(frame []byte) {
	if c.conn == nil {
		return
	}
	if err := c.conn.Send(frame); err != nil {
		c.lost(c.conn_gen, err)
	}
}

func (c *Channel) sendFrame(frame []byte, err error) {
	if err != nil {
		c.logger.Error().Str("game", c.opts.GameID.String()).Err(err).Msg("failed to encode frame")
		return
	}
	c.send(frame)
}

func (c *Channel) lost(gen int, err error) {
	if gen != c.conn_gen || c.conn == nil {
		return
	}
	c.conn.Close()
	c.conn = nil
	if c.state == Finalized {
		c.exit = true
		return
	}
	if c.state != Playing && c.state != Scoring {
		return
	}

	c.logger.Warn().Str("game", c.opts.GameID.String()).Err(err).Msg("peer connection lost")
	c.emit(&interfaces.EPeerDisconnected{GameID: c.opts.GameID, Err: err})
	if c.abandon_timer == nil {
		c.abandon_timer = time.NewTimer(c.conf.ReconnectWindow)
	}
	c.startReconnect()
}

func (c *Channel) startReconnect() {
	if c.opts.Reconnect == nil || c.reconnecting {
		return
	}
	c.reconnecting = true
	c.t.Go(c.reconnectLoop)
}

func (c *Channel) reconnectLoop() error {
	ctx := c.t.Context(nil)
	strategy := retry.LimitTime(c.conf.ReconnectWindow, retry.Exponential{
		Initial:  min(time.Second, c.conf.AckTimeout),
		Factor:   2,
		MaxDelay: 30 * time.Second,
		Jitter:   true,
	})

	var last_err error
	for attempt := retry.StartWithCancel(strategy, nil, c.t.Dying()); attempt.Next(); {
		conn, err := c.opts.Reconnect(ctx)
		if err == nil {
			if !c.deliver(&reconnectDone{conn: conn}) {
				conn.Close()
			}
			return nil
		}
		last_err = err
		c.logger.Debug().Str("game", c.opts.GameID.String()).Err(err).Msg("reconnect attempt failed")
	}
	if last_err == nil {
		last_err = ErrClosed
	}
	c.deliver(&reconnectDone{err: last_err})
	return nil
}

func (c *Channel) onHeartbeat() {
	if c.conn == nil {
		return
	}
	if time.Since(c.last_inbound) > 3*c.conf.HeartbeatInterval {
		c.lost(c.conn_gen, ErrPeerSilent)
		return
	}
	c.nonce++
	c.sendFrame(ahmp.EncodePNG(&ahmp.PNG{Nonce: c.nonce}))
}

func (c *Channel) onAbandon() {
	if c.conn != nil || (c.state != Playing && c.state != Scoring) {
		return
	}
	c.logger.Warn().Str("game", c.opts.GameID.String()).Dur("window", c.conf.ReconnectWindow).Msg("session abandoned")
	c.state = Abandoned
	c.consensus.Fail()
	c.suspend()
	c.err = ErrAbandoned
	c.emitTerminal(&interfaces.ESessionFailed{GameID: c.opts.GameID, Err: ErrAbandoned, Abandoned: true})
	c.exit = true
}

// suspend journals the session so it can be resumed later.
func (c *Channel) suspend() {
	if c.opts.Journal == nil {
		return
	}
	keys := make([][]byte, 0, 2)
	for _, p := range c.opts.Participants {
		keys = append(keys, []byte(p.PublicKey()))
	}
	err := c.opts.Journal.Save(&interfaces.SuspendedSession{
		GameID:          c.opts.GameID,
		Role:            c.opts.Role,
		BoardSize:       c.opts.BoardSize,
		ParticipantKeys: keys,
		Ticket:          c.opts.Ticket,
		Records:         c.ledger.Records(),
		SavedAt:         time.Now().Unix(),
	})
	if err != nil {
		c.logger.Error().Str("game", c.opts.GameID.String()).Err(err).Msg("failed to journal session")
	}
}

// termination

func (c *Channel) fail(err error) {
	switch c.state {
	case Finalized:
		c.logger.Warn().Str("game", c.opts.GameID.String()).Err(err).Msg("peer error after finalization")
		c.exit = true
		return
	case Failed, Abandoned:
		return
	}
	c.state = Failed
	c.consensus.Fail()

	code := ahmp.ABTProtocol
	var cerr *consensus.ConsensusError
	if errors.As(err, &cerr) {
		code = ahmp.ABTConsensus
	}
	c.sendFrame(ahmp.EncodeABT(&ahmp.ABT{Code: code, Text: err.Error()}))

	c.logger.Error().Str("game", c.opts.GameID.String()).Err(err).Msg("session failed")
	c.err = err
	c.replyMarks(consensus.Failed, err)
	c.emitTerminal(&interfaces.ESessionFailed{GameID: c.opts.GameID, Err: err})
	c.exit = true
}

func (c *Channel) onAbort(m *ahmp.ABT) {
	if c.state == Finalized {
		c.exit = true
		return
	}
	if c.state != Playing && c.state != Scoring {
		return
	}
	err := &PeerAbortError{Code: m.Code, Text: m.Text}
	c.logger.Warn().Str("game", c.opts.GameID.String()).Err(err).Msg("peer aborted session")
	c.state = Failed
	c.consensus.Fail()
	c.err = err
	c.replyMarks(consensus.Failed, err)
	c.emitTerminal(&interfaces.ESessionFailed{GameID: c.opts.GameID, Err: err})
	c.exit = true
}

func (c *Channel) finalize(territory *consensus.TerritoryMap, outcome consensus.Outcome) {
	keys := make([][]byte, 0, 2)
	hashes := make([]string, 0, 2)
	for _, p := range c.opts.Participants {
		keys = append(keys, []byte(p.PublicKey()))
		hashes = append(hashes, p.IDHash())
	}
	record := &consensus.FinalizedGameRecord{
		GameID:          c.opts.GameID,
		BoardSize:       uint8(c.opts.BoardSize),
		Participants:    hashes,
		ParticipantKeys: keys,
		Records:         c.ledger.Records(),
		Territory:       territory,
		Outcome:         outcome,
		CompletedAt:     time.Now().Unix(),
	}
	c.result = record
	c.state = Finalized
	stopTimer(&c.consensus_timer)

	if c.opts.Sink != nil {
		path, err := c.opts.Sink.Store(record)
		if err != nil {
			c.logger.Error().Str("game", c.opts.GameID.String()).Err(err).Msg("failed to archive game")
		}
		c.archive_path = path
	}
	if c.opts.Journal != nil {
		if err := c.opts.Journal.Delete(c.opts.GameID); err != nil {
			c.logger.Error().Str("game", c.opts.GameID.String()).Err(err).Msg("failed to drop journal entry")
		}
	}

	c.logger.Info().Str("game", c.opts.GameID.String()).Int("winner", outcome.Winner).Msg("session finalized")
	c.replyMarks(consensus.Agreed, nil)
	if c.pending != nil && c.pending.reply != nil {
		c.pending.reply <- moveResult{rec: c.pending.rec}
		c.pending.reply = nil
	}
	c.emitTerminal(&interfaces.ESessionFinalized{GameID: c.opts.GameID, Record: record, ArchivePath: c.archive_path})

	if c.conn == nil {
		c.exit = true
		return
	}
	c.linger_timer = time.NewTimer(c.conf.Linger)
}
