package host

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"gopkg.in/retry.v1"

	"github.com/p2pgo/p2pgo_core/ahmp"
	"github.com/p2pgo/p2pgo_core/aurl"
	"github.com/p2pgo/p2pgo_core/channel"
	"github.com/p2pgo/p2pgo_core/identity"
	"github.com/p2pgo/p2pgo_core/interfaces"
	"github.com/p2pgo/p2pgo_core/lobby"
	"github.com/p2pgo/p2pgo_core/net_service"
	"github.com/p2pgo/p2pgo_core/ticket"
	"github.com/p2pgo/p2pgo_core/watchdog"
)

var ErrAlreadyPlaying = errors.New("host: game already in progress")

type INetService interface {
	ListenAndServe(ctx context.Context) error
	ServeRelay(ctx context.Context, relay_addr *net.UDPAddr) error
	Inbound() <-chan *net_service.Connection
	LocalAURL() *aurl.AURL
	RelayAURL() *aurl.AURL
}

type Config struct {
	Relay string       `yaml:"relay"` //host:port of a relay node, empty for none
	Lobby lobby.Config `yaml:"lobby"`
}

// Host is one p2pgo node: it advertises games, accepts joiners and
// resumed peers, and joins games advertised by others.
type Host struct {
	ctx context.Context //set at ListenAndServe(ctx)

	netService INetService
	lobby      *lobby.Lobby
	deps       channel.Deps
	conf       Config
	resolver   *SessionResolver
	logger     *log.Logger

	sessions chan *channel.Channel
	closers  []func() error
}

func NewHost(netServ INetService, dialer lobby.Dialer, deps channel.Deps, conf Config, boards ...lobby.Board) *Host {
	result := new(Host)
	result.netService = netServ
	result.deps = deps
	result.conf = conf
	result.lobby = lobby.New(netServ, dialer, deps, conf.Lobby, boards...)
	result.resolver = NewSessionResolver()
	result.logger = deps.Logger
	if result.logger == nil {
		result.logger = &log.DefaultLogger
	}
	result.sessions = make(chan *channel.Channel, 16)
	return result
}

func (h *Host) Lobby() *lobby.Lobby {
	return h.lobby
}

func (h *Host) LocalIdentity() *identity.LocalIdentity {
	return h.deps.Local
}

// Sessions delivers sessions started by joiners. A session that does not
// fit the buffer is still reachable through Session.
func (h *Host) Sessions() <-chan *channel.Channel {
	return h.sessions
}

func (h *Host) Session(game_id uuid.UUID) (*channel.Channel, bool) {
	return h.resolver.Lookup(game_id)
}

func (h *Host) ListSessions() []*channel.Channel {
	return h.resolver.List()
}

func (h *Host) ListenAndServe(ctx context.Context) error {
	if h.ctx != nil {
		panic("ListenAndServe called twice")
	}
	h.ctx = ctx

	net_done := make(chan error, 1)
	go func() {
		net_done <- h.netService.ListenAndServe(ctx)
	}()

	var wg sync.WaitGroup
	if h.conf.Relay != "" {
		relay_addr, err := net.ResolveUDPAddr("udp4", h.conf.Relay)
		if err != nil {
			h.logger.Error().Str("relay", h.conf.Relay).Err(err).Msg("bad relay address")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.relayLoop(ctx, relay_addr)
			}()
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.refreshLoop(ctx)
	}()

	h.listenLoop(ctx)
	wg.Wait()

	for _, c := range h.resolver.List() {
		c.Close()
	}
	err := <-net_done
	if err != nil {
		h.logger.Error().Err(err).Msg("network service failed")
	}
	return err
}

func (h *Host) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		errs = append(errs, h.closers[i]())
	}
	return errors.Join(errs...)
}

func (h *Host) listenLoop(ctx context.Context) {
	var wg sync.WaitGroup

	accept_ch := h.netService.Inbound()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case conn := <-accept_ch:
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.serveInbound(conn)
			}()
		}
	}
}

// relayLoop keeps a relay registration alive, backing off between failures.
func (h *Host) relayLoop(ctx context.Context, relay_addr *net.UDPAddr) {
	strategy := retry.Exponential{
		Initial:  time.Second,
		Factor:   2,
		MaxDelay: 30 * time.Second,
		Jitter:   true,
	}
	for {
		for a := retry.StartWithCancel(strategy, nil, ctx.Done()); a.Next(); {
			started := time.Now()
			err := h.netService.ServeRelay(ctx, relay_addr)
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn().Str("relay", relay_addr.String()).Err(err).Msg("relay registration lost")
			if time.Since(started) > time.Minute {
				break
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (h *Host) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(h.lobbyConf().TicketTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.lobby.Refresh(ctx)
		}
	}
}

func (h *Host) lobbyConf() lobby.Config {
	result := h.conf.Lobby
	d := lobby.DefaultConfig()
	if result.TicketTTL <= 0 {
		result.TicketTTL = d.TicketTTL
	}
	if result.OpenTimeout <= 0 {
		result.OpenTimeout = d.OpenTimeout
	}
	return result
}

// Advertise opens a new game and publishes its ticket.
func (h *Host) Advertise(ctx context.Context, board_size int) (*ticket.Ticket, error) {
	return h.lobby.Advertise(ctx, uuid.New(), board_size)
}

func (h *Host) Discover(ctx context.Context) <-chan *ticket.Ticket {
	return lobby.Dedup(h.lobby.Discover(ctx))
}

func (h *Host) Join(ctx context.Context, t *ticket.Ticket) (*channel.Channel, error) {
	if _, ok := h.resolver.Lookup(t.GameID); ok {
		return nil, ErrAlreadyPlaying
	}
	result, err := h.lobby.Join(ctx, t)
	if err != nil {
		return nil, err
	}
	h.adopt(result)
	return result, nil
}

// Resume restarts every journaled session. Joiner sessions dial their
// host; host sessions wait for the joiner to come back.
func (h *Host) Resume(ctx context.Context) ([]*channel.Channel, error) {
	if h.deps.Journal == nil {
		return nil, nil
	}
	suspended, err := h.deps.Journal.List()
	if err != nil {
		return nil, err
	}

	var result []*channel.Channel
	var errs []error
	for _, s := range suspended {
		if _, ok := h.resolver.Lookup(s.GameID); ok {
			continue
		}
		var c *channel.Channel
		switch s.Role {
		case interfaces.RoleJoiner:
			c, err = h.lobby.Resume(ctx, s)
		default:
			c, err = h.restore(s, nil)
		}
		if err != nil {
			h.logger.Warn().Str("game", s.GameID.String()).Err(err).Msg("resume failed")
			errs = append(errs, err)
			continue
		}
		h.adopt(c)
		result = append(result, c)
	}
	return result, errors.Join(errs...)
}

func (h *Host) adopt(c *channel.Channel) bool {
	if !h.resolver.Set(c) {
		return false
	}
	watchdog.Sessions.Inc()
	go func() {
		<-c.Done()
		h.resolver.Delete(c)
		watchdog.Sessions.Dec()
	}()
	return true
}

func (h *Host) serveInbound(conn *net_service.Connection) {
	watchdog.Connections.Inc()
	go func() {
		<-conn.Done()
		watchdog.Connections.Dec()
	}()

	conn.SetDeadline(time.Now().Add(h.lobbyConf().OpenTimeout))
	data, err := conn.Receive()
	if err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	msg, err := ahmp.Decode(data)
	if err != nil {
		conn.Close()
		return
	}
	opn, ok := msg.(*ahmp.OPN)
	if !ok {
		h.logger.Debug().Str("peer", conn.Remote().IDHash()).Msg("inbound connection did not open a game")
		conn.Close()
		return
	}
	if opn.Resume {
		h.serveResume(conn, opn)
	} else {
		h.serveOpen(conn, opn)
	}
}

func (h *Host) decline(conn *net_service.Connection, game_id uuid.UUID, code int, text string) {
	h.logger.Info().Str("game", game_id.String()).Str("peer", conn.Remote().IDHash()).Int("code", code).Msg("declined open: " + text)
	if frame, err := ahmp.EncodeODN(&ahmp.ODN{GameID: game_id, Code: code, Text: text}); err == nil {
		conn.Send(frame)
	}
	conn.Close()
}

func (h *Host) confirm(conn *net_service.Connection, game_id uuid.UUID) error {
	frame, err := ahmp.EncodeOOK(&ahmp.OOK{GameID: game_id})
	if err != nil {
		return err
	}
	return conn.Send(frame)
}

// serveOpen hands an advertised game to its first joiner.
func (h *Host) serveOpen(conn *net_service.Connection, opn *ahmp.OPN) {
	t, ok := h.lobby.Claim(h.ctx, opn.GameID)
	if !ok {
		if _, taken := h.resolver.Lookup(opn.GameID); taken {
			h.decline(conn, opn.GameID, ahmp.ODNGameTaken, "game already taken")
		} else {
			h.decline(conn, opn.GameID, ahmp.ODNUnknownGame, "no such game")
		}
		return
	}
	if t.Validate(time.Now()) != nil {
		h.decline(conn, opn.GameID, ahmp.ODNExpired, "ticket expired")
		return
	}

	if err := h.confirm(conn, opn.GameID); err != nil {
		conn.Close()
		return
	}
	c, err := channel.Open(channel.Options{
		Deps:         h.deps,
		GameID:       t.GameID,
		BoardSize:    int(t.BoardSize),
		Participants: [2]*identity.RemoteIdentity{h.deps.Local.Remote(), conn.Remote()},
		Role:         interfaces.RoleHost,
		Ticket:       t.String(),
	}, conn)
	if err != nil {
		h.logger.Error().Str("game", t.GameID.String()).Err(err).Msg("failed to open session")
		conn.Close()
		return
	}
	h.adopt(c)
	h.logger.Info().Str("game", t.GameID.String()).Str("peer", conn.Remote().IDHash()).Stringer("kind", conn.Kind()).Msg("game claimed")

	select {
	case h.sessions <- c:
	default:
		h.logger.Warn().Str("game", t.GameID.String()).Msg("session queue full")
	}
}

// serveResume reattaches a returning joiner, restoring the session from
// the journal when this node was restarted in between.
func (h *Host) serveResume(conn *net_service.Connection, opn *ahmp.OPN) {
	if c, ok := h.resolver.Lookup(opn.GameID); ok {
		if c.Peer().IDHash() != conn.Remote().IDHash() {
			h.decline(conn, opn.GameID, ahmp.ODNNotParticipant, "not a participant")
			return
		}
		if err := h.confirm(conn, opn.GameID); err != nil {
			conn.Close()
			return
		}
		if err := c.Attach(conn); err != nil {
			conn.Close()
		}
		return
	}

	if h.deps.Journal == nil {
		h.decline(conn, opn.GameID, ahmp.ODNUnknownGame, "no such game")
		return
	}
	s, err := h.deps.Journal.Load(opn.GameID)
	if err != nil || s == nil || s.Role != interfaces.RoleHost {
		h.decline(conn, opn.GameID, ahmp.ODNUnknownGame, "no such game")
		return
	}
	opts, err := h.restoreOptions(s)
	if err != nil {
		h.decline(conn, opn.GameID, ahmp.ODNUnknownGame, "journal entry unusable")
		return
	}
	if opts.Participants[1].IDHash() != conn.Remote().IDHash() {
		h.decline(conn, opn.GameID, ahmp.ODNNotParticipant, "not a participant")
		return
	}
	if err := h.confirm(conn, opn.GameID); err != nil {
		conn.Close()
		return
	}
	c, err := channel.Open(opts, conn)
	if err != nil {
		h.logger.Error().Str("game", s.GameID.String()).Err(err).Msg("failed to restore session")
		conn.Close()
		return
	}
	if !h.adopt(c) {
		c.Close()
	}
}

func (h *Host) restore(s *interfaces.SuspendedSession, conn *net_service.Connection) (*channel.Channel, error) {
	opts, err := h.restoreOptions(s)
	if err != nil {
		return nil, err
	}
	return channel.Open(opts, conn)
}

func (h *Host) restoreOptions(s *interfaces.SuspendedSession) (channel.Options, error) {
	if len(s.ParticipantKeys) != 2 {
		return channel.Options{}, errors.New("host: journal entry lacks participants")
	}
	var participants [2]*identity.RemoteIdentity
	for i, key := range s.ParticipantKeys {
		p, err := identity.NewRemoteIdentity(key)
		if err != nil {
			return channel.Options{}, err
		}
		participants[i] = p
	}
	return channel.Options{
		Deps:         h.deps,
		GameID:       s.GameID,
		BoardSize:    s.BoardSize,
		Participants: participants,
		Role:         interfaces.RoleHost,
		Ticket:       s.Ticket,
		Restored:     s.Records,
	}, nil
}
