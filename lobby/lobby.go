package lobby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"golang.org/x/time/rate"

	"github.com/p2pgo/p2pgo_core/ahmp"
	"github.com/p2pgo/p2pgo_core/aurl"
	"github.com/p2pgo/p2pgo_core/channel"
	"github.com/p2pgo/p2pgo_core/identity"
	"github.com/p2pgo/p2pgo_core/interfaces"
	"github.com/p2pgo/p2pgo_core/ledger"
	"github.com/p2pgo/p2pgo_core/net_service"
	"github.com/p2pgo/p2pgo_core/ticket"
)

// Endpoint is where advertised tickets point to.
type Endpoint interface {
	LocalAURL() *aurl.AURL
	RelayAURL() *aurl.AURL
}

// Dialer is satisfied by the connection manager.
type Dialer interface {
	Connect(ctx context.Context, t *ticket.Ticket) (*net_service.Connection, error)
}

// DisconnectNotifier is implemented by dialers that track connection state
// per peer.
type DisconnectNotifier interface {
	MarkDisconnected(peer string)
}

type Config struct {
	TicketTTL    time.Duration `yaml:"ticket_ttl"`
	MinRepublish time.Duration `yaml:"min_republish"` //per game
	OpenTimeout  time.Duration `yaml:"open_timeout"`
}

func DefaultConfig() Config {
	return Config{
		TicketTTL:    ticket.DefaultTTL,
		MinRepublish: 5 * time.Second,
		OpenTimeout:  10 * time.Second,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.TicketTTL <= 0 {
		c.TicketTTL = d.TicketTTL
	}
	if c.MinRepublish <= 0 {
		c.MinRepublish = d.MinRepublish
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
}

type advert struct {
	ticket  *ticket.Ticket
	limiter *rate.Limiter
}

// Lobby advertises local games and joins remote ones.
type Lobby struct {
	endpoint Endpoint
	dialer   Dialer
	deps     channel.Deps
	conf     Config
	boards   []Board
	logger   *log.Logger

	mtx     sync.Mutex
	adverts map[uuid.UUID]*advert
}

func New(endpoint Endpoint, dialer Dialer, deps channel.Deps, conf Config, boards ...Board) *Lobby {
	conf.fillDefaults()
	result := new(Lobby)
	result.endpoint = endpoint
	result.dialer = dialer
	result.deps = deps
	result.conf = conf
	result.boards = boards
	result.logger = deps.Logger
	if result.logger == nil {
		result.logger = &log.DefaultLogger
	}
	result.adverts = make(map[uuid.UUID]*advert)
	return result
}

// Advertise publishes a ticket for game_id to every board. Calling it again
// refreshes the expiry, at most once per MinRepublish; calls in between
// return the current ticket unchanged.
func (l *Lobby) Advertise(ctx context.Context, game_id uuid.UUID, board_size int) (*ticket.Ticket, error) {
	local := l.deps.Local
	t := ticket.New(local.PublicKey(), l.endpoint.LocalAURL(), l.endpoint.RelayAURL(), game_id, board_size, time.Now().Add(l.conf.TicketTTL))

	l.mtx.Lock()
	a, ok := l.adverts[game_id]
	switch {
	case !ok:
		a = &advert{limiter: rate.NewLimiter(rate.Every(l.conf.MinRepublish), 1)}
		a.limiter.Allow()
		l.adverts[game_id] = a
	case !a.limiter.Allow():
		current := a.ticket
		l.mtx.Unlock()
		return current, nil
	}
	a.ticket = t
	l.mtx.Unlock()

	return t, l.publish(ctx, t)
}

// publish fails only when every board failed.
func (l *Lobby) publish(ctx context.Context, t *ticket.Ticket) error {
	if len(l.boards) == 0 {
		return nil
	}
	var errs []error
	for _, b := range l.boards {
		if err := b.Publish(ctx, t); err != nil {
			l.logger.Warn().Str("game", t.GameID.String()).Err(err).Msg("publish failed")
			errs = append(errs, err)
		}
	}
	if len(errs) == len(l.boards) {
		return errors.Join(errs...)
	}
	return nil
}

// Lookup returns the open ticket for a game this node advertises.
func (l *Lobby) Lookup(game_id uuid.UUID) (*ticket.Ticket, bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	a, ok := l.adverts[game_id]
	if !ok {
		return nil, false
	}
	return a.ticket, true
}

// Claim takes an advertised game off the lobby for the first joiner. It
// reports false when the game is unknown or already claimed. Boards are
// cleared in the background.
func (l *Lobby) Claim(ctx context.Context, game_id uuid.UUID) (*ticket.Ticket, bool) {
	l.mtx.Lock()
	a, ok := l.adverts[game_id]
	delete(l.adverts, game_id)
	l.mtx.Unlock()
	if !ok {
		return nil, false
	}
	go l.withdraw(context.WithoutCancel(ctx), game_id)
	return a.ticket, true
}

func (l *Lobby) Withdraw(ctx context.Context, game_id uuid.UUID) {
	l.mtx.Lock()
	delete(l.adverts, game_id)
	l.mtx.Unlock()
	l.withdraw(ctx, game_id)
}

func (l *Lobby) withdraw(ctx context.Context, game_id uuid.UUID) {
	for _, b := range l.boards {
		if err := b.Withdraw(ctx, game_id); err != nil {
			l.logger.Debug().Str("game", game_id.String()).Err(err).Msg("withdraw failed")
		}
	}
}

// Refresh re-advertises every open game whose ticket is past half its TTL.
func (l *Lobby) Refresh(ctx context.Context) {
	l.mtx.Lock()
	due := make([]*ticket.Ticket, 0, len(l.adverts))
	for _, a := range l.adverts {
		if time.Until(a.ticket.Expiry()) < l.conf.TicketTTL/2 {
			due = append(due, a.ticket)
		}
	}
	l.mtx.Unlock()

	for _, t := range due {
		if _, err := l.Advertise(ctx, t.GameID, int(t.BoardSize)); err != nil {
			l.logger.Warn().Str("game", t.GameID.String()).Err(err).Msg("refresh failed")
		}
	}
}

// Discover merges every board's stream. Expired tickets are dropped;
// duplicates are not (see Dedup). The stream ends with ctx.
func (l *Lobby) Discover(ctx context.Context) <-chan *ticket.Ticket {
	out := make(chan *ticket.Ticket, 16)
	var wg sync.WaitGroup
	for _, b := range l.boards {
		in, err := b.Subscribe(ctx)
		if err != nil {
			l.logger.Warn().Err(err).Msg("board subscription failed")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range in {
				if t.Validate(time.Now()) != nil {
					continue
				}
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Dedup passes each game through once.
func Dedup(in <-chan *ticket.Ticket) <-chan *ticket.Ticket {
	out := make(chan *ticket.Ticket, cap(in))
	go func() {
		defer close(out)
		seen := make(map[uuid.UUID]bool)
		for t := range in {
			if seen[t.GameID] {
				continue
			}
			seen[t.GameID] = true
			out <- t
		}
	}()
	return out
}

// Join connects to the ticket's host, claims the game and starts the
// joiner's session.
func (l *Lobby) Join(ctx context.Context, t *ticket.Ticket) (*channel.Channel, error) {
	if err := t.Validate(time.Now()); err != nil {
		return nil, err
	}
	host, err := t.Remote()
	if err != nil {
		return nil, err
	}

	conn, err := l.connect(ctx, t, false)
	if err != nil {
		return nil, err
	}
	result, err := channel.Open(l.sessionOptions(t, host, nil), conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	l.logger.Info().Str("game", t.GameID.String()).Str("peer", host.IDHash()).Stringer("kind", conn.Kind()).Msg("joined game")
	return result, nil
}

// Resume restarts a journaled joiner session. The ticket may have expired;
// the host keeps the game by id.
func (l *Lobby) Resume(ctx context.Context, s *interfaces.SuspendedSession) (*channel.Channel, error) {
	if s.Role != interfaces.RoleJoiner {
		return nil, errors.New("lobby: only joiner sessions resume by dialing")
	}
	t, err := ticket.Parse(s.Ticket)
	if err != nil {
		return nil, err
	}
	host, err := t.Remote()
	if err != nil {
		return nil, err
	}

	conn, err := l.connect(ctx, t, true)
	if err != nil {
		return nil, err
	}
	result, err := channel.Open(l.sessionOptions(t, host, s.Records), conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return result, nil
}

func (l *Lobby) sessionOptions(t *ticket.Ticket, host *identity.RemoteIdentity, restored []ledger.MoveRecord) channel.Options {
	return channel.Options{
		Deps:         l.deps,
		GameID:       t.GameID,
		BoardSize:    int(t.BoardSize),
		Participants: [2]*identity.RemoteIdentity{host, l.deps.Local.Remote()},
		Role:         interfaces.RoleJoiner,
		Ticket:       t.String(),
		Reconnect: func(ctx context.Context) (*net_service.Connection, error) {
			if n, ok := l.dialer.(DisconnectNotifier); ok {
				n.MarkDisconnected(t.IDHash())
			}
			return l.connect(ctx, t, true)
		},
		Restored: restored,
	}
}

// connect dials the host and runs the open exchange.
func (l *Lobby) connect(ctx context.Context, t *ticket.Ticket, resume bool) (*net_service.Connection, error) {
	conn, err := l.dialer.Connect(ctx, t)
	if err != nil {
		return nil, &ticket.TicketError{Code: ticket.Unreachable, Err: err}
	}
	if err := l.open(ctx, conn, t, resume); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (l *Lobby) open(ctx context.Context, conn *net_service.Connection, t *ticket.Ticket, resume bool) error {
	frame, err := ahmp.EncodeOPN(&ahmp.OPN{GameID: t.GameID, BoardSize: int(t.BoardSize), Resume: resume})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(l.conf.OpenTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if err := conn.Send(frame); err != nil {
		return &ticket.TicketError{Code: ticket.Unreachable, Err: err}
	}
	data, err := conn.Receive()
	if err != nil {
		return &ticket.TicketError{Code: ticket.Unreachable, Err: err}
	}
	msg, err := ahmp.Decode(data)
	if err != nil {
		return &ticket.TicketError{Code: ticket.Unreachable, Err: err}
	}
	switch m := msg.(type) {
	case *ahmp.OOK:
		if m.GameID != t.GameID {
			return &ticket.TicketError{Code: ticket.Unreachable, Err: errors.New("host confirmed another game")}
		}
		return nil
	case *ahmp.ODN:
		return &ticket.TicketError{Code: ticket.Expired, Err: fmt.Errorf("host declined (%d): %s", m.Code, m.Text)}
	default:
		return &ticket.TicketError{Code: ticket.Unreachable, Err: errors.New("unexpected reply to open")}
	}
}
