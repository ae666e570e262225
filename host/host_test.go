package host

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pgo/p2pgo_core/archive"
	"github.com/p2pgo/p2pgo_core/aurl"
	"github.com/p2pgo/p2pgo_core/channel"
	"github.com/p2pgo/p2pgo_core/identity"
	"github.com/p2pgo/p2pgo_core/interfaces"
	"github.com/p2pgo/p2pgo_core/ledger"
	"github.com/p2pgo/p2pgo_core/lobby"
	"github.com/p2pgo/p2pgo_core/net_service"
	"github.com/p2pgo/p2pgo_core/rules"
	"github.com/p2pgo/p2pgo_core/ticket"
)

var quiet = &log.Logger{Level: log.ErrorLevel}

// fakeNetwork links nodes by id hash over in-memory pipes.
type fakeNetwork struct {
	mtx   sync.Mutex
	nodes map[string]*fakeNet
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{nodes: make(map[string]*fakeNet)}
}

type fakeNet struct {
	network *fakeNetwork
	local   *identity.LocalIdentity
	url     *aurl.AURL
	inbound chan *net_service.Connection
}

func (n *fakeNetwork) attach(local *identity.LocalIdentity) *fakeNet {
	result := &fakeNet{
		network: n,
		local:   local,
		url:     aurl.New(aurl.SchemePeer, local.IDHash(), []*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1), Port: 1}}),
		inbound: make(chan *net_service.Connection, 8),
	}
	n.mtx.Lock()
	n.nodes[local.IDHash()] = result
	n.mtx.Unlock()
	return result
}

func (f *fakeNet) ListenAndServe(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (f *fakeNet) ServeRelay(ctx context.Context, relay_addr *net.UDPAddr) error {
	<-ctx.Done()
	return nil
}
func (f *fakeNet) Inbound() <-chan *net_service.Connection { return f.inbound }
func (f *fakeNet) LocalAURL() *aurl.AURL                   { return f.url }
func (f *fakeNet) RelayAURL() *aurl.AURL                   { return nil }

func (f *fakeNet) Connect(ctx context.Context, t *ticket.Ticket) (*net_service.Connection, error) {
	f.network.mtx.Lock()
	target := f.network.nodes[t.IDHash()]
	f.network.mtx.Unlock()
	if target == nil {
		return nil, errors.New("no route")
	}
	a, b := net.Pipe()
	out := net_service.NewAuthenticatedConnection(net_service.Direct, target.local.Remote(), a)
	in := net_service.NewAuthenticatedConnection(net_service.Direct, f.local.Remote(), b)
	select {
	case target.inbound <- in:
		return out, nil
	default:
		return nil, errors.New("peer not accepting")
	}
}

type node struct {
	host    *Host
	local   *identity.LocalIdentity
	journal *archive.Journal
	dir     string

	cancel    context.CancelFunc
	done      chan error
	stop_once sync.Once
}

func newIdentity(t *testing.T) *identity.LocalIdentity {
	t.Helper()
	result, err := identity.GenerateLocalIdentity()
	require.NoError(t, err)
	return result
}

func startNode(t *testing.T, network *fakeNetwork, local *identity.LocalIdentity, dir string, boards ...lobby.Board) *node {
	t.Helper()
	journal, err := archive.OpenJournal(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	result := startNodeWith(t, network, local, dir, journal, boards...)
	result.journal = journal
	return result
}

// startNodeWith starts a node on the given journal, which may be nil.
func startNodeWith(t *testing.T, network *fakeNetwork, local *identity.LocalIdentity, dir string, journal interfaces.IJournal, boards ...lobby.Board) *node {
	t.Helper()
	sink, err := archive.NewFileSink(filepath.Join(dir, "games"))
	require.NoError(t, err)

	netserv := network.attach(local)
	deps := channel.Deps{
		Local:     local,
		Validator: rules.Rules{},
		Scorer:    rules.AreaScorer{Komi: 6.5},
		Sink:      sink,
		Journal:   journal,
		Config: channel.Config{
			AckTimeout:        50 * time.Millisecond,
			ReconnectWindow:   5 * time.Second,
			ConsensusTimeout:  3 * time.Second,
			HeartbeatInterval: time.Second,
			Linger:            100 * time.Millisecond,
		},
		Logger: quiet,
	}
	conf := Config{Lobby: lobby.Config{OpenTimeout: 500 * time.Millisecond}}

	ctx, cancel := context.WithCancel(context.Background())
	result := &node{
		host:   NewHost(netserv, netserv, deps, conf, boards...),
		local:  local,
		dir:    dir,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { result.done <- result.host.ListenAndServe(ctx) }()
	t.Cleanup(result.stop)
	return result
}

func (n *node) stop() {
	n.stop_once.Do(func() {
		n.cancel()
		<-n.done
		if n.journal != nil {
			n.journal.Close()
		}
	})
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitEvent[E any](t *testing.T, c *channel.Channel) E {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				var zero E
				t.Fatalf("event stream closed while waiting for %T", zero)
			}
			if e, ok := ev.(E); ok {
				return e
			}
		case <-timeout:
			var zero E
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

func records(t *testing.T, c *channel.Channel) []ledger.MoveRecord {
	t.Helper()
	s, err := c.Snapshot(ctxT(t))
	require.NoError(t, err)
	return s.Records
}

func waitLen(t *testing.T, c *channel.Channel, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(records(t, c)) >= n
	}, 10*time.Second, 10*time.Millisecond)
}

func nextSession(t *testing.T, h *Host) *channel.Channel {
	t.Helper()
	select {
	case c := <-h.Sessions():
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no session started")
		return nil
	}
}

func TestJoinAdvertisedGame(t *testing.T) {
	network := newFakeNetwork()
	board := lobby.NewMemoryBoard()
	a := startNode(t, network, newIdentity(t), t.TempDir(), board)
	b := startNode(t, network, newIdentity(t), t.TempDir(), board)
	ctx := ctxT(t)

	tk, err := a.host.Advertise(ctx, 9)
	require.NoError(t, err)

	var found *ticket.Ticket
	select {
	case found = <-b.host.Discover(ctx):
	case <-ctx.Done():
		t.Fatal("ticket not discovered")
	}
	assert.Equal(t, tk.GameID, found.GameID)

	bc, err := b.host.Join(ctx, found)
	require.NoError(t, err)
	ac := nextSession(t, a.host)
	assert.Equal(t, 0, ac.LocalIndex())
	assert.Equal(t, 1, bc.LocalIndex())
	assert.Equal(t, b.local.IDHash(), ac.Peer().IDHash())

	_, open := a.host.Lobby().Lookup(tk.GameID)
	assert.False(t, open)
	_, err = b.host.Join(ctx, found)
	assert.ErrorIs(t, err, ErrAlreadyPlaying)

	waitLen(t, bc, 1)
	_, err = ac.SubmitMove(ctx, rules.PlaceMove(2, 2))
	require.NoError(t, err)
	waitLen(t, bc, 2)

	// the game is taken
	c := startNode(t, network, newIdentity(t), t.TempDir())
	_, err = c.host.Join(ctx, tk)
	assert.ErrorIs(t, err, ticket.ErrExpired)

	session, ok := a.host.Session(tk.GameID)
	require.True(t, ok)
	assert.Same(t, ac, session)
	assert.Len(t, a.host.ListSessions(), 1)
}

func TestOpenIsDeclined(t *testing.T) {
	network := newFakeNetwork()
	a := startNode(t, network, newIdentity(t), t.TempDir())
	b := startNode(t, network, newIdentity(t), t.TempDir())
	ctx := ctxT(t)

	unknown := ticket.New(a.local.PublicKey(), a.host.netService.LocalAURL(), nil, uuid.New(), 9, time.Now().Add(time.Minute))
	_, err := b.host.Join(ctx, unknown)
	assert.ErrorIs(t, err, ticket.ErrExpired)

	_, err = b.host.Lobby().Resume(ctx, &interfaces.SuspendedSession{
		GameID: unknown.GameID,
		Role:   interfaces.RoleJoiner,
		Ticket: unknown.String(),
	})
	assert.ErrorIs(t, err, ticket.ErrExpired)

	gone := startNode(t, network, newIdentity(t), t.TempDir())
	stale := ticket.New(gone.local.PublicKey(), gone.host.netService.LocalAURL(), nil, uuid.New(), 9, time.Now().Add(time.Minute))
	network.mtx.Lock()
	delete(network.nodes, gone.local.IDHash())
	network.mtx.Unlock()
	_, err = a.host.Join(ctx, stale)
	assert.ErrorIs(t, err, ticket.ErrUnreachable)
}

func TestStrangerCannotResume(t *testing.T) {
	network := newFakeNetwork()
	a := startNode(t, network, newIdentity(t), t.TempDir())
	b := startNode(t, network, newIdentity(t), t.TempDir())
	c := startNode(t, network, newIdentity(t), t.TempDir())
	ctx := ctxT(t)

	tk, err := a.host.Advertise(ctx, 9)
	require.NoError(t, err)
	_, err = b.host.Join(ctx, tk)
	require.NoError(t, err)
	nextSession(t, a.host)

	_, err = c.host.Lobby().Resume(ctx, &interfaces.SuspendedSession{
		GameID: tk.GameID,
		Role:   interfaces.RoleJoiner,
		Ticket: tk.String(),
	})
	assert.ErrorIs(t, err, ticket.ErrExpired)
}

func TestHostRestartResumesSession(t *testing.T) {
	network := newFakeNetwork()
	host_id := newIdentity(t)
	host_dir := t.TempDir()
	a := startNode(t, network, host_id, host_dir)
	b := startNode(t, network, newIdentity(t), t.TempDir())
	ctx := ctxT(t)

	tk, err := a.host.Advertise(ctx, 9)
	require.NoError(t, err)
	bc, err := b.host.Join(ctx, tk)
	require.NoError(t, err)
	ac := nextSession(t, a.host)
	waitLen(t, bc, 1)
	_, err = ac.SubmitMove(ctx, rules.PlaceMove(4, 4))
	require.NoError(t, err)
	waitLen(t, bc, 2)

	// stopping the host journals its session
	a.stop()
	waitEvent[*interfaces.EPeerDisconnected](t, bc)

	a2 := startNode(t, network, host_id, host_dir)
	restored, err := a2.host.Resume(ctx)
	require.NoError(t, err)
	if len(restored) == 0 {
		// the joiner came back first and the session was restored on its open
		require.Eventually(t, func() bool {
			_, ok := a2.host.Session(tk.GameID)
			return ok
		}, 5*time.Second, 10*time.Millisecond)
	}
	waitEvent[*interfaces.EPeerReconnected](t, bc)

	ac2, ok := a2.host.Session(tk.GameID)
	require.True(t, ok)
	waitLen(t, ac2, 2)

	_, err = bc.SubmitMove(ctx, rules.PlaceMove(3, 3))
	require.NoError(t, err)
	waitLen(t, ac2, 3)
	assert.Equal(t, records(t, bc)[2].RecordHash, records(t, ac2)[2].RecordHash)
}

func TestHostWithoutJournal(t *testing.T) {
	network := newFakeNetwork()
	a := startNodeWith(t, network, newIdentity(t), t.TempDir(), nil)
	b := startNode(t, network, newIdentity(t), t.TempDir())
	ctx := ctxT(t)

	restored, err := a.host.Resume(ctx)
	require.NoError(t, err)
	assert.Empty(t, restored)

	// a resume for a game the node is not running is declined, not fatal
	unknown := ticket.New(a.local.PublicKey(), a.host.netService.LocalAURL(), nil, uuid.New(), 9, time.Now().Add(time.Minute))
	_, err = b.host.Lobby().Resume(ctx, &interfaces.SuspendedSession{
		GameID: unknown.GameID,
		Role:   interfaces.RoleJoiner,
		Ticket: unknown.String(),
	})
	assert.ErrorIs(t, err, ticket.ErrExpired)

	tk, err := a.host.Advertise(ctx, 9)
	require.NoError(t, err)
	bc, err := b.host.Join(ctx, tk)
	require.NoError(t, err)
	nextSession(t, a.host)
	waitLen(t, bc, 1)
}

func TestSessionResolver(t *testing.T) {
	r := NewSessionResolver()
	_, ok := r.Lookup(uuid.New())
	assert.False(t, ok)
	assert.Empty(t, r.List())
}
