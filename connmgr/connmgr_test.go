package connmgr

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pgo/p2pgo_core/aurl"
	"github.com/p2pgo/p2pgo_core/identity"
	"github.com/p2pgo/p2pgo_core/net_service"
	"github.com/p2pgo/p2pgo_core/ticket"
)

type fakeClock struct {
	mtx sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mtx.Lock()
	c.now = c.now.Add(d)
	c.mtx.Unlock()
}

type fakeDialer struct {
	direct  atomic.Int32
	relayed atomic.Int32

	mtx     sync.Mutex
	fail    bool
	gate    chan struct{} //when set, DialDirect waits on it
	entered chan struct{}
}

func (d *fakeDialer) setFail(fail bool) {
	d.mtx.Lock()
	d.fail = fail
	d.mtx.Unlock()
}

func (d *fakeDialer) DialDirect(ctx context.Context, t *ticket.Ticket) (*net_service.Connection, error) {
	d.direct.Add(1)
	d.mtx.Lock()
	gate, entered, fail := d.gate, d.entered, d.fail
	d.mtx.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if fail {
		return nil, &net_service.TransportError{Code: net_service.Unreachable, Kind: net_service.Direct}
	}
	a, _ := net.Pipe()
	return net_service.NewConnection(net_service.Direct, a), nil
}

func (d *fakeDialer) DialRelayed(ctx context.Context, t *ticket.Ticket) (*net_service.Connection, error) {
	d.relayed.Add(1)
	return nil, &net_service.TransportError{Code: net_service.Unreachable, Kind: net_service.Relayed}
}

func newTicket(t *testing.T, with_relay bool) *ticket.Ticket {
	t.Helper()
	peer, err := identity.GenerateLocalIdentity()
	require.NoError(t, err)
	addrs := []*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1), Port: 9}}
	var relay *aurl.AURL
	if with_relay {
		relay = aurl.New(aurl.SchemeRelay, peer.IDHash(), addrs)
	}
	return ticket.New(peer.PublicKey(), aurl.New(aurl.SchemePeer, peer.IDHash(), addrs), relay, uuid.New(), 9, time.Now().Add(time.Hour))
}

func testConfig() Config {
	conf := DefaultConfig()
	conf.RetryAttempts = 1
	return conf
}

var quiet = &log.Logger{Level: log.ErrorLevel}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	clock := newFakeClock()
	m := NewWithClock(dialer, testConfig(), clock, quiet)
	defer m.Close()
	tk := newTicket(t, false)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := m.Connect(ctx, tk)
		require.Error(t, err)
		assert.ErrorIs(t, err, net_service.ErrUnreachable)
		if i < 5 {
			assert.NotErrorIs(t, err, ErrCircuitOpen, "attempt %d", i)
			assert.Equal(t, Disconnected, m.State(tk.IDHash()))
		}
	}
	assert.Equal(t, CircuitOpen, m.State(tk.IDHash()))
	require.Equal(t, int32(5), dialer.direct.Load())

	_, err := m.Connect(ctx, tk)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(5), dialer.direct.Load(), "open breaker must not dial")
}

func TestFailuresOutsideWindowDoNotTrip(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	clock := newFakeClock()
	m := NewWithClock(dialer, testConfig(), clock, quiet)
	defer m.Close()
	tk := newTicket(t, false)

	for i := 0; i < 8; i++ {
		_, err := m.Connect(context.Background(), tk)
		require.Error(t, err)
		clock.Advance(time.Minute)
	}
	status, err := m.Status(tk.IDHash())
	require.NoError(t, err)
	assert.Equal(t, Disconnected, status.State)
	assert.LessOrEqual(t, status.Failures, 2)
}

func TestHalfOpenAllowsSingleProbe(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	clock := newFakeClock()
	m := NewWithClock(dialer, testConfig(), clock, quiet)
	defer m.Close()
	tk := newTicket(t, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = m.Connect(ctx, tk)
	}
	require.Equal(t, CircuitOpen, m.State(tk.IDHash()))

	clock.Advance(29 * time.Second)
	_, err := m.Connect(ctx, tk)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(time.Second)
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	dialer.mtx.Lock()
	dialer.gate, dialer.entered = gate, entered
	dialer.mtx.Unlock()

	probe_err := make(chan error, 1)
	go func() {
		_, err := m.Connect(ctx, tk)
		probe_err <- err
	}()
	<-entered

	// a second caller during the probe fails fast
	_, err = m.Connect(ctx, tk)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(6), dialer.direct.Load())

	close(gate)
	assert.ErrorIs(t, <-probe_err, ErrCircuitOpen)

	status, err := m.Status(tk.IDHash())
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, status.State)
	assert.Equal(t, 60*time.Second, status.Cooldown)
	assert.Equal(t, 2, status.Trips)

	// successful probe closes the breaker
	dialer.mtx.Lock()
	dialer.gate, dialer.entered = nil, nil
	dialer.mtx.Unlock()
	dialer.setFail(false)
	clock.Advance(60 * time.Second)
	conn, err := m.Connect(ctx, tk)
	require.NoError(t, err)
	conn.Close()
	status, err = m.Status(tk.IDHash())
	require.NoError(t, err)
	assert.Equal(t, ConnectedDirect, status.State)
	assert.Equal(t, 0, status.Trips)
}

func TestConcurrentFailuresKeepBreakerOpen(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	m := NewWithClock(dialer, testConfig(), newFakeClock(), quiet)
	defer m.Close()
	tk := newTicket(t, false)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = m.Connect(ctx, tk)
	}

	// both attempts are admitted before either reports
	gate := make(chan struct{})
	entered := make(chan struct{}, 2)
	dialer.mtx.Lock()
	dialer.gate, dialer.entered = gate, entered
	dialer.mtx.Unlock()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.Connect(ctx, tk)
			errs <- err
		}()
	}
	<-entered
	<-entered
	close(gate)
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errs, ErrCircuitOpen)
	}

	status, err := m.Status(tk.IDHash())
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, status.State)
	assert.Equal(t, 1, status.Trips)

	dialer.mtx.Lock()
	dialer.gate, dialer.entered = nil, nil
	dialer.mtx.Unlock()
	_, err = m.Connect(ctx, tk)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(6), dialer.direct.Load(), "open breaker must not dial")
}

func TestCooldownIsCapped(t *testing.T) {
	conf := testConfig()
	conf.MaxCooldown = 90 * time.Second
	dialer := &fakeDialer{fail: true}
	clock := newFakeClock()
	m := NewWithClock(dialer, conf, clock, quiet)
	defer m.Close()
	tk := newTicket(t, false)

	for i := 0; i < 5; i++ {
		_, _ = m.Connect(context.Background(), tk)
	}
	for _, want := range []time.Duration{60 * time.Second, 90 * time.Second, 90 * time.Second} {
		status, _ := m.Status(tk.IDHash())
		clock.Advance(status.Cooldown)
		_, err := m.Connect(context.Background(), tk)
		require.ErrorIs(t, err, ErrCircuitOpen)
		status, _ = m.Status(tk.IDHash())
		assert.Equal(t, want, status.Cooldown)
	}
}

func TestRelayFallbackCountsAsOneAttempt(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	m := NewWithClock(dialer, testConfig(), newFakeClock(), quiet)
	defer m.Close()

	with_relay := newTicket(t, true)
	_, err := m.Connect(context.Background(), with_relay)
	require.Error(t, err)
	assert.Equal(t, int32(1), dialer.direct.Load())
	assert.Equal(t, int32(1), dialer.relayed.Load())

	status, err := m.Status(with_relay.IDHash())
	require.NoError(t, err)
	assert.Equal(t, 1, status.Failures)

	without := newTicket(t, false)
	_, _ = m.Connect(context.Background(), without)
	assert.Equal(t, int32(1), dialer.relayed.Load())
}

func TestRetriesWithinOneConnect(t *testing.T) {
	conf := DefaultConfig()
	conf.RetryAttempts = 3
	dialer := &fakeDialer{fail: true}
	m := NewWithClock(dialer, conf, newFakeClock(), quiet)
	defer m.Close()
	tk := newTicket(t, false)

	_, err := m.Connect(context.Background(), tk)
	require.Error(t, err)
	assert.Equal(t, int32(3), dialer.direct.Load())

	_, err = m.Connect(context.Background(), tk)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(5), dialer.direct.Load())
}

func TestMarkDisconnected(t *testing.T) {
	m := NewWithClock(&fakeDialer{}, testConfig(), newFakeClock(), quiet)
	defer m.Close()
	tk := newTicket(t, false)

	conn, err := m.Connect(context.Background(), tk)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, ConnectedDirect, m.State(tk.IDHash()))

	m.MarkDisconnected(tk.IDHash())
	assert.Equal(t, Disconnected, m.State(tk.IDHash()))
}

func TestClosedManager(t *testing.T) {
	m := New(&fakeDialer{}, testConfig(), quiet)
	require.NoError(t, m.Close())
	_, err := m.Connect(context.Background(), newTicket(t, false))
	assert.ErrorIs(t, err, ErrClosed)
}
