package connmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/p2pgo/p2pgo_core/net_service"
	"github.com/p2pgo/p2pgo_core/ticket"
)

// Dialer is the transport half the manager drives.
type Dialer interface {
	DialDirect(ctx context.Context, t *ticket.Ticket) (*net_service.Connection, error)
	DialRelayed(ctx context.Context, t *ticket.Ticket) (*net_service.Connection, error)
}

type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`

	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInitial  time.Duration `yaml:"retry_initial"`
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`

	DialTimeout time.Duration `yaml:"dial_timeout"` //per transport kind
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    2 * time.Minute,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,

		RetryAttempts: 3,
		RetryInitial:  500 * time.Millisecond,
		RetryMaxDelay: 10 * time.Second,

		DialTimeout: 10 * time.Second,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = d.MaxCooldown
		if c.MaxCooldown < c.Cooldown {
			c.MaxCooldown = c.Cooldown
		}
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = d.RetryInitial
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Manager owns the per-peer breakers. All breaker state lives in one
// goroutine; the exported methods are requests into it.
type Manager struct {
	dialer Dialer
	conf   Config
	clock  retry.Clock
	logger *log.Logger

	t        tomb.Tomb
	requests chan any
}

type admitReq struct {
	peer  string
	reply chan admission
}
type reportReq struct {
	peer    string
	kind    net_service.Kind
	err     error
	aborted bool
	probe   bool
	reply   chan bool
}
type statusReq struct {
	peer  string
	reply chan PeerStatus
}
type snapshotReq struct {
	reply chan map[string]PeerStatus
}
type disconnectReq struct {
	peer string
}

func New(dialer Dialer, conf Config, logger *log.Logger) *Manager {
	return NewWithClock(dialer, conf, realClock{}, logger)
}

// NewWithClock lets tests drive cooldowns and backoff with a fake clock.
func NewWithClock(dialer Dialer, conf Config, clock retry.Clock, logger *log.Logger) *Manager {
	conf.fillDefaults()
	result := new(Manager)
	result.dialer = dialer
	result.conf = conf
	result.clock = clock
	result.logger = logger
	result.requests = make(chan any)
	result.t.Go(result.loop)
	return result
}

func (m *Manager) Close() error {
	m.t.Kill(nil)
	return m.t.Wait()
}

func (m *Manager) loop() error {
	breakers := make(map[string]*breaker)
	get := func(peer string) *breaker {
		b, ok := breakers[peer]
		if !ok {
			b = &breaker{state: Disconnected}
			breakers[peer] = b
		}
		return b
	}

	for {
		select {
		case <-m.t.Dying():
			return nil
		case req := <-m.requests:
			switch r := req.(type) {
			case *admitReq:
				r.reply <- get(r.peer).admit(m.clock.Now())
			case *reportReq:
				b := get(r.peer)
				switch {
				case r.aborted:
					b.abort(r.probe)
					r.reply <- b.state == CircuitOpen
				case r.err == nil:
					b.succeed(r.kind)
					r.reply <- false
				default:
					was_open := b.state == CircuitOpen
					opened := b.fail(m.clock.Now(), &m.conf, r.probe)
					if opened && !was_open {
						m.logger.Warn().Str("peer", r.peer).Dur("cooldown", b.cooldown).Msg("circuit opened")
					}
					r.reply <- opened
				}
			case *statusReq:
				r.reply <- get(r.peer).status()
			case *snapshotReq:
				result := make(map[string]PeerStatus, len(breakers))
				for peer, b := range breakers {
					result[peer] = b.status()
				}
				r.reply <- result
			case *disconnectReq:
				b := get(r.peer)
				if b.state == ConnectedDirect || b.state == ConnectedRelayed {
					b.state = Disconnected
				}
			}
		}
	}
}

// call sends req and, when reply is non-nil, waits for the answer.
func call[R any](ctx context.Context, m *Manager, req any, reply chan R) (R, error) {
	var zero R
	select {
	case m.requests <- req:
	case <-m.t.Dying():
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-m.t.Dying():
		return zero, ErrClosed
	}
}

func (m *Manager) State(peer string) ConnectionState {
	s, err := m.Status(peer)
	if err != nil {
		return Disconnected
	}
	return s.State
}

func (m *Manager) Status(peer string) (PeerStatus, error) {
	reply := make(chan PeerStatus, 1)
	return call(context.Background(), m, &statusReq{peer, reply}, reply)
}

func (m *Manager) Snapshot() (map[string]PeerStatus, error) {
	reply := make(chan map[string]PeerStatus, 1)
	return call(context.Background(), m, &snapshotReq{reply}, reply)
}

// MarkDisconnected is called by the owner of a connection when it drops.
func (m *Manager) MarkDisconnected(peer string) {
	select {
	case m.requests <- &disconnectReq{peer}:
	case <-m.t.Dying():
	}
}

// Connect reaches the ticket's peer, direct first and then through the
// relay hint. Each attempt that fails both counts as one breaker failure.
// Attempts are retried with jittered exponential backoff until the
// breaker opens; once open, Connect fails fast with ErrCircuitOpen until
// the cooldown elapses, after which exactly one caller gets a probe.
func (m *Manager) Connect(ctx context.Context, t *ticket.Ticket) (*net_service.Connection, error) {
	peer := t.IDHash()
	strategy := retry.LimitCount(m.conf.RetryAttempts, retry.Exponential{
		Initial:  m.conf.RetryInitial,
		Factor:   2,
		MaxDelay: m.conf.RetryMaxDelay,
		Jitter:   true,
	})

	var last_err error
	for attempt := retry.StartWithCancel(strategy, m.clock, ctx.Done()); attempt.Next(); {
		admit_reply := make(chan admission, 1)
		adm, err := call(ctx, m, &admitReq{peer, admit_reply}, admit_reply)
		if err != nil {
			return nil, err
		}
		if adm == admitRefused {
			if last_err != nil {
				return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, last_err)
			}
			return nil, ErrCircuitOpen
		}

		conn, kind, err := m.attempt(ctx, t)
		report_reply := make(chan bool, 1)
		opened, rerr := call(context.Background(), m, &reportReq{
			peer:    peer,
			kind:    kind,
			err:     err,
			aborted: err != nil && ctx.Err() != nil,
			probe:   adm == admitProbe,
			reply:   report_reply,
		}, report_reply)
		if rerr != nil {
			if conn != nil {
				conn.Close()
			}
			return nil, rerr
		}
		if err == nil {
			m.logger.Info().Str("peer", peer).Stringer("kind", kind).Msg("connected")
			return conn, nil
		}
		last_err = err
		m.logger.Debug().Str("peer", peer).Err(err).Msg("connect attempt failed")

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if opened {
			return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
		if adm == admitProbe {
			break
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, last_err
}

// attempt is one connection attempt: every transport kind in order.
func (m *Manager) attempt(ctx context.Context, t *ticket.Ticket) (*net_service.Connection, net_service.Kind, error) {
	var errs []error
	for _, kind := range []net_service.Kind{net_service.Direct, net_service.Relayed} {
		var conn *net_service.Connection
		var err error

		dial_ctx, cancel := context.WithTimeout(ctx, m.conf.DialTimeout)
		switch kind {
		case net_service.Direct:
			conn, err = m.dialer.DialDirect(dial_ctx, t)
		case net_service.Relayed:
			if !t.HasRelay() {
				cancel()
				continue
			}
			conn, err = m.dialer.DialRelayed(dial_ctx, t)
		}
		cancel()

		if err == nil {
			return conn, kind, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, 0, errors.Join(errs...)
}
