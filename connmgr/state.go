package connmgr

import (
	"errors"
	"time"

	"github.com/p2pgo/p2pgo_core/net_service"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	ConnectedDirect
	ConnectedRelayed
	CircuitOpen
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ConnectedDirect:
		return "connected(direct)"
	case ConnectedRelayed:
		return "connected(relayed)"
	case CircuitOpen:
		return "circuit-open"
	default:
		return "unknown"
	}
}

func connectedState(kind net_service.Kind) ConnectionState {
	switch kind {
	case net_service.Relayed:
		return ConnectedRelayed
	default:
		return ConnectedDirect
	}
}

var (
	ErrCircuitOpen = errors.New("connmgr: circuit open")
	ErrClosed      = errors.New("connmgr: manager closed")
)

// PeerStatus is a read-only view of one peer's breaker.
type PeerStatus struct {
	State     ConnectionState
	Failures  int           //consecutive failures inside the window
	Trips     int           //times the breaker has opened without an intervening success
	OpenUntil time.Time     //zero unless CircuitOpen
	Cooldown  time.Duration //current cooldown
}

// breaker is per-peer state; only the manager goroutine touches it.
type breaker struct {
	state      ConnectionState
	failures   []time.Time
	trips      int
	open_until time.Time
	cooldown   time.Duration
	probing    bool
}

func (b *breaker) status() PeerStatus {
	return PeerStatus{
		State:     b.state,
		Failures:  len(b.failures),
		Trips:     b.trips,
		OpenUntil: b.open_until,
		Cooldown:  b.cooldown,
	}
}

type admission int

const (
	admitNormal admission = iota
	admitProbe
	admitRefused
)

func (b *breaker) admit(now time.Time) admission {
	if b.state != CircuitOpen {
		b.state = Connecting
		return admitNormal
	}
	if now.Before(b.open_until) || b.probing {
		return admitRefused
	}
	b.probing = true
	return admitProbe
}

func (b *breaker) succeed(kind net_service.Kind) {
	b.state = connectedState(kind)
	b.failures = b.failures[:0]
	b.trips = 0
	b.cooldown = 0
	b.open_until = time.Time{}
	b.probing = false
}

// fail records one failed attempt; it returns true when the breaker is
// (still) open afterwards. Only the probe's outcome moves an open breaker;
// attempts admitted before it opened are stale.
func (b *breaker) fail(now time.Time, conf *Config, probe bool) bool {
	if b.state == CircuitOpen {
		if probe && b.probing {
			b.probing = false
			b.trip(now, conf)
		}
		return true
	}

	cutoff := now.Add(-conf.FailureWindow)
	kept := b.failures[:0]
	for _, at := range b.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= conf.FailureThreshold {
		b.trip(now, conf)
		return true
	}
	b.state = Disconnected
	return false
}

// trip opens the breaker; each consecutive trip doubles the cooldown.
func (b *breaker) trip(now time.Time, conf *Config) {
	if b.cooldown == 0 {
		b.cooldown = conf.Cooldown
	} else {
		b.cooldown *= 2
	}
	if b.cooldown > conf.MaxCooldown {
		b.cooldown = conf.MaxCooldown
	}
	b.trips++
	b.state = CircuitOpen
	b.open_until = now.Add(b.cooldown)
	b.failures = b.failures[:0]
}

// abort releases an attempt that ended without an outcome, e.g. cancellation.
func (b *breaker) abort(probe bool) {
	if probe {
		b.probing = false
	}
	if b.state == Connecting {
		b.state = Disconnected
	}
}
