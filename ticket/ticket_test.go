package ticket

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pgo/p2pgo_core/aurl"
	"github.com/p2pgo/p2pgo_core/identity"
)

func newTicket(t *testing.T, with_relay bool, expires time.Time) (*Ticket, *identity.LocalIdentity) {
	t.Helper()
	local, err := identity.GenerateLocalIdentity()
	require.NoError(t, err)
	peer := aurl.New(aurl.SchemePeer, local.IDHash(), []*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1), Port: 7000}})
	var relay *aurl.AURL
	if with_relay {
		relay = aurl.New(aurl.SchemeRelay, local.IDHash(), []*net.UDPAddr{{IP: net.IPv4(10, 0, 0, 1), Port: 4433}})
	}
	return New(local.PublicKey(), peer, relay, uuid.New(), 19, expires), local
}

func TestTicketTextRoundTrip(t *testing.T) {
	orig, local := newTicket(t, true, time.Now().Add(time.Hour))

	parsed, err := Parse(orig.String())
	require.NoError(t, err)
	assert.Equal(t, orig.GameID, parsed.GameID)
	assert.Equal(t, uint8(19), parsed.BoardSize)
	assert.Equal(t, local.IDHash(), parsed.IDHash())
	assert.True(t, parsed.HasRelay())
	require.NoError(t, parsed.Validate(time.Now()))

	remote, err := parsed.Remote()
	require.NoError(t, err)
	assert.Equal(t, local.IDHash(), remote.IDHash())
}

func TestTicketExpired(t *testing.T) {
	tk, _ := newTicket(t, false, time.Now().Add(-time.Second))
	parsed, err := Parse(tk.String())
	require.NoError(t, err)
	assert.ErrorIs(t, parsed.Validate(time.Now()), ErrExpired)

	refreshed := parsed.Refreshed(time.Now().Add(time.Minute))
	assert.NoError(t, refreshed.Validate(time.Now()))
	assert.ErrorIs(t, parsed.Validate(time.Now()), ErrExpired)
}

func TestTicketMalformed(t *testing.T) {
	tk, _ := newTicket(t, false, time.Now().Add(time.Hour))
	good := tk.String()

	for _, raw := range []string{
		"",
		"hello",
		Prefix,
		Prefix + "0OIl",
		Prefix + "3mJr7AoUXx2Wqd",
		good[:len(good)-6],
	} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}

	// key and URL from different identities
	other, _ := newTicket(t, false, time.Now().Add(time.Hour))
	tk.PeerKey = other.PeerKey
	_, err := Parse(tk.String())
	assert.ErrorIs(t, err, ErrMalformed)
}
