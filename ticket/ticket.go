package ticket

import (
	"errors"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/p2pgo/p2pgo_core/aurl"
	"github.com/p2pgo/p2pgo_core/identity"
)

const (
	Version uint8 = 1
	Prefix        = "p2pgo-ticket:"

	DefaultTTL = 10 * time.Minute
)

// Ticket is the shareable join token for one advertised game. Its text
// form is Prefix + base58(cbor).
type Ticket struct {
	_         struct{} `cbor:",toarray"`
	Version   uint8
	PeerKey   []byte //ed25519 public key of the advertiser
	Peer      string //p2pgo: URL with direct address candidates
	Relay     string //relay: URL, empty when no relay is configured
	GameID    uuid.UUID
	BoardSize uint8
	ExpiresAt int64 //unix seconds
}

func New(public_key []byte, peer *aurl.AURL, relay *aurl.AURL, game_id uuid.UUID, board_size int, expires_at time.Time) *Ticket {
	result := new(Ticket)
	result.Version = Version
	result.PeerKey = append([]byte(nil), public_key...)
	result.Peer = peer.ToString()
	if relay != nil {
		result.Relay = relay.ToString()
	}
	result.GameID = game_id
	result.BoardSize = uint8(board_size)
	result.ExpiresAt = expires_at.Unix()
	return result
}

func (t *Ticket) String() string {
	data, err := cbor.Marshal(t)
	if err != nil {
		return ""
	}
	return Prefix + base58.Encode(data)
}

// Parse decodes and structurally checks a ticket. Expiry is checked
// separately by Validate.
func Parse(raw string) (*Ticket, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(raw), Prefix)
	if !ok {
		return nil, &TicketError{Code: Malformed, Err: errors.New("missing prefix")}
	}
	data := base58.Decode(body)
	if len(data) == 0 {
		return nil, &TicketError{Code: Malformed, Err: errors.New("invalid base58")}
	}

	result := new(Ticket)
	if err := cbor.Unmarshal(data, result); err != nil {
		return nil, &TicketError{Code: Malformed, Err: err}
	}
	if err := result.check(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *Ticket) check() error {
	if t.Version != Version {
		return &TicketError{Code: Malformed, Err: errors.New("unsupported version")}
	}
	if t.GameID == uuid.Nil {
		return &TicketError{Code: Malformed, Err: errors.New("missing game id")}
	}
	remote, err := t.Remote()
	if err != nil {
		return err
	}
	peer, err := t.PeerURL()
	if err != nil {
		return err
	}
	if peer.Hash() != remote.IDHash() {
		return &TicketError{Code: Malformed, Err: errors.New("peer URL does not match key")}
	}
	if relay, ok, err := t.RelayURL(); err != nil {
		return err
	} else if ok && relay.Hash() != remote.IDHash() {
		return &TicketError{Code: Malformed, Err: errors.New("relay URL does not match key")}
	}
	return nil
}

func (t *Ticket) Validate(now time.Time) error {
	if now.Unix() >= t.ExpiresAt {
		return &TicketError{Code: Expired}
	}
	return nil
}

func (t *Ticket) Remote() (*identity.RemoteIdentity, error) {
	remote, err := identity.NewRemoteIdentity(t.PeerKey)
	if err != nil {
		return nil, &TicketError{Code: Malformed, Err: err}
	}
	return remote, nil
}

// IDHash is the advertiser's id hash, taken from the peer URL.
func (t *Ticket) IDHash() string {
	peer, err := aurl.ParseAURL(t.Peer)
	if err != nil {
		return ""
	}
	return peer.Hash()
}

func (t *Ticket) PeerURL() (*aurl.AURL, error) {
	peer, err := aurl.ParseAURL(t.Peer)
	if err != nil {
		return nil, &TicketError{Code: Malformed, Err: err}
	}
	if peer.Scheme() != aurl.SchemePeer {
		return nil, &TicketError{Code: Malformed, Err: errors.New("peer URL scheme mismatch")}
	}
	return peer, nil
}

func (t *Ticket) RelayURL() (*aurl.AURL, bool, error) {
	if t.Relay == "" {
		return nil, false, nil
	}
	relay, err := aurl.ParseAURL(t.Relay)
	if err != nil {
		return nil, false, &TicketError{Code: Malformed, Err: err}
	}
	if relay.Scheme() != aurl.SchemeRelay || len(relay.Addresses()) == 0 {
		return nil, false, &TicketError{Code: Malformed, Err: errors.New("relay URL has no address")}
	}
	return relay, true, nil
}

func (t *Ticket) HasRelay() bool {
	_, ok, err := t.RelayURL()
	return ok && err == nil
}

func (t *Ticket) Expiry() time.Time {
	return time.Unix(t.ExpiresAt, 0)
}

// Refreshed returns a copy with a new expiry, used when re-advertising.
func (t *Ticket) Refreshed(expires_at time.Time) *Ticket {
	result := *t
	result.PeerKey = append([]byte(nil), t.PeerKey...)
	result.ExpiresAt = expires_at.Unix()
	return &result
}
