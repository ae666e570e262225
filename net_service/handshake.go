package net_service

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/p2pgo/p2pgo_core/ahmp"
	"github.com/p2pgo/p2pgo_core/identity"
)

const HandshakeTimeout = 10 * time.Second

const handshakeContext = "p2pgo-handshake-v1"

var errLoopback = errors.New("connected to self")

func transcript(nonce []byte, signer_key []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(handshakeContext)
	buf.Write(nonce)
	buf.Write(signer_key)
	return buf.Bytes()
}

// Handshake proves key possession in both directions:
// initiator HEL, responder HEL, initiator PRF, responder PRF.
// Each PRF signs the other side's nonce. When expected is set the peer
// key must hash to it.
func Handshake(ctx context.Context, c *Connection, local *identity.LocalIdentity, expected *identity.RemoteIdentity, initiator bool) error {
	deadline := time.Now().Add(HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.SetDeadline(deadline)
	defer c.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { c.SetDeadline(time.Now()) })
	defer stop()

	err := handshake(c, local, expected, initiator)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &TransportError{Code: Timeout, Kind: c.kind, Err: ctx.Err()}
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		terr.Kind = c.kind
		return terr
	}
	if time.Now().After(deadline) {
		return &TransportError{Code: Timeout, Kind: c.kind, Err: err}
	}
	return &TransportError{Code: HandshakeFailed, Kind: c.kind, Err: err}
}

func handshake(c *Connection, local *identity.LocalIdentity, expected *identity.RemoteIdentity, initiator bool) error {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	hello, err := ahmp.EncodeHEL(&ahmp.HEL{PublicKey: local.PublicKey(), Nonce: nonce})
	if err != nil {
		return err
	}

	if initiator {
		if err := c.Send(hello); err != nil {
			return err
		}
	}
	peer_hello, err := receiveAs[ahmp.HEL](c)
	if err != nil {
		return err
	}
	remote, err := identity.NewRemoteIdentity(peer_hello.PublicKey)
	if err != nil {
		return failed(err)
	}
	if remote.IDHash() == local.IDHash() {
		return failed(errLoopback)
	}
	if expected != nil && remote.IDHash() != expected.IDHash() {
		return failed(errors.New("peer key does not match ticket"))
	}
	if !initiator {
		if err := c.Send(hello); err != nil {
			return err
		}
	}

	proof, err := ahmp.EncodePRF(&ahmp.PRF{Signature: local.Sign(transcript(peer_hello.Nonce, local.PublicKey()))})
	if err != nil {
		return err
	}
	if initiator {
		if err := c.Send(proof); err != nil {
			return err
		}
	}
	peer_proof, err := receiveAs[ahmp.PRF](c)
	if err != nil {
		return err
	}
	if !remote.ValidateSignature(transcript(nonce, remote.PublicKey()), peer_proof.Signature) {
		return failed(errors.New("invalid key proof"))
	}
	if !initiator {
		if err := c.Send(proof); err != nil {
			return err
		}
	}

	c.remote = remote
	return nil
}

func failed(err error) error {
	return &TransportError{Code: HandshakeFailed, Err: err}
}

// receiveAs reads one frame and requires it to be of type M.
func receiveAs[M any](c *Connection) (*M, error) {
	data, err := c.Receive()
	if err != nil {
		return nil, err
	}
	msg, err := ahmp.Decode(data)
	if err != nil {
		return nil, failed(err)
	}
	switch m := msg.(type) {
	case *M:
		return m, nil
	case *ahmp.INVAL:
		return nil, failed(m.Err)
	default:
		return nil, failed(errors.New("unexpected message"))
	}
}
