package net_service

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"

	"github.com/p2pgo/p2pgo_core/identity"
)

type Kind int

const (
	Direct Kind = iota + 1
	Relayed
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Relayed:
		return "relayed"
	default:
		return "unknown"
	}
}

// Relay nodes are shared; frames crossing them are capped.
const MaxRelayedFrame = 64 * 1024

var (
	ErrClosed        = errors.New("connection closed")
	ErrFrameTooLarge = errors.New("frame exceeds relayed size limit")
	ErrUnknownKind   = errors.New("unknown connection kind")
)

// Connection is an authenticated, ordered, reliable frame pipe to one
// peer, either direct or through a relay.
type Connection struct {
	kind   Kind
	remote *identity.RemoteIdentity
	rwc    io.ReadWriteCloser

	decoder  *cbor.Decoder
	send_mtx sync.Mutex

	close_once sync.Once
	close_err  error
	done       chan struct{}
}

func NewConnection(kind Kind, rwc io.ReadWriteCloser) *Connection {
	result := new(Connection)
	result.kind = kind
	result.rwc = rwc
	result.decoder = cbor.NewDecoder(rwc)
	result.done = make(chan struct{})
	return result
}

// NewAuthenticatedConnection skips the handshake, for transports that
// authenticate elsewhere.
func NewAuthenticatedConnection(kind Kind, remote *identity.RemoteIdentity, rwc io.ReadWriteCloser) *Connection {
	result := NewConnection(kind, rwc)
	result.remote = remote
	return result
}

func (c *Connection) Kind() Kind {
	return c.kind
}

// Remote is nil until the handshake completes.
func (c *Connection) Remote() *identity.RemoteIdentity {
	return c.remote
}

func (c *Connection) Send(frame []byte) error {
	switch c.kind {
	case Direct:
	case Relayed:
		if len(frame) > MaxRelayedFrame {
			return ErrFrameTooLarge
		}
	default:
		return ErrUnknownKind
	}

	data, err := cbor.Marshal(frame)
	if err != nil {
		return err
	}

	c.send_mtx.Lock()
	defer c.send_mtx.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_, err = c.rwc.Write(data)
	return err
}

func (c *Connection) Receive() ([]byte, error) {
	var frame []byte
	if err := c.decoder.Decode(&frame); err != nil {
		select {
		case <-c.done:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}
	return frame, nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

func (c *Connection) SetDeadline(t time.Time) error {
	if d, ok := c.rwc.(deadliner); ok {
		return d.SetDeadline(t)
	}
	return nil
}

func (c *Connection) Close() error {
	c.close_once.Do(func() {
		close(c.done)
		c.close_err = c.rwc.Close()
	})
	return c.close_err
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Detach hands the raw byte stream over, including anything the frame
// decoder already buffered. The Connection must not be used afterwards.
func (c *Connection) Detach() io.ReadWriteCloser {
	return &detached{
		Reader: io.MultiReader(c.decoder.Buffered(), c.rwc),
		Writer: c.rwc,
		Closer: c.rwc,
	}
}

type detached struct {
	io.Reader
	io.Writer
	io.Closer
}

// quicStream closes its stream in both directions; own_conn also tears
// down the QUIC connection, for streams that had a connection to themselves.
type quicStream struct {
	quic.Stream
	conn     quic.Connection
	own_conn bool
}

func newQuicStream(stream quic.Stream, conn quic.Connection, own_conn bool) *quicStream {
	return &quicStream{Stream: stream, conn: conn, own_conn: own_conn}
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	err := s.Stream.Close()
	if s.own_conn {
		s.conn.CloseWithError(0, "closed")
	}
	return err
}

// WrapStream adapts a QUIC stream for NewConnection outside this package.
func WrapStream(stream quic.Stream, conn quic.Connection, own_conn bool) io.ReadWriteCloser {
	return newQuicStream(stream, conn, own_conn)
}
