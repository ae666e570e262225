package net_service

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/quic-go/quic-go"

	"github.com/p2pgo/p2pgo_core/ahmp"
	"github.com/p2pgo/p2pgo_core/aurl"
	"github.com/p2pgo/p2pgo_core/ticket"
)

func (s *NetService) dialRelay(ctx context.Context, relay_addr *net.UDPAddr) (quic.Connection, error) {
	return s.quicTransport.Dial(ctx, relay_addr, ClientTlsConf(s.tlsConf, NextProtoRelay), s.quicConf)
}

// ServeRelay registers this peer at a relay node and accepts relayed
// streams until the relay connection ends. The caller re-invokes it to
// re-register.
func (s *NetService) ServeRelay(ctx context.Context, relay_addr *net.UDPAddr) error {
	connection, err := s.dialRelay(ctx, relay_addr)
	if err != nil {
		return classify(Relayed, err)
	}
	defer connection.CloseWithError(0, "relay registration ended")

	stream, err := connection.OpenStreamSync(ctx)
	if err != nil {
		return classify(Relayed, err)
	}
	control := NewConnection(Relayed, newQuicStream(stream, connection, false))
	reg, err := ahmp.EncodeREG(&ahmp.REG{IDHash: s.localIdentity.IDHash()})
	if err != nil {
		return err
	}
	if err := control.Send(reg); err != nil {
		return classify(Relayed, err)
	}
	if _, err := receiveAs[ahmp.RGK](control); err != nil {
		return classify(Relayed, err)
	}

	s.setRelayAURL(aurl.New(aurl.SchemeRelay, s.localIdentity.IDHash(), []*net.UDPAddr{relay_addr}))
	defer s.setRelayAURL(nil)
	s.logger.Info().Str("relay", relay_addr.String()).Msg("registered at relay")

	for {
		relayed, err := connection.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return classify(Relayed, err)
		}
		go s.prepareRelayedInbound(ctx, relayed, connection)
	}
}

func (s *NetService) prepareRelayedInbound(ctx context.Context, stream quic.Stream, connection quic.Connection) {
	result := NewConnection(Relayed, newQuicStream(stream, connection, false))
	if _, err := receiveAs[ahmp.INC](result); err != nil {
		result.Close()
		return
	}
	if err := Handshake(ctx, result, s.localIdentity, nil, false); err != nil {
		s.logger.Warn().Err(err).Msg("relayed inbound handshake failed")
		result.Close()
		return
	}
	s.pushInbound(ctx, result)
}

// DialRelayed reaches the ticket's peer through the relay named in the
// ticket's relay hint.
func (s *NetService) DialRelayed(ctx context.Context, t *ticket.Ticket) (*Connection, error) {
	relay_url, ok, err := t.RelayURL()
	if err != nil {
		return nil, &TransportError{Code: Unreachable, Kind: Relayed, Err: err}
	}
	if !ok {
		return nil, &TransportError{Code: Unreachable, Kind: Relayed, Err: errors.New("no relay hint")}
	}
	expected, err := t.Remote()
	if err != nil {
		return nil, &TransportError{Code: Unreachable, Kind: Relayed, Err: err}
	}

	connection, err := s.dialRelay(ctx, relay_url.Addresses()[0])
	if err != nil {
		return nil, classify(Relayed, err)
	}
	stream, err := connection.OpenStreamSync(ctx)
	if err != nil {
		connection.CloseWithError(0, err.Error())
		return nil, classify(Relayed, err)
	}
	result := NewConnection(Relayed, newQuicStream(stream, connection, true))

	if err := s.requestSplice(result, relay_url.Hash()); err != nil {
		result.Close()
		return nil, classify(Relayed, err)
	}
	if err := Handshake(ctx, result, s.localIdentity, expected, true); err != nil {
		result.Close()
		return nil, err
	}
	return result, nil
}

func (s *NetService) requestSplice(c *Connection, target string) error {
	dial, err := ahmp.EncodeDIA(&ahmp.DIA{Target: target})
	if err != nil {
		return err
	}
	if err := c.Send(dial); err != nil {
		return err
	}
	data, err := c.Receive()
	if err != nil {
		return err
	}
	msg, err := ahmp.Decode(data)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *ahmp.DOK:
		return nil
	case *ahmp.DDN:
		return &TransportError{Code: Unreachable, Kind: Relayed, Err: errors.New("relay refused (" + strconv.Itoa(m.Code) + "): " + m.Text)}
	default:
		return &TransportError{Code: Unreachable, Kind: Relayed, Err: errors.New("unexpected relay reply")}
	}
}
