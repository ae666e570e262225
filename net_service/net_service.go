package net_service

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/phuslu/log"
	"github.com/quic-go/quic-go"

	"github.com/p2pgo/p2pgo_core/aurl"
	"github.com/p2pgo/p2pgo_core/identity"
	"github.com/p2pgo/p2pgo_core/ticket"
)

// NetService owns the local QUIC endpoint. Outbound dials return ready
// connections; inbound connections of both kinds arrive on Inbound().
type NetService struct {
	localIdentity   *identity.LocalIdentity
	addressSelector IAddressSelector

	udpConn       *net.UDPConn
	quicTransport *quic.Transport
	tlsConf       *tls.Config
	quicConf      *quic.Config

	local_aurl *aurl.AURL

	relay_aurl *aurl.AURL //set while registered at a relay
	relay_mtx  *sync.Mutex

	inboundCH chan *Connection
	logger    *log.Logger
}

func NewNetService(local_identity *identity.LocalIdentity, address_selector IAddressSelector, listen_port int, logger *log.Logger) (*NetService, error) {
	result := new(NetService)

	result.localIdentity = local_identity
	result.addressSelector = address_selector
	result.logger = logger

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: listen_port})
	if err != nil {
		return nil, err
	}
	result.udpConn = udpConn
	result.quicTransport = &quic.Transport{Conn: udpConn}
	if result.tlsConf, err = NewDefaultTlsConf(NextProtoP2PGo); err != nil {
		udpConn.Close()
		return nil, err
	}
	result.quicConf = NewDefaultQuicConf()

	local_port := udpConn.LocalAddr().(*net.UDPAddr).Port
	candidates := []*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1), Port: local_port}}
	if local_ip := getLocalIP(); !local_ip.IsLoopback() {
		candidates = append([]*net.UDPAddr{{IP: local_ip, Port: local_port}}, candidates...)
	}
	result.local_aurl = aurl.New(aurl.SchemePeer, local_identity.IDHash(), candidates)

	result.relay_mtx = new(sync.Mutex)
	result.inboundCH = make(chan *Connection, 8)

	return result, nil
}

func (s *NetService) LocalIdentity() *identity.LocalIdentity {
	return s.localIdentity
}

func (s *NetService) LocalAURL() *aurl.AURL {
	return s.local_aurl
}

// RelayAURL is nil unless a relay registration is live.
func (s *NetService) RelayAURL() *aurl.AURL {
	s.relay_mtx.Lock()
	defer s.relay_mtx.Unlock()
	return s.relay_aurl
}

func (s *NetService) setRelayAURL(u *aurl.AURL) {
	s.relay_mtx.Lock()
	s.relay_aurl = u
	s.relay_mtx.Unlock()
}

func (s *NetService) Inbound() <-chan *Connection {
	return s.inboundCH
}

func (s *NetService) ListenAndServe(ctx context.Context) error {
	listener, err := s.quicTransport.Listen(s.tlsConf, s.quicConf)
	if err != nil {
		return err
	}
	defer listener.Close()

	for {
		connection, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch connection.ConnectionState().TLS.NegotiatedProtocol {
		case NextProtoP2PGo:
			go s.prepareDirectInbound(ctx, connection)
		default:
			connection.CloseWithError(0, "unknown TLS ALPN protocol ID")
		}
	}
}

func (s *NetService) prepareDirectInbound(ctx context.Context, connection quic.Connection) {
	stream, err := connection.AcceptStream(ctx)
	if err != nil {
		connection.CloseWithError(0, err.Error())
		return
	}
	result := NewConnection(Direct, newQuicStream(stream, connection, true))
	if err := Handshake(ctx, result, s.localIdentity, nil, false); err != nil {
		s.logger.Warn().Str("remote", connection.RemoteAddr().String()).Err(err).Msg("inbound handshake failed")
		result.Close()
		return
	}
	s.pushInbound(ctx, result)
}

func (s *NetService) pushInbound(ctx context.Context, c *Connection) {
	select {
	case s.inboundCH <- c:
		s.logger.Debug().Str("peer", c.Remote().IDHash()).Stringer("kind", c.Kind()).Msg("inbound connection")
	case <-ctx.Done():
		c.Close()
	}
}

// DialDirect tries every usable address candidate of the ticket's peer
// URL in order and authenticates against the ticket key.
func (s *NetService) DialDirect(ctx context.Context, t *ticket.Ticket) (*Connection, error) {
	peer_url, err := t.PeerURL()
	if err != nil {
		return nil, &TransportError{Code: Unreachable, Kind: Direct, Err: err}
	}
	expected, err := t.Remote()
	if err != nil {
		return nil, &TransportError{Code: Unreachable, Kind: Direct, Err: err}
	}

	candidate_addresses := s.addressSelector.FilterAddressCandidates(peer_url.Addresses())
	if len(candidate_addresses) == 0 {
		return nil, &TransportError{Code: Unreachable, Kind: Direct, Err: errors.New("no valid IP address")}
	}

	var last_err error
	for _, address := range candidate_addresses {
		connection, err := s.quicTransport.Dial(ctx, address, ClientTlsConf(s.tlsConf, NextProtoP2PGo), s.quicConf)
		if err != nil {
			last_err = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		stream, err := connection.OpenStreamSync(ctx)
		if err != nil {
			connection.CloseWithError(0, err.Error())
			last_err = err
			continue
		}
		result := NewConnection(Direct, newQuicStream(stream, connection, true))
		if err := Handshake(ctx, result, s.localIdentity, expected, true); err != nil {
			result.Close()
			return nil, err
		}
		return result, nil
	}
	return nil, classify(Direct, last_err)
}

func (s *NetService) Close() error {
	err := s.quicTransport.Close()
	s.udpConn.Close()
	return err
}
