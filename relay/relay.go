package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"github.com/p2pgo/p2pgo_core/ahmp"
	"github.com/p2pgo/p2pgo_core/net_service"
)

type Config struct {
	ListenPort     int           `yaml:"listen_port"`
	DialRate       float64       `yaml:"dial_rate"` //splices per second, per client address
	DialBurst      int           `yaml:"dial_burst"`
	MaxTickets     int           `yaml:"max_tickets"`
	PublishRate    float64       `yaml:"publish_rate"` //directory publishes per second
	PublishBurst   int           `yaml:"publish_burst"`
	ControlTimeout time.Duration `yaml:"control_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ListenPort:     7443,
		DialRate:       1,
		DialBurst:      5,
		MaxTickets:     1024,
		PublishRate:    20,
		PublishBurst:   40,
		ControlTimeout: 10 * time.Second,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.DialRate <= 0 {
		c.DialRate = d.DialRate
	}
	if c.DialBurst <= 0 {
		c.DialBurst = d.DialBurst
	}
	if c.MaxTickets <= 0 {
		c.MaxTickets = d.MaxTickets
	}
	if c.PublishRate <= 0 {
		c.PublishRate = d.PublishRate
	}
	if c.PublishBurst <= 0 {
		c.PublishBurst = d.PublishBurst
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = d.ControlTimeout
	}
}

// Server is a relay node. Peers behind NAT register under their id hash
// and receive spliced streams from dialers; the same endpoint serves the
// ticket directory to HTTP/3 clients. The relay only copies bytes: both
// ends authenticate each other through the spliced stream.
type Server struct {
	conf   Config
	logger *log.Logger

	udpConn   *net.UDPConn
	transport *quic.Transport
	tlsConf   *tls.Config
	quicConf  *quic.Config

	directory *Directory
	h3        *http3.Server

	mtx      sync.Mutex
	peers    map[string]quic.Connection
	limiters map[string]*rate.Limiter

	t tomb.Tomb
}

func NewServer(conf Config, logger *log.Logger) (*Server, error) {
	conf.fillDefaults()
	result := new(Server)
	result.conf = conf
	result.logger = logger
	result.peers = make(map[string]quic.Connection)
	result.limiters = make(map[string]*rate.Limiter)

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: conf.ListenPort})
	if err != nil {
		return nil, err
	}
	result.udpConn = udpConn
	result.transport = &quic.Transport{Conn: udpConn}
	if result.tlsConf, err = net_service.NewDefaultTlsConf(net_service.NextProtoRelay, http3.NextProtoH3); err != nil {
		udpConn.Close()
		return nil, err
	}
	result.quicConf = net_service.NewDefaultQuicConf()

	result.directory = NewDirectory(conf.MaxTickets, rate.Limit(conf.PublishRate), conf.PublishBurst)
	result.h3 = &http3.Server{Handler: result.directory}
	return result, nil
}

func (s *Server) Port() int {
	return s.udpConn.LocalAddr().(*net.UDPAddr).Port
}

func (s *Server) Directory() *Directory {
	return s.directory
}

// Registered reports whether a peer is currently reachable through this node.
func (s *Server) Registered(id_hash string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.peers[id_hash]
	return ok
}

func (s *Server) Start() error {
	listener, err := s.transport.Listen(s.tlsConf, s.quicConf)
	if err != nil {
		return err
	}
	s.t.Go(func() error {
		<-s.t.Dying()
		return listener.Close()
	})
	s.t.Go(func() error {
		return s.serve(listener)
	})
	return nil
}

func (s *Server) Close() error {
	s.t.Kill(nil)
	s.h3.Close()
	err := s.t.Wait()
	s.transport.Close()
	s.udpConn.Close()
	return err
}

func (s *Server) serve(listener *quic.Listener) error {
	ctx := s.t.Context(nil)
	for {
		connection, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}
		switch connection.ConnectionState().TLS.NegotiatedProtocol {
		case net_service.NextProtoRelay:
			go s.serveRelay(ctx, connection)
		case http3.NextProtoH3:
			go s.h3.ServeQUICConn(connection)
		default:
			connection.CloseWithError(0, "unknown TLS ALPN protocol ID")
		}
	}
}

// serveRelay reads the first frame of a relay connection: REG turns it into
// a registration, DIA into a splice.
func (s *Server) serveRelay(ctx context.Context, connection quic.Connection) {
	stream, err := connection.AcceptStream(ctx)
	if err != nil {
		connection.CloseWithError(0, err.Error())
		return
	}
	control := net_service.NewConnection(net_service.Relayed, net_service.WrapStream(stream, connection, true))
	control.SetDeadline(time.Now().Add(s.conf.ControlTimeout))
	data, err := control.Receive()
	if err != nil {
		control.Close()
		return
	}
	control.SetDeadline(time.Time{})

	msg, err := ahmp.Decode(data)
	if err != nil {
		control.Close()
		return
	}
	switch m := msg.(type) {
	case *ahmp.REG:
		s.register(ctx, connection, control, m.IDHash)
	case *ahmp.DIA:
		s.splice(ctx, connection, control, m.Target)
	default:
		control.Close()
	}
}

func (s *Server) register(ctx context.Context, connection quic.Connection, control *net_service.Connection, id_hash string) {
	s.mtx.Lock()
	previous, ok := s.peers[id_hash]
	s.peers[id_hash] = connection
	s.mtx.Unlock()
	if ok {
		previous.CloseWithError(0, "registered elsewhere")
	}

	rgk, _ := ahmp.EncodeRGK()
	if err := control.Send(rgk); err != nil {
		s.unregister(id_hash, connection)
		control.Close()
		return
	}
	s.logger.Info().Str("peer", id_hash).Str("remote", connection.RemoteAddr().String()).Msg("peer registered")

	select {
	case <-connection.Context().Done():
	case <-ctx.Done():
	}
	s.unregister(id_hash, connection)
	control.Close()
	s.logger.Info().Str("peer", id_hash).Msg("peer unregistered")
}

func (s *Server) unregister(id_hash string, connection quic.Connection) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.peers[id_hash] == connection {
		delete(s.peers, id_hash)
	}
}

func (s *Server) allowDial(remote net.Addr) bool {
	key := remote.String()
	if udp, ok := remote.(*net.UDPAddr); ok {
		key = udp.IP.String()
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.conf.DialRate), s.conf.DialBurst)
		s.limiters[key] = limiter
	}
	return limiter.Allow()
}

func (s *Server) refuse(control *net_service.Connection, code int, text string) {
	ddn, err := ahmp.EncodeDDN(&ahmp.DDN{Code: code, Text: text})
	if err == nil {
		control.Send(ddn)
	}
	control.Close()
}

// splice opens a stream to the registered target, announces it with INC,
// confirms to the dialer and copies bytes both ways until either side ends.
func (s *Server) splice(ctx context.Context, connection quic.Connection, control *net_service.Connection, target string) {
	if !s.allowDial(connection.RemoteAddr()) {
		s.refuse(control, ahmp.DDNRateLimited, "rate limited")
		return
	}
	s.mtx.Lock()
	target_conn, ok := s.peers[target]
	s.mtx.Unlock()
	if !ok {
		s.refuse(control, ahmp.DDNNotRegistered, "peer not registered")
		return
	}

	open_ctx, cancel := context.WithTimeout(ctx, s.conf.ControlTimeout)
	stream, err := target_conn.OpenStreamSync(open_ctx)
	cancel()
	if err != nil {
		s.refuse(control, ahmp.DDNUnavailable, "peer unavailable")
		return
	}
	incoming := net_service.NewConnection(net_service.Relayed, net_service.WrapStream(stream, target_conn, false))
	inc, _ := ahmp.EncodeINC()
	if err := incoming.Send(inc); err != nil {
		incoming.Close()
		s.refuse(control, ahmp.DDNUnavailable, "peer unavailable")
		return
	}
	dok, _ := ahmp.EncodeDOK()
	if err := control.Send(dok); err != nil {
		incoming.Close()
		control.Close()
		return
	}

	s.logger.Debug().Str("target", target).Str("remote", connection.RemoteAddr().String()).Msg("splicing")
	a, b := control.Detach(), incoming.Detach()
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}
	go func() {
		io.Copy(b, a)
		closeBoth()
	}()
	io.Copy(a, b)
	closeBoth()
}
