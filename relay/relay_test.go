package relay

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
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

var quiet = &log.Logger{Level: log.ErrorLevel}

func newService(t *testing.T) *net_service.NetService {
	t.Helper()
	id, err := identity.GenerateLocalIdentity()
	require.NoError(t, err)
	result, err := net_service.NewNetService(id, net_service.NewBetaAddressSelector(), 0, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { result.Close() })
	return result
}

func startServer(t *testing.T, conf Config) (*Server, *net.UDPAddr) {
	t.Helper()
	conf.ListenPort = 0
	result, err := NewServer(conf, quiet)
	require.NoError(t, err)
	require.NoError(t, result.Start())
	t.Cleanup(func() { result.Close() })
	return result, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: result.Port()}
}

// relayURL names a relay the peer never registered at.
func relayURL(svc *net_service.NetService, addr *net.UDPAddr) *aurl.AURL {
	return aurl.New(aurl.SchemeRelay, svc.LocalIdentity().IDHash(), []*net.UDPAddr{addr})
}

func TestSpliceBetweenRegisteredPeers(t *testing.T) {
	server, addr := startServer(t, DefaultConfig())
	host, joiner := newService(t), newService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go host.ServeRelay(ctx, addr)
	require.Eventually(t, func() bool { return host.RelayAURL() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, server.Registered(host.LocalIdentity().IDHash()))

	tk := ticket.New(host.LocalIdentity().PublicKey(), host.LocalAURL(), host.RelayAURL(), uuid.New(), 9, time.Now().Add(time.Minute))
	out, err := joiner.DialRelayed(ctx, tk)
	require.NoError(t, err)
	defer out.Close()
	assert.Equal(t, net_service.Relayed, out.Kind())
	assert.Equal(t, host.LocalIdentity().IDHash(), out.Remote().IDHash())

	var in *net_service.Connection
	select {
	case in = <-host.Inbound():
	case <-ctx.Done():
		t.Fatal("no relayed inbound connection")
	}
	defer in.Close()
	assert.Equal(t, net_service.Relayed, in.Kind())
	assert.Equal(t, joiner.LocalIdentity().IDHash(), in.Remote().IDHash())

	require.NoError(t, out.Send([]byte("hello")))
	frame, err := in.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), frame)

	require.NoError(t, in.Send([]byte("back")))
	frame, err = out.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), frame)
}

func TestDialUnregisteredPeerIsRefused(t *testing.T) {
	_, addr := startServer(t, DefaultConfig())
	host, joiner := newService(t), newService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tk := ticket.New(host.LocalIdentity().PublicKey(), host.LocalAURL(), relayURL(host, addr), uuid.New(), 9, time.Now().Add(time.Minute))
	_, err := joiner.DialRelayed(ctx, tk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestDialRateLimit(t *testing.T) {
	conf := DefaultConfig()
	conf.DialRate = 0.001
	conf.DialBurst = 1
	_, addr := startServer(t, conf)
	host, joiner := newService(t), newService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tk := ticket.New(host.LocalIdentity().PublicKey(), host.LocalAURL(), relayURL(host, addr), uuid.New(), 9, time.Now().Add(time.Minute))

	_, err := joiner.DialRelayed(ctx, tk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	_, err = joiner.DialRelayed(ctx, tk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func newTicket(t *testing.T, expires time.Time) *ticket.Ticket {
	t.Helper()
	svc := newService(t)
	return ticket.New(svc.LocalIdentity().PublicKey(), svc.LocalAURL(), nil, uuid.New(), 19, expires)
}

func TestDirectory(t *testing.T) {
	d := NewDirectory(2, 100, 100)
	srv := httptest.NewServer(d)
	defer srv.Close()

	post := func(body string) int {
		resp, err := http.Post(srv.URL+"/tickets", "text/plain", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	list := func() []string {
		resp, err := http.Get(srv.URL + "/tickets")
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return strings.Fields(string(data))
	}

	a := newTicket(t, time.Now().Add(time.Minute))
	b := newTicket(t, time.Now().Add(2*time.Minute))
	c := newTicket(t, time.Now().Add(3*time.Minute))

	assert.Equal(t, http.StatusBadRequest, post("p2pgo-ticket:garbage"))
	assert.Equal(t, http.StatusGone, post(newTicket(t, time.Now().Add(-time.Second)).String()))
	assert.Equal(t, http.StatusNoContent, post(b.String()))
	assert.Equal(t, http.StatusNoContent, post(a.String()))
	assert.Equal(t, http.StatusServiceUnavailable, post(c.String()))
	// republishing an entry is not blocked by the limit
	assert.Equal(t, http.StatusNoContent, post(a.String()))

	assert.Equal(t, []string{a.String(), b.String()}, list())

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/tickets/"+a.GameID.String(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{b.String()}, list())
	assert.Equal(t, 1, d.Len())
}

func TestDirectoryPublishRate(t *testing.T) {
	d := NewDirectory(10, 0.001, 1)
	srv := httptest.NewServer(d)
	defer srv.Close()

	codes := make([]int, 0, 2)
	for range 2 {
		resp, err := http.Post(srv.URL+"/tickets", "text/plain", strings.NewReader(newTicket(t, time.Now().Add(time.Minute)).String()))
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusTooManyRequests}, codes)
}
