package host

import (
	"github.com/p2pgo/p2pgo_core/channel"
	"github.com/p2pgo/p2pgo_core/connmgr"
	"github.com/p2pgo/p2pgo_core/lobby"
	"github.com/p2pgo/p2pgo_core/net_service"
	"github.com/p2pgo/p2pgo_core/watchdog"
)

// NewBetaHost wires a host onto a fresh QUIC endpoint and connection
// manager. Close releases both.
func NewBetaHost(deps channel.Deps, listen_port int, conf Config, conns connmgr.Config, boards ...lobby.Board) (*Host, error) {
	netserv, err := net_service.NewNetService(deps.Local, net_service.NewBetaAddressSelector(), listen_port, watchdog.Component("net"))
	if err != nil {
		return nil, err
	}
	manager := connmgr.New(netserv, conns, watchdog.Component("connmgr"))

	result := NewHost(netserv, manager, deps, conf, boards...)
	result.closers = append(result.closers, netserv.Close, manager.Close)
	return result, nil
}
