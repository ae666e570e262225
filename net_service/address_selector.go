package net_service

import (
	"net"
	"sync"
)

type IAddressSelector interface {
	FilterAddressCandidates(addresses []*net.UDPAddr) []*net.UDPAddr
}

// BetaAddressSelector orders a peer's address candidates: public first,
// then one private address not equal to ours, then loopback.
type BetaAddressSelector struct {
	localPrivateAddr net.IP
	localPublicAddr  net.IP //can be added later

	mtx *sync.Mutex
}

func getLocalIP() net.IP {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{
		IP:   net.IPv4(8, 8, 8, 8), // Google's public DNS as an example
		Port: 53,
	})
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}

func NewBetaAddressSelector() *BetaAddressSelector {
	return &BetaAddressSelector{
		getLocalIP(),
		net.IPv4zero,
		new(sync.Mutex),
	}
}

func (s *BetaAddressSelector) SetPublicIP(ip net.IP) {
	s.mtx.Lock()
	s.localPublicAddr = ip
	s.mtx.Unlock()
}

func isPrivate(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

func (s *BetaAddressSelector) FilterAddressCandidates(addresses []*net.UDPAddr) []*net.UDPAddr {
	public_addresses := make([]*net.UDPAddr, 0)

	var loopbackaddr *net.UDPAddr
	var privateaddr *net.UDPAddr

	for _, address := range addresses {
		if address.IP.IsUnspecified() || address.IP.Equal(net.IPv4bcast) || address.IP.IsMulticast() {
			continue
		}

		if address.IP.IsLoopback() {
			loopbackaddr = address
			continue
		}

		if isPrivate(address.IP) {
			if privateaddr == nil {
				privateaddr = address
			}
			continue
		}

		s.mtx.Lock()
		is_pub_eq := address.IP.Equal(s.localPublicAddr)
		s.mtx.Unlock()
		if is_pub_eq {
			continue //ignore same public address
		}

		public_addresses = append(public_addresses, address)
	}

	result := public_addresses
	if privateaddr != nil && !privateaddr.IP.Equal(s.localPrivateAddr) {
		result = append(result, privateaddr)
	}
	if loopbackaddr != nil {
		result = append(result, loopbackaddr)
	}
	return result
}
