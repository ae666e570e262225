package aurl

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
)

const (
	SchemePeer  = "p2pgo" //direct QUIC to the peer
	SchemeRelay = "relay" //reach the peer through a relay node
)

type AURL struct {
	scheme    string
	hash      string
	addresses []*net.UDPAddr
}

func New(scheme string, hash string, addresses []*net.UDPAddr) *AURL {
	return &AURL{
		scheme:    scheme,
		hash:      hash,
		addresses: addresses,
	}
}

// p2pgo:Iabc:9.8.7.6:1605
// p2pgo:Iabc:[2001:db8:85a3:8d3:1319:8a2e:370:7348]:443|9.8.7.6:1605
// relay:Iabc:9.8.7.6:4433   (Iabc is the peer registered at that relay)
// p2pgo:Iabc
func (a *AURL) ToString() string {
	if len(a.addresses) == 0 {
		return a.scheme + ":" + a.hash
	}
	candidates_string := make([]string, len(a.addresses))
	for i, c := range a.addresses {
		candidates_string[i] = c.String()
	}
	return a.scheme + ":" + a.hash + ":" + strings.Join(candidates_string, "|")
}

func (a *AURL) String() string {
	return a.ToString()
}

func (a *AURL) Scheme() string {
	return a.scheme
}
func (a *AURL) Hash() string {
	return a.hash
}
func (a *AURL) Addresses() []*net.UDPAddr {
	return a.addresses
}

type AURLParseError struct {
	Code int
}

func (u *AURLParseError) Error() string {
	var msg string
	switch u.Code {
	case 100:
		msg = "unsupported protocol"
	case 101:
		msg = "invalid format"
	case 102:
		msg = "hash too short"
	case 103:
		msg = "address candidate parse fail"
	default:
		msg = "unknown error (" + strconv.Itoa(u.Code) + ")"
	}
	return "failed to parse peer URL: " + msg
}

func ParseAURL(raw string) (*AURL, error) {
	var scheme string
	var body string
	var ok bool
	if body, ok = strings.CutPrefix(raw, SchemePeer+":"); ok {
		scheme = SchemePeer
	} else {
		if body, ok = strings.CutPrefix(raw, SchemeRelay+":"); ok {
			scheme = SchemeRelay
		} else {
			return nil, &AURLParseError{Code: 100}
		}
	}

	body = strings.TrimPrefix(body, "//")
	if strings.ContainsAny(body, "/ ") {
		return nil, &AURLParseError{Code: 101}
	}

	hash_endpos := strings.IndexByte(body, ':')
	if hash_endpos == -1 {
		//no candidates
		if len(body) < 1 {
			return nil, &AURLParseError{Code: 102}
		}
		return &AURL{
			scheme:    scheme,
			hash:      body,
			addresses: []*net.UDPAddr{},
		}, nil
	}
	hash := body[:hash_endpos]
	if len(hash) < 1 {
		return nil, &AURLParseError{Code: 102}
	}

	c_split := strings.Split(body[hash_endpos+1:], "|")
	candidates := make([]*net.UDPAddr, len(c_split))
	for i, candidate := range c_split {
		addrport, err := netip.ParseAddrPort(candidate)
		if err != nil {
			return nil, &AURLParseError{Code: 103}
		}
		cand := net.UDPAddrFromAddrPort(addrport)
		if cand.Port == 0 {
			return nil, &AURLParseError{Code: 103}
		}
		candidates[i] = cand
	}

	return &AURL{
		scheme:    scheme,
		hash:      hash,
		addresses: candidates,
	}, nil
}
