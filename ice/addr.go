// Copyright 2026 The Iceflow Authors, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ice

import (
	"fmt"
	"net"
	"net/netip"
)

// TransportAddress is an (ip, port) pair. Comparisons strip the IPv6 zone
// id first; the port must be in [1, 65535] for the address to be valid.
type TransportAddress struct {
	Addr netip.Addr
	Port int
}

// IsValid reports whether both the ip and the port are usable.
func (a TransportAddress) IsValid() bool {
	return a.Addr.IsValid() && a.Port >= 1 && a.Port <= 65535
}

// normalized returns the address with the zone id stripped and 4-in-6
// mapping undone, the form used for equality and map keys.
func (a TransportAddress) normalized() TransportAddress {
	return TransportAddress{Addr: a.Addr.Unmap().WithZone(""), Port: a.Port}
}

// Equal compares two addresses, ignoring IPv6 zone ids.
func (a TransportAddress) Equal(b TransportAddress) bool {
	an, bn := a.normalized(), b.normalized()
	return an.Addr == bn.Addr && an.Port == bn.Port
}

func (a TransportAddress) String() string {
	if !a.Addr.IsValid() {
		return fmt.Sprintf("<invalid>:%d", a.Port)
	}
	return netip.AddrPortFrom(a.Addr, uint16(a.Port)).String()
}

// UDPAddr converts to the stdlib form for socket calls.
func (a TransportAddress) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(a.Addr.Unmap(), uint16(a.Port)))
}

// AddrFrom extracts a TransportAddress from a stdlib net.Addr.
func AddrFrom(addr net.Addr) TransportAddress {
	switch v := addr.(type) {
	case *net.UDPAddr:
		ap := v.AddrPort()
		return TransportAddress{Addr: ap.Addr(), Port: int(ap.Port())}
	case *net.TCPAddr:
		ap := v.AddrPort()
		return TransportAddress{Addr: ap.Addr(), Port: int(ap.Port())}
	default:
		host, port, err := net.SplitHostPort(addr.String())
		if err != nil {
			return TransportAddress{}
		}
		ip, err := netip.ParseAddr(host)
		if err != nil {
			return TransportAddress{}
		}
		var p int
		fmt.Sscanf(port, "%d", &p)
		return TransportAddress{Addr: ip, Port: p}
	}
}

// ParseTransportAddress parses "ip:port".
func ParseTransportAddress(s string) (TransportAddress, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return TransportAddress{}, fmt.Errorf("parse transport address: %w", err)
	}
	return TransportAddress{Addr: ap.Addr(), Port: int(ap.Port())}, nil
}

// LocalAddress describes one local interface address handed to the
// component by the caller. Network is an opaque per-interface id used for
// priority tie-breaks; -1 means unknown.
type LocalAddress struct {
	Addr    netip.Addr
	Network int
	IsVPN   bool
}

// ExternalAddress is a manually configured NAT mapping for one local
// address. PortBase of -1 means "same port as the bound socket".
type ExternalAddress struct {
	Base     LocalAddress
	Addr     netip.Addr
	PortBase int
}

func sameIP(a, b netip.Addr) bool {
	return a.Unmap().WithZone("") == b.Unmap().WithZone("")
}
