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
	"net"
	"net/netip"
	"testing"
)

func freePortBase(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	if port > 65000 {
		port -= 1000
	}
	return port
}

func TestUDPPortReserver(t *testing.T) {
	r := NewUDPPortReserver(nil)
	defer r.Close()

	base := freePortBase(t)
	n := r.Reserve([]netip.Addr{loopback}, base, 4)
	if n == 0 {
		t.Skip("no ports reservable in the probed range")
	}

	first := r.Take(loopback)
	if first == nil {
		t.Fatal("Take returned nothing after Reserve")
	}
	got := AddrFrom(first.LocalAddr())
	if !sameIP(got.Addr, loopback) || got.Port < base || got.Port >= base+4 {
		t.Fatalf("borrowed socket %s outside the reserved range", got)
	}

	if r.Take(netip.MustParseAddr("192.0.2.1")) != nil {
		t.Fatal("Take for an unreserved address should return nil")
	}

	taken := 1
	for r.Take(loopback) != nil {
		taken++
	}
	if taken != n {
		t.Fatalf("took %d sockets, reserved %d", taken, n)
	}

	r.Return([]*net.UDPConn{first})
	back := r.Take(loopback)
	if back != first {
		t.Fatal("returned socket should be lent out again")
	}
}
