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
	"sync"

	"iceflow/pkg/log"
)

// UDPPortReserver pre-binds UDP sockets in a fixed port range so
// components can gather on predictable ports (useful when a firewall
// pinhole or signalled port range exists). Components borrow sockets via
// Take and give them back via Return; the reserver owns them throughout.
type UDPPortReserver struct {
	logger *log.Logger

	mu    sync.Mutex
	pools map[netip.Addr][]*net.UDPConn
}

// NewUDPPortReserver creates an empty reserver.
func NewUDPPortReserver(logger *log.Logger) *UDPPortReserver {
	if logger == nil {
		logger = log.NewLogger(log.LevelSilent, "port-reserver")
	}
	return &UDPPortReserver{
		logger: logger,
		pools:  make(map[netip.Addr][]*net.UDPConn),
	}
}

// Reserve binds count ports starting at startPort on each of the given
// addresses. Ports that fail to bind are skipped with a log line; the
// return value is the number of sockets actually reserved.
func (r *UDPPortReserver) Reserve(addrs []netip.Addr, startPort, count int) int {
	reserved := 0
	for _, ip := range addrs {
		key := ip.Unmap().WithZone("")
		for port := startPort; port < startPort+count; port++ {
			conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(port))))
			if err != nil {
				r.logger.Verbosef("reserve %s:%d failed: %v", ip, port, err)
				continue
			}
			r.mu.Lock()
			r.pools[key] = append(r.pools[key], conn)
			r.mu.Unlock()
			reserved++
		}
	}
	return reserved
}

// Take lends one reserved socket bound to ip, or nil when none is left.
func (r *UDPPortReserver) Take(ip netip.Addr) *net.UDPConn {
	key := ip.Unmap().WithZone("")

	r.mu.Lock()
	defer r.mu.Unlock()

	pool := r.pools[key]
	if len(pool) == 0 {
		return nil
	}
	conn := pool[0]
	r.pools[key] = pool[1:]
	return conn
}

// Return gives borrowed sockets back, keyed by their bound address.
func (r *UDPPortReserver) Return(conns []*net.UDPConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conn := range conns {
		if conn == nil {
			continue
		}
		key := AddrFrom(conn.LocalAddr()).Addr.Unmap().WithZone("")
		r.pools[key] = append(r.pools[key], conn)
	}
}

// Close releases every socket currently held by the reserver. Sockets
// out on loan are the borrower's problem until returned.
func (r *UDPPortReserver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, pool := range r.pools {
		for _, conn := range pool {
			conn.Close()
		}
		delete(r.pools, key)
	}
}
