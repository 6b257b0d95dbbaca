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
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/randutil"
)

const runesAlpha = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// SocketProtocol distinguishes the transport a reflexive/relayed address
// was learned over, for foundation computation.
type SocketProtocol int

const (
	ProtoUDP SocketProtocol = iota
	ProtoTCP
)

type foundationKey struct {
	typ      CandidateType
	base     netip.Addr
	server   netip.Addr
	protocol SocketProtocol
}

// Agent hands out stable foundations: candidates sharing type, base and
// discovery server get the same one, so the check list can pair them by
// foundation. Safe for concurrent use; one Agent normally serves all
// components of a session.
type Agent struct {
	mu          sync.Mutex
	foundations map[foundationKey]string
	taken       map[string]struct{}
}

// NewAgent creates an empty foundation registry.
func NewAgent() *Agent {
	return &Agent{
		foundations: make(map[foundationKey]string),
		taken:       make(map[string]struct{}),
	}
}

// Foundation returns the foundation for a host candidate on baseAddr.
func (a *Agent) Foundation(t CandidateType, baseAddr netip.Addr) string {
	return a.FoundationFor(t, baseAddr, netip.Addr{}, ProtoUDP)
}

// FoundationFor returns the foundation for a candidate discovered through
// serverAddr over the given protocol. The same tuple always maps to the
// same string.
func (a *Agent) FoundationFor(t CandidateType, baseAddr, serverAddr netip.Addr, proto SocketProtocol) string {
	key := foundationKey{
		typ:      t,
		base:     baseAddr.Unmap().WithZone(""),
		server:   serverAddr.Unmap().WithZone(""),
		protocol: proto,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if f, ok := a.foundations[key]; ok {
		return f
	}
	var f string
	for {
		f = RandomCredential(8)
		if _, dup := a.taken[f]; !dup {
			break
		}
	}
	a.foundations[key] = f
	a.taken[f] = struct{}{}
	return f
}

// RemoteFoundation returns a fresh identifier for a remote peer-reflexive
// candidate, for which we have no authoritative mapping.
func RemoteFoundation() string {
	return uuid.NewString()
}

var mathRand = randutil.NewMathRandomGenerator()

// RandomCredential returns a printable random string of length n.
func RandomCredential(n int) string {
	s, err := randutil.GenerateCryptoRandomString(n, runesAlpha)
	if err != nil {
		// math-rand fallback keeps gathering alive if the system
		// entropy source fails
		s = mathRand.GenerateString(n, runesAlpha)
	}
	return s
}
