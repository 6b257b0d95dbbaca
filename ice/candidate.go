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

import "fmt"

// CandidateType classifies how a candidate address was learned.
type CandidateType int

const (
	HostType CandidateType = iota
	PeerReflexiveType
	ServerReflexiveType
	RelayedType
)

func (t CandidateType) String() string {
	switch t {
	case HostType:
		return "host"
	case PeerReflexiveType:
		return "prflx"
	case ServerReflexiveType:
		return "srflx"
	case RelayedType:
		return "relay"
	default:
		return "unknown"
	}
}

// CandidateInfo is the logical candidate, without socket identity.
type CandidateInfo struct {
	Addr        TransportAddress // externally advertised address
	Base        TransportAddress // local bound address backing it
	Related     TransportAddress // srflx/relay: what the server saw/assigned
	Type        CandidateType
	Priority    uint32
	Foundation  string
	ComponentID int
	Network     int
}

// TransportKind tags the two concrete transport flavours a candidate can
// ride on. The set is closed.
type TransportKind int

const (
	TransportLocalUDP TransportKind = iota
	TransportTCPTurn
)

// TransportRef identifies a transport owned by a Component. Handles are
// never reused within a component's lifetime; a stale ref simply resolves
// to nothing.
type TransportRef struct {
	Kind   TransportKind
	Handle int
}

func (r TransportRef) String() string {
	if r.Kind == TransportTCPTurn {
		return fmt.Sprintf("tcpturn#%d", r.Handle)
	}
	return fmt.Sprintf("udp#%d", r.Handle)
}

// Candidate couples a CandidateInfo with the transport that carries its
// traffic. Path selects direct (0) or relayed (1) on that transport.
type Candidate struct {
	ID        int
	Info      *CandidateInfo
	Transport TransportRef
	Path      int
}

// Paths on a local UDP transport.
const (
	PathDirect  = 0
	PathRelayed = 1
)

func calcPriority(typePref, localPref, componentID int) uint32 {
	if typePref < 0 || typePref > 126 {
		panic("typePref out of range")
	}
	if localPref < 0 || localPref > 65535 {
		panic("localPref out of range")
	}
	if componentID < 1 || componentID > 256 {
		panic("componentID out of range")
	}

	priority := (1 << 24) * typePref
	priority += (1 << 8) * localPref
	priority += 256 - componentID
	return uint32(priority)
}

// defaultPriority computes the RFC 8445 recommended priority. localPref is
// the priority of the network interface used for this candidate, 0-65535,
// unique per interface; with a single interface it should be 65535.
func defaultPriority(t CandidateType, localPref int, isVPN bool, componentID int) uint32 {
	var typePref int
	switch t {
	case HostType:
		if isVPN {
			typePref = 0
		} else {
			typePref = 126
		}
	case PeerReflexiveType:
		typePref = 110
	case ServerReflexiveType:
		typePref = 100
	default: // RelayedType
		typePref = 0
	}

	return calcPriority(typePref, localPref, componentID)
}
