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
	"testing"
	"time"

	"github.com/pion/stun/v3"

	"iceflow/pkg/loop"
)

var loopback = netip.MustParseAddr("127.0.0.1")

// scriptedStun is a loopback STUN server answering Binding requests with
// a fixed XOR-MAPPED-ADDRESS. When silent, it swallows everything.
type scriptedStun struct {
	conn   *net.UDPConn
	addr   TransportAddress
	mapped TransportAddress
	silent bool
}

func newScriptedStun(t *testing.T, mapped TransportAddress, silent bool) *scriptedStun {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	s := &scriptedStun{
		conn:   conn,
		addr:   AddrFrom(conn.LocalAddr()),
		mapped: mapped,
		silent: silent,
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if s.silent {
				continue
			}

			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			if req.Type.Method != stun.MethodBinding || req.Type.Class != stun.ClassRequest {
				continue
			}

			resp := stun.New()
			resp.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassSuccessResponse}
			resp.TransactionID = req.TransactionID
			resp.WriteHeader()
			(&stun.XORMappedAddress{IP: s.mapped.UDPAddr().IP, Port: s.mapped.Port}).AddTo(resp)
			stun.Fingerprint.AddTo(resp)
			conn.WriteToUDP(resp.Raw, from)
		}
	}()
	return s
}

// eventLog records the component's emissions in order.
type eventLog struct {
	mu       sync.Mutex
	added    []Candidate
	removed  []Candidate
	events   []string
	complete chan struct{}
	stopped  chan struct{}
	failed   chan error
}

func newEventLog() *eventLog {
	return &eventLog{
		complete: make(chan struct{}),
		stopped:  make(chan struct{}),
		failed:   make(chan error, 1),
	}
}

func (e *eventLog) config(id int, lp *loop.Loop) *ComponentConfig {
	return &ComponentConfig{
		ID:      id,
		Loop:    lp,
		StunRTO: 20 * time.Millisecond,
		StunRc:  2,
		StunRm:  2,
		OnCandidateAdded: func(c Candidate) {
			e.mu.Lock()
			e.added = append(e.added, c)
			e.events = append(e.events, "added:"+c.Info.Type.String())
			e.mu.Unlock()
		},
		OnCandidateRemoved: func(c Candidate) {
			e.mu.Lock()
			e.removed = append(e.removed, c)
			e.events = append(e.events, "removed")
			e.mu.Unlock()
		},
		OnLocalFinished: func() {
			e.mu.Lock()
			e.events = append(e.events, "localFinished")
			e.mu.Unlock()
		},
		OnGatheringComplete: func() {
			e.mu.Lock()
			e.events = append(e.events, "gatheringComplete")
			e.mu.Unlock()
			close(e.complete)
		},
		OnStopped: func() { close(e.stopped) },
		OnError:   func(err error) { e.failed <- err },
	}
}

func (e *eventLog) waitComplete(t *testing.T) {
	t.Helper()
	select {
	case <-e.complete:
	case <-time.After(5 * time.Second):
		t.Fatal("gathering never completed")
	}
}

func (e *eventLog) snapshot() ([]Candidate, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Candidate(nil), e.added...), append([]string(nil), e.events...)
}

func indexOf(events []string, name string) int {
	for n, ev := range events {
		if ev == name {
			return n
		}
	}
	return -1
}

func TestGatherHostOnly(t *testing.T) {
	lp := loop.New()
	defer lp.Stop()

	events := newEventLog()
	comp := NewComponent(events.config(1, lp))
	comp.SetLocalAddresses([]LocalAddress{{Addr: loopback, Network: 1}})
	comp.Update(nil)

	events.waitComplete(t)
	added, order := events.snapshot()

	if len(added) != 1 {
		t.Fatalf("got %d candidates, want 1 host", len(added))
	}
	host := added[0]
	if host.Info.Type != HostType {
		t.Fatalf("candidate type = %s, want host", host.Info.Type)
	}
	if !host.Info.Addr.Equal(host.Info.Base) {
		t.Fatal("host candidate must have addr == base")
	}
	if host.Info.Addr.Port == 0 || !sameIP(host.Info.Addr.Addr, loopback) {
		t.Fatalf("unexpected host address %s", host.Info.Addr)
	}
	if host.Path != PathDirect {
		t.Fatal("host candidate must ride path 0")
	}
	if want := uint32(126<<24 + 65535<<8 + 255); host.Info.Priority != want {
		t.Fatalf("host priority = %d, want %d", host.Info.Priority, want)
	}
	if host.Info.Foundation == "" {
		t.Fatal("host candidate has no foundation")
	}

	lf, gc := indexOf(order, "localFinished"), indexOf(order, "gatheringComplete")
	if lf == -1 || gc == -1 || lf > gc {
		t.Fatalf("bad event order %v: localFinished must precede gatheringComplete", order)
	}
	if indexOf(order, "added:host") > lf {
		t.Fatalf("bad event order %v: host before localFinished", order)
	}
}

func TestGatherServerReflexive(t *testing.T) {
	mapped := TransportAddress{Addr: netip.MustParseAddr("203.0.113.9"), Port: 40001}
	server := newScriptedStun(t, mapped, false)

	lp := loop.New()
	defer lp.Stop()

	events := newEventLog()
	comp := NewComponent(events.config(1, lp))
	comp.SetLocalAddresses([]LocalAddress{{Addr: loopback, Network: 1}})
	comp.SetStunBindService(server.addr)
	comp.Update(nil)

	events.waitComplete(t)
	added, order := events.snapshot()

	if len(added) != 2 {
		t.Fatalf("got %d candidates, want host + srflx", len(added))
	}
	host, srflx := added[0], added[1]
	if host.Info.Type != HostType || srflx.Info.Type != ServerReflexiveType {
		t.Fatalf("bad emission order: %v", order)
	}
	if !srflx.Info.Addr.Equal(mapped) {
		t.Fatalf("srflx addr = %s, want %s", srflx.Info.Addr, mapped)
	}
	if !srflx.Info.Base.Equal(host.Info.Addr) {
		t.Fatalf("srflx base = %s, want host addr %s", srflx.Info.Base, host.Info.Addr)
	}
	if !srflx.Info.Related.Equal(srflx.Info.Base) {
		t.Fatal("srflx related must equal base")
	}
	if want := uint32(100<<24 + 65535<<8 + 255); srflx.Info.Priority != want {
		t.Fatalf("srflx priority = %d, want %d", srflx.Info.Priority, want)
	}
	if srflx.Path != PathDirect {
		t.Fatal("srflx rides path 0")
	}
}

func TestGatherManualExternal(t *testing.T) {
	extIP := netip.MustParseAddr("198.51.100.7")

	lp := loop.New()
	defer lp.Stop()

	events := newEventLog()
	comp := NewComponent(events.config(1, lp))
	comp.SetLocalAddresses([]LocalAddress{{Addr: loopback, Network: 1}})
	comp.SetExternalAddresses([]ExternalAddress{{
		Base:     LocalAddress{Addr: loopback},
		Addr:     extIP,
		PortBase: -1,
	}})
	comp.Update(nil)

	events.waitComplete(t)
	added, _ := events.snapshot()

	// the mapping is synthesized without any STUN exchange
	if len(added) != 2 {
		t.Fatalf("got %d candidates, want host + manual srflx", len(added))
	}
	host, srflx := added[0], added[1]
	if srflx.Info.Type != ServerReflexiveType {
		t.Fatalf("second candidate is %s, want srflx", srflx.Info.Type)
	}
	want := TransportAddress{Addr: extIP, Port: host.Info.Addr.Port}
	if !srflx.Info.Addr.Equal(want) {
		t.Fatalf("manual srflx addr = %s, want %s", srflx.Info.Addr, want)
	}
	if !srflx.Info.Base.Equal(host.Info.Addr) || !srflx.Info.Related.Equal(host.Info.Addr) {
		t.Fatal("manual srflx base/related must be the local address")
	}
}

func TestGatherStunTimeout(t *testing.T) {
	server := newScriptedStun(t, TransportAddress{}, true) // swallows requests

	lp := loop.New()
	defer lp.Stop()

	events := newEventLog()
	comp := NewComponent(events.config(1, lp))
	comp.SetLocalAddresses([]LocalAddress{{Addr: loopback, Network: 1}})
	comp.SetStunBindService(server.addr)
	comp.Update(nil)

	events.waitComplete(t)
	added, _ := events.snapshot()

	if len(added) != 1 || added[0].Info.Type != HostType {
		t.Fatalf("timeout run should still deliver the host candidate, got %v", added)
	}
	if !comp.IsGatheringComplete() {
		t.Fatal("gathering must complete despite the dead server")
	}
}

func TestRedundancyElimination(t *testing.T) {
	lp := loop.New()
	defer lp.Stop()

	var added []Candidate
	comp := NewComponent(&ComponentConfig{
		ID:   1,
		Loop: lp,
		OnCandidateAdded: func(c Candidate) {
			added = append(added, c)
		},
	})

	addr := TransportAddress{Addr: netip.MustParseAddr("203.0.113.9"), Port: 40001}
	base := TransportAddress{Addr: loopback, Port: 12345}
	otherBase := TransportAddress{Addr: loopback, Port: 12346}

	mk := func(base TransportAddress, prio uint32) Candidate {
		return Candidate{
			ID:   len(added),
			Info: &CandidateInfo{Addr: addr, Base: base, Type: ServerReflexiveType, Priority: prio},
		}
	}

	onLoop(t, lp, func() {
		comp.storeLocalNotRedundantCandidate(mk(base, 1000))
		comp.storeLocalNotRedundantCandidate(mk(base, 900))      // dominated, dropped
		comp.storeLocalNotRedundantCandidate(mk(base, 1000))     // equal, dropped
		comp.storeLocalNotRedundantCandidate(mk(otherBase, 900)) // different base, kept
	})

	if len(added) != 2 {
		t.Fatalf("got %d candidates, want 2 (dominated newcomers dropped)", len(added))
	}
	if !added[1].Info.Base.Equal(otherBase) {
		t.Fatal("the survivor should be the different-base candidate")
	}
}

func TestPeerReflexiveInjection(t *testing.T) {
	lp := loop.New()
	defer lp.Stop()

	events := newEventLog()
	comp := NewComponent(events.config(1, lp))
	comp.SetLocalAddresses([]LocalAddress{{Addr: loopback, Network: 1}})
	comp.Update(nil)
	events.waitComplete(t)

	added, _ := events.snapshot()
	host := added[0]

	peerSeen := TransportAddress{Addr: netip.MustParseAddr("198.51.100.77"), Port: 7000}
	prio := comp.PeerReflexivePriority(host.Transport, PathDirect)
	comp.AddLocalPeerReflexiveCandidate(peerSeen, host.Info, prio)

	deadline := time.After(2 * time.Second)
	for {
		cands := comp.Candidates()
		if len(cands) == 2 {
			prflx := cands[1]
			if prflx.Info.Type != PeerReflexiveType {
				t.Fatalf("injected candidate type = %s", prflx.Info.Type)
			}
			if prflx.Transport != host.Transport || prflx.Path != host.Path {
				t.Fatal("peer-reflexive candidate must share the host transport and path")
			}
			if !prflx.Info.Base.Equal(host.Info.Addr) || !prflx.Info.Related.Equal(host.Info.Addr) {
				t.Fatal("peer-reflexive base/related must be the host address")
			}
			if prflx.Info.Priority != prio {
				t.Fatalf("priority %d, want %d", prflx.Info.Priority, prio)
			}
			if want := uint32(110<<24 + 65535<<8 + 255); prio != want {
				t.Fatalf("path-0 prflx priority = %d, want %d", prio, want)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("peer-reflexive candidate never appeared, have %d", len(cands))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// fakeReserver lends one pre-bound socket and records returns.
type fakeReserver struct {
	mu       sync.Mutex
	conn     *net.UDPConn
	returned int
}

func (r *fakeReserver) Take(ip netip.Addr) *net.UDPConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conn
	r.conn = nil
	return conn
}

func (r *fakeReserver) Return(conns []*net.UDPConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.returned += len(conns)
}

func TestStopReturnsBorrowedSockets(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	reserver := &fakeReserver{conn: conn}

	lp := loop.New()
	defer lp.Stop()

	events := newEventLog()
	comp := NewComponent(events.config(1, lp))
	comp.SetLocalAddresses([]LocalAddress{{Addr: loopback, Network: 1}})
	comp.Update(reserver)
	events.waitComplete(t)

	added, _ := events.snapshot()
	if got := added[0].Info.Addr; !got.Equal(AddrFrom(conn.LocalAddr())) {
		t.Fatalf("host candidate %s should use the borrowed socket %s", got, conn.LocalAddr())
	}

	comp.Stop()
	select {
	case <-events.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("component never stopped")
	}

	reserver.mu.Lock()
	returned := reserver.returned
	reserver.mu.Unlock()
	if returned != 1 {
		t.Fatalf("borrowed sockets returned %d times, want exactly 1", returned)
	}

	_, order := events.snapshot()
	if indexOf(order, "removed") == -1 {
		t.Fatal("stop must emit candidateRemoved")
	}
	for n, ev := range order {
		if ev == "added:host" && n > indexOf(order, "removed") {
			t.Fatal("candidateAdded after stop")
		}
	}
}

func TestAllTransportsDeadIsFatal(t *testing.T) {
	lp := loop.New()
	defer lp.Stop()

	events := newEventLog()
	comp := NewComponent(events.config(1, lp))
	// not a local address; binding must fail
	comp.SetLocalAddresses([]LocalAddress{{Addr: netip.MustParseAddr("192.0.2.1"), Network: 1}})
	comp.Update(nil)

	select {
	case <-events.failed:
	case <-time.After(5 * time.Second):
		t.Fatal("dead-transport run never reported an error")
	}
	select {
	case <-events.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("dead-transport run never stopped")
	}
}
