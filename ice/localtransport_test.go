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
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"

	"iceflow/pkg/loop"
)

func startLocalTransport(t *testing.T, lp *loop.Loop) (*LocalTransport, chan int) {
	t.Helper()

	started := make(chan struct{})
	ready := make(chan int, 16)
	lt := NewLocalTransport(&LocalTransportConfig{
		Loop:        lp,
		OnStarted:   func() { close(started) },
		OnReadyRead: func(path int) { ready <- path },
		OnError:     func(kind TransportError) { t.Errorf("transport error: %s", kind) },
	})
	lt.StartAddr(loopback)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("transport never started")
	}
	return lt, ready
}

func TestLocalTransportDirectIO(t *testing.T) {
	lp := loop.New()
	defer lp.Stop()

	lt, ready := startLocalTransport(t, lp)
	defer func() { lp.Post(lt.Stop) }()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	if _, err := peer.WriteToUDP([]byte("knock"), lt.LocalAddress().UDPAddr()); err != nil {
		t.Fatal(err)
	}

	select {
	case path := <-ready:
		if path != PathDirect {
			t.Fatalf("datagram surfaced on path %d, want 0", path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no readyRead")
	}

	buf, from, ok := lt.ReadDatagram(PathDirect)
	if !ok || !bytes.Equal(buf, []byte("knock")) {
		t.Fatalf("read %q ok=%v", buf, ok)
	}
	if !from.Equal(AddrFrom(peer.LocalAddr())) {
		t.Fatalf("datagram source %s, want %s", from, peer.LocalAddr())
	}

	if err := lt.WriteDatagram(PathDirect, []byte("reply"), from); err != nil {
		t.Fatal(err)
	}
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	rbuf := make([]byte, 64)
	n, _, err := peer.ReadFromUDP(rbuf)
	if err != nil || !bytes.Equal(rbuf[:n], []byte("reply")) {
		t.Fatalf("peer read %q err=%v", rbuf[:n], err)
	}
}

func TestLocalTransportPeerStunSurfacesOnDirectPath(t *testing.T) {
	lp := loop.New()
	defer lp.Stop()

	lt, ready := startLocalTransport(t, lp)
	defer func() { lp.Post(lt.Stop) }()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	// a Binding indication from a peer is connectivity-check traffic,
	// not server traffic; it must surface as a path-0 datagram
	ind := stun.New()
	ind.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassIndication}
	ind.TransactionID = stun.NewTransactionID()
	ind.WriteHeader()

	if _, err := peer.WriteToUDP(ind.Raw, lt.LocalAddress().UDPAddr()); err != nil {
		t.Fatal(err)
	}

	select {
	case path := <-ready:
		if path != PathDirect {
			t.Fatalf("stun indication surfaced on path %d", path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("indication never surfaced")
	}

	buf, from, ok := lt.ReadDatagram(PathDirect)
	if !ok || !stun.IsMessage(buf) {
		t.Fatal("expected the raw stun indication on path 0")
	}
	if !from.Equal(AddrFrom(peer.LocalAddr())) {
		t.Fatalf("indication source %s, want the peer", from)
	}
}
