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
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"iceflow/pkg/iceerrors"
	"iceflow/pkg/log"
	"iceflow/pkg/loop"
)

// TransportError classifies transport-level failures surfaced to the
// component.
type TransportError int

const (
	ErrorGeneric TransportError = iota
	ErrorBind
	ErrorStun
	ErrorTurn
)

func (e TransportError) String() string {
	switch e {
	case ErrorBind:
		return "bind"
	case ErrorStun:
		return "stun"
	case ErrorTurn:
		return "turn"
	default:
		return "generic"
	}
}

const maxRebindRetries = 3

// LocalTransportConfig configures a LocalTransport.
type LocalTransportConfig struct {
	Loop   *loop.Loop
	Logger *log.Logger

	// Software is attached as the SOFTWARE attribute on TURN Allocate requests.
	Software string

	// STUN retransmission overrides, zero = RFC 5389 defaults.
	StunRTO time.Duration
	StunRc  int
	StunRm  int

	OnStarted          func()
	OnStopped          func()
	OnAddressesChanged func()
	OnReadyRead        func(path int)
	OnError            func(kind TransportError)
}

// LocalTransport owns one bound UDP socket on one local address and
// multiplexes three kinds of traffic over it: application datagrams, STUN
// transactions (Binding toward the bind server, everything TURN toward the
// relay server) and TURN data. It exposes two paths: 0 sends and receives
// directly, 1 rides the TURN allocation when one is active.
//
// All methods except the datagram I/O surface must run on the loop.
type LocalTransport struct {
	loop   *loop.Loop
	logger *log.Logger

	conn    *net.UDPConn
	extSock bool
	bindIP  netip.Addr

	addr          TransportAddress
	refAddr       TransportAddress
	refAddrSource netip.Addr
	relAddr       TransportAddress

	stunBindAddr  TransportAddress
	stunRelayAddr TransportAddress
	stunUser      string
	stunPass      string
	software      string

	pool          *TransactionPool
	binding       *Binding
	turn          *TurnClient
	turnActivated bool

	stunRTO time.Duration
	stunRc  int
	stunRm  int

	retryCount int
	started    bool
	stopping   bool

	mu        sync.Mutex
	in        []datagram
	inRelayed []datagram

	readerStop *atomic.Bool
	readerDone chan struct{}

	onStarted          func()
	onStopped          func()
	onAddressesChanged func()
	onReadyRead        func(path int)
	onError            func(kind TransportError)
}

// NewLocalTransport creates a transport; call Start or StartAddr next.
func NewLocalTransport(cfg *LocalTransportConfig) *LocalTransport {
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger(log.LevelSilent, "ice-local")
	}
	return &LocalTransport{
		loop:               cfg.Loop,
		logger:             cfg.Logger,
		software:           cfg.Software,
		stunRTO:            cfg.StunRTO,
		stunRc:             cfg.StunRc,
		stunRm:             cfg.StunRm,
		onStarted:          cfg.OnStarted,
		onStopped:          cfg.OnStopped,
		onAddressesChanged: cfg.OnAddressesChanged,
		onReadyRead:        cfg.OnReadyRead,
		onError:            cfg.OnError,
	}
}

// Start adopts an already-bound socket. Adopted sockets are never closed
// by the transport and get no rebind recovery on allocation mismatch.
func (t *LocalTransport) Start(conn *net.UDPConn) {
	t.conn = conn
	t.extSock = true
	t.loop.Post(t.postStart)
}

// StartAddr binds a fresh socket to a random port on ip.
func (t *LocalTransport) StartAddr(ip netip.Addr) {
	t.bindIP = ip
	t.loop.Post(t.postStart)
}

// SetStunBindService configures the STUN Binding server. Only valid
// before StunStart.
func (t *LocalTransport) SetStunBindService(addr TransportAddress) {
	t.stunBindAddr = addr
}

// SetStunRelayService configures the TURN server with long-term
// credentials. Only valid before StunStart.
func (t *LocalTransport) SetStunRelayService(addr TransportAddress, user, pass string) {
	t.stunRelayAddr = addr
	t.stunUser = user
	t.stunPass = pass
}

// StunBindServiceAddress returns the configured Binding server.
func (t *LocalTransport) StunBindServiceAddress() TransportAddress { return t.stunBindAddr }

// StunRelayServiceAddress returns the configured TURN server.
func (t *LocalTransport) StunRelayServiceAddress() TransportAddress { return t.stunRelayAddr }

// LocalAddress returns the bound socket address.
func (t *LocalTransport) LocalAddress() TransportAddress { return t.addr }

// ServerReflexiveAddress returns the discovered reflexive address, if any.
func (t *LocalTransport) ServerReflexiveAddress() TransportAddress { return t.refAddr }

// ReflexiveAddressSource returns the server ip the reflexive address was
// learned from.
func (t *LocalTransport) ReflexiveAddressSource() netip.Addr { return t.refAddrSource }

// RelayedAddress returns the TURN-allocated address, if any.
func (t *LocalTransport) RelayedAddress() TransportAddress { return t.relAddr }

// IsStunAlive reports whether a Binding exchange is still in flight.
func (t *LocalTransport) IsStunAlive() bool { return t.binding != nil }

// IsTurnAlive reports whether the TURN client exists.
func (t *LocalTransport) IsTurnAlive() bool { return t.turn != nil }

func (t *LocalTransport) postStart() {
	if t.stopping {
		return
	}

	if t.conn == nil {
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(t.bindIP, 0)))
		if err != nil {
			t.logger.Warningf("bind %s failed: %v", t.bindIP, err)
			t.emitError(ErrorBind)
			return
		}
		t.conn = conn
	}

	t.addr = AddrFrom(t.conn.LocalAddr())
	t.startReader()
	t.started = true

	if t.onStarted != nil {
		t.onStarted()
	}
}

// StunStart launches the Binding request and/or the TURN allocation,
// whichever servers are configured.
func (t *LocalTransport) StunStart() {
	if t.pool != nil {
		return
	}

	t.pool = NewTransactionPool(&TransactionPoolConfig{
		Mode:   ModeUDP,
		Loop:   t.loop,
		Logger: t.logger,
		OnOutgoingMessage: func(packet []byte, to TransportAddress) {
			t.writeToSocket(packet, to)
		},
		OnNeedAuthParams: func(from TransportAddress) {
			// no prompting here; continue with whatever credentials
			// were configured, possibly blank
			t.pool.ContinueAfterParams(from)
		},
	})
	t.pool.SetLongTermAuthEnabled(true)
	if t.stunUser != "" {
		t.pool.SetUsername(t.stunUser)
		t.pool.SetPassword(t.stunPass)
	}

	t.doStun()
	t.doTurn()
}

func (t *LocalTransport) doStun() {
	if !t.stunBindAddr.IsValid() {
		return
	}

	t.binding = NewBinding(t.pool, &BindingConfig{
		OnSuccess: func(reflexive TransportAddress) {
			t.binding = nil
			t.refAddr = reflexive
			t.refAddrSource = t.stunBindAddr.Addr
			t.emitAddressesChanged()
		},
		OnError: func(err error) {
			t.binding = nil
			t.logger.Verbosef("stun binding on %s failed: %v", t.addr, err)
			t.emitError(ErrorStun)
		},
	})
	t.binding.SetTimers(t.stunRTO, t.stunRc, t.stunRm)
	t.binding.StartTo(t.stunBindAddr)
}

func (t *LocalTransport) doTurn() {
	if !t.stunRelayAddr.IsValid() {
		return
	}

	t.turn = NewTurnClient(&TurnClientConfig{
		Mode:     ModeUDP,
		Loop:     t.loop,
		Logger:   t.logger,
		Pool:     t.pool,
		Server:   t.stunRelayAddr,
		Username: t.stunUser,
		Password: t.stunPass,
		Software: t.software,
		RTO:      t.stunRTO,
		Rc:       t.stunRc,
		Rm:       t.stunRm,
		OnOutgoingDatagram: func(b []byte) {
			t.writeToSocket(b, t.stunRelayAddr)
		},
		OnActivated: t.turnActivatedCb,
		OnClosed:    t.turnClosed,
		OnError:     t.turnError,
	})
	t.turn.Start()
}

func (t *LocalTransport) turnActivatedCb() {
	// take the reflexive address from TURN only when there is no
	// separate Binding server
	if !t.stunBindAddr.IsValid() || t.stunBindAddr.Equal(t.stunRelayAddr) {
		t.refAddr = t.turn.ReflexiveAddress()
		t.refAddrSource = t.stunRelayAddr.Addr
	}

	t.relAddr = t.turn.RelayedAddress()
	t.turnActivated = true
	t.logger.Verbosef("relay ready on %s: relayed=%s reflexive=%s", t.addr, t.relAddr, t.turn.ReflexiveAddress())

	t.emitAddressesChanged()
}

func (t *LocalTransport) turnClosed() {
	t.turn = nil
	t.turnActivated = false
	t.postStop()
}

func (t *LocalTransport) turnError(err error) {
	t.turn = nil
	wasActivated := t.turnActivated
	t.turnActivated = false

	if errors.Is(err, iceerrors.ErrAllocateMismatch) && !t.extSock && t.handleRetry() {
		return
	}

	// a relay dying after activation is not an error worth aborting
	// gathering over
	if wasActivated {
		t.logger.Verbosef("active relay on %s died: %v", t.addr, err)
		return
	}

	t.emitError(ErrorTurn)
}

// handleRetry reacts to an allocation mismatch by rebinding on a new
// random port, at most maxRebindRetries times. Returns true if a retry is
// in motion (or a bind error was already reported).
func (t *LocalTransport) handleRetry() bool {
	if t.turnActivated || t.stopping {
		return false
	}

	t.retryCount++
	if t.retryCount > maxRebindRetries {
		return false
	}
	t.logger.Verbosef("allocation mismatch on %s, rebinding", t.addr)

	t.stopReader()
	t.conn.Close()
	t.conn = nil

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(t.bindIP, 0)))
	if err != nil {
		t.emitError(ErrorBind)
		return true
	}
	t.conn = conn
	t.addr = AddrFrom(conn.LocalAddr())
	t.startReader()

	t.refAddr = TransportAddress{}
	t.refAddrSource = netip.Addr{}
	t.relAddr = TransportAddress{}

	t.doTurn()

	// the local port changed and the reflexive address is gone
	t.emitAddressesChanged()
	return true
}

// Stop tears the transport down. If an allocation is live, it is released
// first (best effort); OnStopped fires when everything has quiesced.
func (t *LocalTransport) Stop() {
	if t.stopping {
		t.logger.Verbosef("local transport %s already stopping", t.addr)
		return
	}
	t.logger.Verbosef("stopping local transport %s", t.addr)
	t.stopping = true

	if t.binding != nil {
		t.binding.Cancel()
		t.binding = nil
	}

	if t.turn != nil {
		t.turn.Close() // OnClosed leads to postStop
	} else {
		t.postStop()
	}
}

func (t *LocalTransport) postStop() {
	done := t.readerDone
	t.stopReader()
	t.started = false

	conn := t.conn
	ext := t.extSock
	finish := func() {
		// only after the reader has exited: an adopted socket is
		// handed back usable, an owned one is closed
		if conn != nil {
			if ext {
				conn.SetReadDeadline(time.Time{})
			} else {
				conn.Close()
			}
		}
		if t.onStopped != nil {
			t.onStopped()
		}
	}
	if done != nil {
		go func() {
			<-done
			t.loop.Post(finish)
		}()
	} else {
		finish()
	}
}

func (t *LocalTransport) startReader() {
	stop := &atomic.Bool{}
	done := make(chan struct{})
	t.readerStop = stop
	t.readerDone = done
	conn := t.conn

	go func() {
		defer close(done)
		buf := make([]byte, 64*1024)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if stop.Load() {
				return
			}
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				t.loop.Post(func() { t.socketError(err) })
				return
			}
			pkt := append([]byte(nil), buf[:n]...)
			from := AddrFrom(raddr)
			t.loop.Post(func() { t.handleDatagram(pkt, from) })
		}
	}()
}

func (t *LocalTransport) stopReader() {
	if t.readerStop != nil {
		t.readerStop.Store(true)
		if t.conn != nil {
			t.conn.SetReadDeadline(time.Now())
		}
		t.readerStop = nil
		t.readerDone = nil
	}
}

func (t *LocalTransport) socketError(err error) {
	if t.stopping {
		return
	}
	t.logger.Warningf("socket error on %s: %v", t.addr, err)
	t.emitError(ErrorGeneric)
}

func (t *LocalTransport) handleDatagram(pkt []byte, from TransportAddress) {
	if t.stopping {
		return
	}

	if t.pool != nil && (from.Equal(t.stunBindAddr) || from.Equal(t.stunRelayAddr)) {
		handled, notStun := t.pool.WriteIncomingMessage(pkt, from)
		if handled {
			return
		}
		if t.turn != nil {
			if data, peer, ok := t.turn.ProcessIncomingDatagram(pkt, notStun); ok {
				t.queueDatagram(PathRelayed, data, peer)
				return
			}
		}
		t.logger.Verbosef("server sent neither STUN nor data, skipping")
		return
	}

	// anything else is peer traffic on the direct path, including
	// connectivity-check STUN from peers
	t.queueDatagram(PathDirect, pkt, from)
}

func (t *LocalTransport) queueDatagram(path int, buf []byte, from TransportAddress) {
	t.mu.Lock()
	if path == PathDirect {
		t.in = append(t.in, datagram{addr: from, buf: buf})
	} else {
		t.inRelayed = append(t.inRelayed, datagram{addr: from, buf: buf})
	}
	t.mu.Unlock()

	if t.onReadyRead != nil {
		t.onReadyRead(path)
	}
}

// HasPendingDatagrams reports queued input on the given path. Safe from
// any goroutine.
func (t *LocalTransport) HasPendingDatagrams(path int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if path == PathDirect {
		return len(t.in) > 0
	}
	return len(t.inRelayed) > 0
}

// ReadDatagram pops one queued datagram from the given path. Safe from
// any goroutine.
func (t *LocalTransport) ReadDatagram(path int) (buf []byte, from TransportAddress, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := &t.in
	if path == PathRelayed {
		q = &t.inRelayed
	}
	if len(*q) == 0 {
		return nil, TransportAddress{}, false
	}
	dg := (*q)[0]
	*q = (*q)[1:]
	return dg.buf, dg.addr, true
}

// WriteDatagram sends buf to peer: path 0 straight out the socket, path 1
// through the TURN allocation. Safe from any goroutine.
func (t *LocalTransport) WriteDatagram(path int, buf []byte, peer TransportAddress) error {
	if path == PathDirect {
		conn := t.conn
		if conn == nil {
			return iceerrors.ErrNotStarted
		}
		_, err := conn.WriteToUDP(buf, peer.UDPAddr())
		return err
	}

	data := append([]byte(nil), buf...)
	return t.loop.Post(func() {
		if t.turn != nil && t.turnActivated {
			if err := t.turn.Write(data, peer); err != nil {
				t.logger.Verbosef("relay write to %s failed: %v", peer, err)
			}
		}
	})
}

// AddChannelPeer installs a TURN channel binding for peer so path-1 sends
// use the compact ChannelData framing.
func (t *LocalTransport) AddChannelPeer(peer TransportAddress) {
	t.loop.Post(func() {
		if t.turn != nil {
			if err := t.turn.AddChannelPeer(peer); err != nil {
				t.logger.Verbosef("channel bind to %s failed: %v", peer, err)
			}
		}
	})
}

func (t *LocalTransport) writeToSocket(b []byte, to TransportAddress) {
	if t.conn == nil {
		return
	}
	if _, err := t.conn.WriteToUDP(b, to.UDPAddr()); err != nil {
		t.logger.Verbosef("udp write to %s failed: %v", to, err)
	}
}

func (t *LocalTransport) emitAddressesChanged() {
	if t.onAddressesChanged != nil {
		t.onAddressesChanged()
	}
}

func (t *LocalTransport) emitError(kind TransportError) {
	if t.onError != nil {
		t.onError(kind)
	}
}
