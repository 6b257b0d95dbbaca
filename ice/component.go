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
	"sync/atomic"
	"time"

	"iceflow/pkg/iceerrors"
	"iceflow/pkg/log"
	"iceflow/pkg/loop"
	"iceflow/pkg/metrics"
)

// PortReserver lends pre-bound UDP sockets to components, keyed by local
// ip. Borrowed sockets are returned, never closed.
type PortReserver interface {
	Take(ip netip.Addr) *net.UDPConn
	Return(conns []*net.UDPConn)
}

// udpTransport is the component's bookkeeping for one LocalTransport.
type udpTransport struct {
	handle int
	conn   *net.UDPConn // only set when borrowed
	addr   netip.Addr
	sock   *LocalTransport

	network int
	isVPN   bool

	started      bool
	stunStarted  bool
	stunFinished bool
	turnFinished bool

	extAddr     netip.Addr
	extFinished bool
	borrowed    bool
}

type componentConfig struct {
	localAddrs []LocalAddress
	extAddrs   []ExternalAddress

	stunBindAddr TransportAddress

	stunRelayUdpAddr TransportAddress
	stunRelayUdpUser string
	stunRelayUdpPass string

	stunRelayTcpAddr TransportAddress
	stunRelayTcpUser string
	stunRelayTcpPass string
}

// ComponentConfig configures a Component.
type ComponentConfig struct {
	// ID is the ICE component id, in [1, 256] (RTP = 1, RTCP = 2).
	ID int

	Loop   *loop.Loop
	Logger *log.Logger

	// Agent provides stable candidate foundations. A default is created
	// when nil, but sharing one Agent across components keeps
	// foundations consistent for pairing.
	Agent *Agent

	// Software is attached as the SOFTWARE attribute on TURN Allocate requests.
	Software string

	// STUN retransmission overrides for all transports, zero = RFC 5389
	// defaults.
	StunRTO time.Duration
	StunRc  int
	StunRm  int

	OnCandidateAdded    func(Candidate)
	OnCandidateRemoved  func(Candidate)
	OnLocalFinished     func()
	OnGatheringComplete func()
	OnStopped           func()
	OnError             func(err error)

	// OnReadyRead fires with the component id when any transport has
	// queued datagrams.
	OnReadyRead func(componentID int)
}

// Component gathers and owns the local candidates of one ICE component.
// It drives one LocalTransport per local address plus, optionally, one
// TCP TURN transport; synthesizes Host, ServerReflexive, Relayed and
// PeerReflexive candidates; eliminates redundant ones; reports gathering
// completion; and routes datagrams by candidate.
//
// All state belongs to the loop; public methods post and return
// immediately. The candidate table additionally sits behind a mutex so
// the datagram I/O surface works from any goroutine.
type Component struct {
	id     int
	loop   *loop.Loop
	logger *log.Logger
	agent  *Agent

	software string
	proxy    Proxy

	stunRTO time.Duration
	stunRc  int
	stunRm  int

	portReserver PortReserver

	pending componentConfig
	config  componentConfig

	udpTransports []*udpTransport
	tcpTurn       *TCPTurnTransport
	tcpTurnHandle int
	nextHandle    int

	// ioByRef mirrors the live transports for lock-free-loop lookups
	// from the datagram I/O surface, which runs on any goroutine.
	ioMu    sync.Mutex
	ioByRef map[TransportRef]transportIO

	mu              sync.Mutex
	localCandidates []Candidate
	channelPeers    map[int]map[TransportAddress]struct{}

	useLocal        bool
	useStunBind     bool
	useStunRelayUdp bool
	useStunRelayTcp bool

	localFinished     bool
	gatheringComplete atomic.Bool
	stopping          atomic.Bool
	gatherStarted     time.Time

	onCandidateAdded    func(Candidate)
	onCandidateRemoved  func(Candidate)
	onLocalFinished     func()
	onGatheringComplete func()
	onStopped           func()
	onError             func(err error)
	onReadyRead         func(componentID int)
}

// NewComponent creates a component for the given ICE component id.
func NewComponent(cfg *ComponentConfig) *Component {
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger(log.LevelSilent, "ice-component")
	}
	if cfg.Agent == nil {
		cfg.Agent = NewAgent()
	}
	return &Component{
		id:       cfg.ID,
		loop:     cfg.Loop,
		logger:   cfg.Logger,
		agent:    cfg.Agent,
		software: cfg.Software,
		stunRTO:  cfg.StunRTO,
		stunRc:   cfg.StunRc,
		stunRm:   cfg.StunRm,

		channelPeers:  make(map[int]map[TransportAddress]struct{}),
		ioByRef:       make(map[TransportRef]transportIO),
		tcpTurnHandle: -1,

		useLocal:        true,
		useStunBind:     true,
		useStunRelayUdp: true,
		useStunRelayTcp: true,

		onCandidateAdded:    cfg.OnCandidateAdded,
		onCandidateRemoved:  cfg.OnCandidateRemoved,
		onLocalFinished:     cfg.OnLocalFinished,
		onGatheringComplete: cfg.OnGatheringComplete,
		onStopped:           cfg.OnStopped,
		onError:             cfg.OnError,
		onReadyRead:         cfg.OnReadyRead,
	}
}

// ID returns the ICE component id.
func (c *Component) ID() int { return c.id }

// IsGatheringComplete reports whether gathering has finished. Once set it
// never resets; only peer-reflexive candidates may appear afterwards.
func (c *Component) IsGatheringComplete() bool { return c.gatheringComplete.Load() }

// SetProxy routes a TCP TURN transport through a proxy.
func (c *Component) SetProxy(p Proxy) {
	c.loop.Post(func() { c.proxy = p })
}

// SetLocalAddresses stages the local interface addresses. Installed on
// the first Update that carries any; later additions are ignored.
func (c *Component) SetLocalAddresses(addrs []LocalAddress) {
	staged := append([]LocalAddress(nil), addrs...)
	c.loop.Post(func() { c.pending.localAddrs = staged })
}

// SetExternalAddresses stages manually configured NAT mappings.
func (c *Component) SetExternalAddresses(addrs []ExternalAddress) {
	staged := append([]ExternalAddress(nil), addrs...)
	c.loop.Post(func() { c.pending.extAddrs = staged })
}

// SetStunBindService stages the STUN Binding server coordinates.
func (c *Component) SetStunBindService(addr TransportAddress) {
	c.loop.Post(func() { c.pending.stunBindAddr = addr })
}

// SetStunRelayUdpService stages the UDP TURN server coordinates.
func (c *Component) SetStunRelayUdpService(addr TransportAddress, user, pass string) {
	c.loop.Post(func() {
		c.pending.stunRelayUdpAddr = addr
		c.pending.stunRelayUdpUser = user
		c.pending.stunRelayUdpPass = pass
	})
}

// SetStunRelayTcpService stages the TCP TURN server coordinates.
func (c *Component) SetStunRelayTcpService(addr TransportAddress, user, pass string) {
	c.loop.Post(func() {
		c.pending.stunRelayTcpAddr = addr
		c.pending.stunRelayTcpUser = user
		c.pending.stunRelayTcpPass = pass
	})
}

// SetUseLocal controls emission of host candidates.
func (c *Component) SetUseLocal(enabled bool) {
	c.loop.Post(func() { c.useLocal = enabled })
}

// SetUseStunBind controls server-reflexive discovery.
func (c *Component) SetUseStunBind(enabled bool) {
	c.loop.Post(func() { c.useStunBind = enabled })
}

// SetUseStunRelayUdp controls UDP TURN allocations.
func (c *Component) SetUseStunRelayUdp(enabled bool) {
	c.loop.Post(func() { c.useStunRelayUdp = enabled })
}

// SetUseStunRelayTcp controls the TCP TURN transport.
func (c *Component) SetUseStunRelayTcp(enabled bool) {
	c.loop.Post(func() { c.useStunRelayTcp = enabled })
}

// Update promotes staged configuration and starts whatever transports are
// newly possible. Each configuration field is promoted exactly once. The
// reserver, when non-nil, lends pre-bound sockets by local ip.
func (c *Component) Update(reserver PortReserver) {
	c.loop.Post(func() { c.update(reserver) })
}

func (c *Component) update(reserver PortReserver) {
	if c.stopping.Load() {
		return
	}
	if c.gatherStarted.IsZero() {
		c.gatherStarted = time.Now()
	}
	if reserver != nil {
		c.portReserver = reserver
	}

	// stun coordinates are writable only while still unset
	if (c.pending.stunBindAddr.IsValid() && !c.config.stunBindAddr.IsValid()) ||
		(c.pending.stunRelayUdpAddr.IsValid() && !c.config.stunRelayUdpAddr.IsValid()) ||
		(c.pending.stunRelayTcpAddr.IsValid() && !c.config.stunRelayTcpAddr.IsValid()) {
		c.config.stunBindAddr = c.pending.stunBindAddr
		c.config.stunRelayUdpAddr = c.pending.stunRelayUdpAddr
		c.config.stunRelayUdpUser = c.pending.stunRelayUdpUser
		c.config.stunRelayUdpPass = c.pending.stunRelayUdpPass
		c.config.stunRelayTcpAddr = c.pending.stunRelayTcpAddr
		c.config.stunRelayTcpUser = c.pending.stunRelayTcpUser
		c.config.stunRelayTcpPass = c.pending.stunRelayTcpPass
	}

	// local addresses install on the first update that has any
	if len(c.pending.localAddrs) > 0 && len(c.config.localAddrs) == 0 {
		for _, la := range c.pending.localAddrs {
			if c.findLocalAddr(la.Addr) != -1 {
				continue
			}

			var conn *net.UDPConn
			if c.useLocal && c.portReserver != nil {
				conn = c.portReserver.Take(la.Addr)
			}

			c.config.localAddrs = append(c.config.localAddrs, la)

			lt := c.createLocalTransport(la)
			lt.borrowed = conn != nil
			lt.conn = conn
			c.udpTransports = append(c.udpTransports, lt)

			if !la.Addr.Unmap().Is6() {
				if c.useStunBind && c.config.stunBindAddr.IsValid() {
					lt.sock.SetStunBindService(c.config.stunBindAddr)
				}
				if c.useStunRelayUdp && c.config.stunRelayUdpAddr.IsValid() && c.config.stunRelayUdpUser != "" {
					lt.sock.SetStunRelayService(c.config.stunRelayUdpAddr, c.config.stunRelayUdpUser, c.config.stunRelayUdpPass)
				}
			}

			if conn != nil {
				lt.sock.Start(conn)
			} else {
				lt.sock.StartAddr(la.Addr)
			}
			c.logger.Verbosef("starting transport %s for component %d", la.Addr, c.id)
		}
	}

	// external addresses install on the first update that has any
	if len(c.pending.extAddrs) > 0 && len(c.config.extAddrs) == 0 {
		c.config.extAddrs = c.pending.extAddrs

		needDoExt := false
		for _, lt := range c.udpTransports {
			if lt.extAddr.IsValid() || lt.addr.Unmap().Is6() {
				continue
			}

			for _, ea := range c.config.extAddrs {
				if !sameIP(ea.Base.Addr, lt.addr) {
					continue
				}
				if ea.PortBase != -1 && (!lt.started || ea.PortBase != lt.sock.LocalAddress().Port) {
					continue
				}
				lt.extAddr = ea.Addr
				if lt.started {
					needDoExt = true
				}
				break
			}
		}

		if needDoExt {
			c.loop.Post(func() {
				if c.stopping.Load() {
					return
				}
				for _, lt := range append([]*udpTransport(nil), c.udpTransports...) {
					if lt.started {
						c.ensureExt(lt, c.findLocalAddr(lt.addr))
						if c.stopping.Load() {
							return
						}
					}
				}
			})
		}
	}

	if c.useStunRelayTcp && c.config.stunRelayTcpAddr.IsValid() && c.config.stunRelayTcpUser != "" && c.tcpTurn == nil {
		tt := NewTCPTurnTransport(&TCPTurnTransportConfig{
			Loop:        c.loop,
			Logger:      c.logger,
			Software:    c.software,
			OnStarted:   func() { c.ttStarted() },
			OnStopped:   func() { c.ttStopped() },
			OnError:     func(TransportError) { c.ttError() },
			OnReadyRead: func(int) { c.emitReadyRead() },
		})
		tt.SetUsername(c.config.stunRelayTcpUser)
		tt.SetPassword(c.config.stunRelayTcpPass)
		tt.SetProxy(c.proxy)
		c.tcpTurn = tt
		c.tcpTurnHandle = c.takeHandle()
		c.registerIO(TransportRef{Kind: TransportTCPTurn, Handle: c.tcpTurnHandle}, tt)
		tt.Start(c.config.stunRelayTcpAddr)
		c.logger.Verbosef("starting tcp turn transport to %s for component %d", c.config.stunRelayTcpAddr, c.id)
	}

	if len(c.udpTransports) == 0 && !c.localFinished {
		c.localFinished = true
		c.loop.Post(c.emitLocalFinished)
	}
	c.loop.Post(c.tryGatheringComplete)
}

func (c *Component) takeHandle() int {
	h := c.nextHandle
	c.nextHandle++
	return h
}

func (c *Component) createLocalTransport(la LocalAddress) *udpTransport {
	lt := &udpTransport{
		handle:  c.takeHandle(),
		addr:    la.Addr,
		network: la.Network,
		isVPN:   la.IsVPN,
	}

	lt.sock = NewLocalTransport(&LocalTransportConfig{
		Loop:      c.loop,
		Logger:    c.logger,
		Software:  c.software,
		StunRTO:   c.stunRTO,
		StunRc:    c.stunRc,
		StunRm:    c.stunRm,
		OnStarted: func() { c.ltStarted(lt) },
		OnStopped: func() {
			if c.eraseLocalTransport(lt) {
				c.tryStopped()
			}
		},
		OnAddressesChanged: func() { c.ltAddressesChanged(lt) },
		OnReadyRead:        func(int) { c.emitReadyRead() },
		OnError: func(kind TransportError) {
			switch kind {
			case ErrorStun:
				metrics.StunFailures.Inc()
				lt.stunFinished = true
				c.tryGatheringComplete()
			case ErrorTurn:
				metrics.TurnFailures.Inc()
				lt.turnFinished = true
				c.tryGatheringComplete()
			default:
				if c.eraseLocalTransport(lt) {
					c.checkAllDead()
					c.tryGatheringComplete()
				}
			}
		},
	})
	c.registerIO(TransportRef{Kind: TransportLocalUDP, Handle: lt.handle}, lt.sock)
	return lt
}

// checkAllDead raises the only fatal condition gathering has: every
// transport died before producing a single candidate.
func (c *Component) checkAllDead() {
	if c.stopping.Load() || c.gatheringComplete.Load() || !c.allStopped() {
		return
	}
	c.mu.Lock()
	empty := len(c.localCandidates) == 0
	c.mu.Unlock()
	if !empty {
		return
	}
	if c.onError != nil {
		c.onError(iceerrors.ErrTransportDead)
	}
	c.postStop()
}

func (c *Component) findLocalAddr(addr netip.Addr) int {
	for n, la := range c.config.localAddrs {
		if sameIP(la.Addr, addr) {
			return n
		}
	}
	return -1
}

func (c *Component) findTransport(lt *udpTransport) int {
	for n, cur := range c.udpTransports {
		if cur == lt {
			return n
		}
	}
	return -1
}

// getID returns the lowest candidate id not currently in use. Ids of
// removed candidates may be reused.
func (c *Component) getID() int {
	for n := 0; ; n++ {
		found := false
		for _, cand := range c.localCandidates {
			if cand.ID == n {
				found = true
				break
			}
		}
		if !found {
			return n
		}
	}
}

func (c *Component) ltStarted(lt *udpTransport) {
	lt.started = true

	addrAt := c.findLocalAddr(lt.addr)

	if c.useLocal {
		ci := &CandidateInfo{
			Addr:        lt.sock.LocalAddress(),
			Type:        HostType,
			ComponentID: c.id,
			Network:     lt.network,
		}
		ci.Base = ci.Addr
		ci.Priority = defaultPriority(HostType, 65535-addrAt, lt.isVPN, c.id)
		ci.Foundation = c.agent.Foundation(HostType, ci.Base.Addr)

		c.addCandidate(Candidate{
			ID:        c.getID(),
			Info:      ci,
			Transport: TransportRef{Kind: TransportLocalUDP, Handle: lt.handle},
			Path:      PathDirect,
		})
		if c.stopping.Load() {
			return
		}

		c.ensureExt(lt, addrAt)
		if c.stopping.Load() {
			return
		}
	}

	if !lt.stunStarted {
		lt.stunStarted = true
		if lt.sock.StunBindServiceAddress().IsValid() || lt.sock.StunRelayServiceAddress().IsValid() {
			lt.sock.StunStart()
			if c.stopping.Load() {
				return
			}
		} else {
			lt.stunFinished = true
			lt.turnFinished = true
		}
	}

	if !c.localFinished {
		allStarted := true
		for _, cur := range c.udpTransports {
			if !cur.started {
				allStarted = false
				break
			}
		}
		if allStarted {
			c.localFinished = true
			c.emitLocalFinished()
			if c.stopping.Load() {
				return
			}
		}
	}

	c.tryGatheringComplete()
}

// ensureExt emits the manually mapped server-reflexive candidate for lt,
// once, without waiting for STUN.
func (c *Component) ensureExt(lt *udpTransport, addrAt int) {
	if !lt.extAddr.IsValid() || lt.extFinished {
		return
	}

	ci := &CandidateInfo{
		Addr:        TransportAddress{Addr: lt.extAddr, Port: lt.sock.LocalAddress().Port},
		Type:        ServerReflexiveType,
		ComponentID: c.id,
		Network:     lt.network,
	}
	ci.Priority = defaultPriority(ServerReflexiveType, 65535-addrAt, lt.isVPN, c.id)
	ci.Base = lt.sock.LocalAddress()
	ci.Related = ci.Base
	ci.Foundation = c.agent.Foundation(ServerReflexiveType, ci.Base.Addr)

	lt.extFinished = true

	c.storeLocalNotRedundantCandidate(Candidate{
		ID:        c.getID(),
		Info:      ci,
		Transport: TransportRef{Kind: TransportLocalUDP, Handle: lt.handle},
		Path:      PathDirect,
	})
}

func (c *Component) ltAddressesChanged(lt *udpTransport) {
	addrAt := c.findLocalAddr(lt.addr)

	if c.useStunBind && lt.sock.ServerReflexiveAddress().IsValid() && !lt.stunFinished {
		// other transports on the exact same local address inherit this
		// reflexive ip as their external address, sparing a probe
		for _, other := range append([]*udpTransport(nil), c.udpTransports...) {
			if other != lt && !other.extAddr.IsValid() && other.sock.LocalAddress().Equal(lt.sock.LocalAddress()) {
				other.extAddr = lt.sock.ServerReflexiveAddress().Addr
				if other.started {
					c.ensureExt(other, addrAt)
					if c.stopping.Load() {
						return
					}
				}
			}
		}

		ci := &CandidateInfo{
			Addr:        lt.sock.ServerReflexiveAddress(),
			Base:        lt.sock.LocalAddress(),
			Type:        ServerReflexiveType,
			ComponentID: c.id,
			Network:     lt.network,
		}
		ci.Related = ci.Base
		ci.Priority = defaultPriority(ServerReflexiveType, 65535-addrAt, lt.isVPN, c.id)
		ci.Foundation = c.agent.FoundationFor(ServerReflexiveType, ci.Base.Addr, lt.sock.ReflexiveAddressSource(), ProtoUDP)

		lt.stunFinished = true

		c.storeLocalNotRedundantCandidate(Candidate{
			ID:        c.getID(),
			Info:      ci,
			Transport: TransportRef{Kind: TransportLocalUDP, Handle: lt.handle},
			Path:      PathDirect,
		})
		if c.stopping.Load() {
			return
		}
	} else if c.useStunBind && !lt.sock.IsStunAlive() && !lt.stunFinished {
		lt.stunFinished = true
	}

	if lt.sock.RelayedAddress().IsValid() && !lt.turnFinished {
		ci := &CandidateInfo{
			Addr:        lt.sock.RelayedAddress(),
			Related:     lt.sock.ServerReflexiveAddress(),
			Type:        RelayedType,
			ComponentID: c.id,
			Network:     lt.network,
		}
		ci.Base = ci.Addr
		ci.Priority = defaultPriority(RelayedType, 65535-addrAt, lt.isVPN, c.id)
		ci.Foundation = c.agent.FoundationFor(RelayedType, ci.Base.Addr, lt.sock.StunRelayServiceAddress().Addr, ProtoUDP)

		lt.turnFinished = true

		c.storeLocalNotRedundantCandidate(Candidate{
			ID:        c.getID(),
			Info:      ci,
			Transport: TransportRef{Kind: TransportLocalUDP, Handle: lt.handle},
			Path:      PathRelayed,
		})
	} else if !lt.sock.IsTurnAlive() && !lt.turnFinished {
		lt.turnFinished = true
	}
	if c.stopping.Load() {
		return
	}

	c.tryGatheringComplete()
}

func (c *Component) ttStarted() {
	if c.tcpTurn == nil {
		return
	}

	// ranked like a nic beyond any real one
	const addrAt = 1024

	ci := &CandidateInfo{
		Addr:        c.tcpTurn.RelayedAddress(),
		Related:     c.tcpTurn.ReflexiveAddress(),
		Type:        RelayedType,
		ComponentID: c.id,
		Network:     0,
	}
	ci.Base = ci.Addr
	ci.Priority = defaultPriority(RelayedType, 65535-addrAt, false, c.id)
	ci.Foundation = c.agent.FoundationFor(RelayedType, ci.Base.Addr, c.config.stunRelayTcpAddr.Addr, ProtoTCP)

	c.addCandidate(Candidate{
		ID:        c.getID(),
		Info:      ci,
		Transport: TransportRef{Kind: TransportTCPTurn, Handle: c.tcpTurnHandle},
		Path:      PathDirect,
	})
	if c.stopping.Load() {
		return
	}

	c.tryGatheringComplete()
}

func (c *Component) ttStopped() {
	ref := TransportRef{Kind: TransportTCPTurn, Handle: c.tcpTurnHandle}
	c.removeLocalCandidates(ref)
	c.unregisterIO(ref)
	c.tcpTurn = nil
	c.tcpTurnHandle = -1
	c.tryStopped()
}

func (c *Component) ttError() {
	ref := TransportRef{Kind: TransportTCPTurn, Handle: c.tcpTurnHandle}
	c.removeLocalCandidates(ref)
	c.unregisterIO(ref)
	c.tcpTurn = nil
	c.tcpTurnHandle = -1
	c.checkAllDead()
	c.tryGatheringComplete()
}

// addCandidate appends without the redundancy scan (host, tcp relay and
// peer-reflexive candidates).
func (c *Component) addCandidate(cand Candidate) {
	c.mu.Lock()
	c.localCandidates = append(c.localCandidates, cand)
	c.mu.Unlock()

	metrics.CandidatesGathered.WithLabelValues(cand.Info.Type.String()).Inc()
	if c.onCandidateAdded != nil {
		c.onCandidateAdded(cand)
	}
}

// storeLocalNotRedundantCandidate applies RFC 8445 §5.1.3: a newcomer
// whose addr and base match a stored candidate of equal or higher
// priority is dropped silently. A stored candidate is never replaced.
func (c *Component) storeLocalNotRedundantCandidate(cand Candidate) {
	c.mu.Lock()
	for _, cc := range c.localCandidates {
		if cc.Info.Addr.Equal(cand.Info.Addr) && cc.Info.Base.Equal(cand.Info.Base) && cc.Info.Priority >= cand.Info.Priority {
			c.mu.Unlock()
			return
		}
	}
	c.localCandidates = append(c.localCandidates, cand)
	c.mu.Unlock()

	metrics.CandidatesGathered.WithLabelValues(cand.Info.Type.String()).Inc()
	if c.onCandidateAdded != nil {
		c.onCandidateAdded(cand)
	}
}

// removeLocalCandidates drops every candidate backed by ref, emitting one
// removal at a time; the table is re-scanned between emissions so the
// consumer may mutate us from the callback.
func (c *Component) removeLocalCandidates(ref TransportRef) {
	for {
		c.mu.Lock()
		var removed Candidate
		found := false
		for n, cand := range c.localCandidates {
			if cand.Transport == ref {
				removed = cand
				c.localCandidates = append(c.localCandidates[:n], c.localCandidates[n+1:]...)
				delete(c.channelPeers, cand.ID)
				found = true
				break
			}
		}
		c.mu.Unlock()

		if !found {
			return
		}
		if c.onCandidateRemoved != nil {
			c.onCandidateRemoved(removed)
		}
	}
}

// eraseLocalTransport removes lt's candidates and the transport itself,
// returning any borrowed socket. It always reports true.
func (c *Component) eraseLocalTransport(lt *udpTransport) bool {
	c.logger.Verbosef("dropping local transport %s", lt.addr)

	c.removeLocalCandidates(TransportRef{Kind: TransportLocalUDP, Handle: lt.handle})

	if at := c.findTransport(lt); at != -1 {
		c.udpTransports = append(c.udpTransports[:at], c.udpTransports[at+1:]...)
	}
	c.unregisterIO(TransportRef{Kind: TransportLocalUDP, Handle: lt.handle})
	if lt.borrowed && c.portReserver != nil && lt.conn != nil {
		c.portReserver.Return([]*net.UDPConn{lt.conn})
		lt.conn = nil
	}
	return true
}

func (c *Component) tryGatheringComplete() {
	if c.gatheringComplete.Load() {
		return
	}
	if c.tcpTurn != nil && !c.tcpTurn.IsStarted() {
		return
	}

	for _, lt := range c.udpTransports {
		finished := lt.started &&
			(!lt.sock.StunBindServiceAddress().IsValid() || lt.stunFinished) &&
			(!lt.sock.StunRelayServiceAddress().IsValid() || lt.turnFinished)
		if !finished {
			return
		}
	}

	c.gatheringComplete.Store(true)
	if !c.gatherStarted.IsZero() {
		metrics.GatheringDuration.Observe(time.Since(c.gatherStarted).Seconds())
	}
	if c.onGatheringComplete != nil {
		c.onGatheringComplete()
	}
}

// Stop tears down all transports; OnStopped fires after every child has
// acknowledged. Idempotent.
func (c *Component) Stop() {
	if c.stopping.Swap(true) {
		return
	}

	c.loop.Post(func() {
		if c.allStopped() {
			c.postStop()
			return
		}
		for _, lt := range append([]*udpTransport(nil), c.udpTransports...) {
			lt.sock.Stop()
		}
		if c.tcpTurn != nil {
			c.tcpTurn.Stop()
		}
	})
}

func (c *Component) allStopped() bool {
	return len(c.udpTransports) == 0 && c.tcpTurn == nil
}

func (c *Component) tryStopped() {
	if c.allStopped() {
		c.postStop()
	}
}

func (c *Component) postStop() {
	c.stopping.Store(false)
	if c.onStopped != nil {
		c.onStopped()
	}
}

// PeerReflexivePriority computes the priority a peer-reflexive candidate
// discovered on the given transport and path would get: below host/srflx
// of the same transport for the relayed path, and ranked last for the
// TCP TURN transport.
func (c *Component) PeerReflexivePriority(ref TransportRef, path int) uint32 {
	addrAt := 0
	switch ref.Kind {
	case TransportTCPTurn:
		addrAt = 1024
	default:
		for n, lt := range c.udpTransports {
			if lt.handle == ref.Handle {
				addrAt = n
				break
			}
		}
		if path == PathRelayed {
			// lower than the transport's own candidates, but not as
			// far down as the tcp relay
			addrAt += 512
		}
	}
	return defaultPriority(PeerReflexiveType, 65535-addrAt, false, c.id)
}

// AddLocalPeerReflexiveCandidate records a local peer-reflexive candidate
// discovered by an inbound connectivity check. It shares the transport
// and path of the host candidate whose base matches base.Base; the zone
// id of addr is stripped.
func (c *Component) AddLocalPeerReflexiveCandidate(addr TransportAddress, base *CandidateInfo, priority uint32) {
	c.loop.Post(func() {
		if c.stopping.Load() {
			return
		}

		ci := &CandidateInfo{
			Addr:        addr.normalized(),
			Related:     base.Addr,
			Base:        base.Addr,
			Type:        PeerReflexiveType,
			Priority:    priority,
			ComponentID: base.ComponentID,
			Network:     base.Network,
		}
		ci.Foundation = c.agent.Foundation(PeerReflexiveType, ci.Base.Addr)

		c.mu.Lock()
		var host *Candidate
		for n := range c.localCandidates {
			cand := &c.localCandidates[n]
			if cand.Info.Type == HostType && cand.Info.Base.Equal(base.Base) {
				host = cand
				break
			}
		}
		if host == nil {
			c.mu.Unlock()
			c.logger.Warningf("no host candidate with base %s for peer-reflexive %s", base.Base, addr)
			return
		}
		transport, path := host.Transport, host.Path
		c.mu.Unlock()

		c.addCandidate(Candidate{
			ID:        c.getIDLocked(),
			Info:      ci,
			Transport: transport,
			Path:      path,
		})
	})
}

func (c *Component) getIDLocked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getID()
}

// FlagPathAsLowOverhead installs a TURN channel binding from the given
// candidate toward addr, shrinking the per-datagram relay overhead from
// the 36-byte Send indication to the 4-byte ChannelData header. Channel
// peers stay bound for the candidate's lifetime.
func (c *Component) FlagPathAsLowOverhead(candidateID int, addr TransportAddress) {
	c.loop.Post(func() {
		c.mu.Lock()
		var cand *Candidate
		for n := range c.localCandidates {
			if c.localCandidates[n].ID == candidateID {
				cand = &c.localCandidates[n]
				break
			}
		}
		if cand == nil {
			c.mu.Unlock()
			return
		}

		peers, ok := c.channelPeers[candidateID]
		if !ok {
			peers = make(map[TransportAddress]struct{})
			c.channelPeers[candidateID] = peers
		}
		key := addr.normalized()
		if _, dup := peers[key]; dup {
			c.mu.Unlock()
			return
		}
		peers[key] = struct{}{}
		ref := cand.Transport
		c.mu.Unlock()

		if io := c.transportFor(ref); io != nil {
			io.AddChannelPeer(addr)
		}
	})
}

// transportIO is the shared datagram surface of the two transport kinds.
type transportIO interface {
	HasPendingDatagrams(path int) bool
	ReadDatagram(path int) (buf []byte, from TransportAddress, ok bool)
	WriteDatagram(path int, buf []byte, peer TransportAddress) error
	AddChannelPeer(peer TransportAddress)
}

// transportFor resolves a handle to the live transport, or nil when it
// has been destroyed. Safe from any goroutine.
func (c *Component) transportFor(ref TransportRef) transportIO {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	return c.ioByRef[ref]
}

func (c *Component) registerIO(ref TransportRef, io transportIO) {
	c.ioMu.Lock()
	c.ioByRef[ref] = io
	c.ioMu.Unlock()
}

func (c *Component) unregisterIO(ref TransportRef) {
	c.ioMu.Lock()
	delete(c.ioByRef, ref)
	c.ioMu.Unlock()
}

// Candidates returns a snapshot of the live candidates.
func (c *Component) Candidates() []Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Candidate(nil), c.localCandidates...)
}

// WriteDatagram sends buf to peer over the identified candidate's
// transport and path. Safe from any goroutine.
func (c *Component) WriteDatagram(candidateID int, buf []byte, peer TransportAddress) error {
	c.mu.Lock()
	var ref TransportRef
	path := -1
	for _, cand := range c.localCandidates {
		if cand.ID == candidateID {
			ref = cand.Transport
			path = cand.Path
			break
		}
	}
	c.mu.Unlock()

	if path == -1 {
		return iceerrors.ErrCandidateNotFound
	}
	io := c.transportFor(ref)
	if io == nil {
		return iceerrors.ErrTransportDead
	}
	return io.WriteDatagram(path, buf, peer)
}

// HasPendingDatagrams reports queued input on a transport path.
func (c *Component) HasPendingDatagrams(ref TransportRef, path int) bool {
	io := c.transportFor(ref)
	return io != nil && io.HasPendingDatagrams(path)
}

// ReadDatagram pops one queued datagram from a transport path.
func (c *Component) ReadDatagram(ref TransportRef, path int) (buf []byte, from TransportAddress, ok bool) {
	io := c.transportFor(ref)
	if io == nil {
		return nil, TransportAddress{}, false
	}
	return io.ReadDatagram(path)
}

func (c *Component) emitLocalFinished() {
	if c.onLocalFinished != nil {
		c.onLocalFinished()
	}
}

func (c *Component) emitReadyRead() {
	if c.onReadyRead != nil {
		c.onReadyRead(c.id)
	}
}
