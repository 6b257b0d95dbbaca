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
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"golang.org/x/net/proxy"

	"iceflow/pkg/iceerrors"
	"iceflow/pkg/log"
	"iceflow/pkg/loop"
)

const (
	requestedTransportUDP = 17

	defaultAllocationLifetime = 10 * time.Minute
	minRefreshInterval        = time.Minute
	permissionRefreshInterval = 4 * time.Minute
)

// ProxyType selects how the TCP TURN connection reaches the server.
type ProxyType int

const (
	ProxyNone ProxyType = iota
	ProxySOCKS5
	ProxyHTTPConnect
)

// Proxy describes an optional intermediary for TCP TURN.
type Proxy struct {
	Type ProxyType
	Addr string
	User string
	Pass string
}

type permState int

const (
	permNone permState = iota
	permPending
	permActive
)

type permission struct {
	ip    netip.Addr
	state permState
	queue []queuedWrite
}

type queuedWrite struct {
	buf  []byte
	peer TransportAddress
}

type channelBinding struct {
	peer  TransportAddress
	num   uint16
	bound bool
}

// TurnClientConfig configures a TurnClient.
type TurnClientConfig struct {
	Mode   TransactionMode
	Loop   *loop.Loop
	Logger *log.Logger

	// Pool carries the client's control transactions. In UDP mode this
	// is the owning transport's shared pool; in TCP mode leave nil and
	// the client creates its own stream pool.
	Pool *TransactionPool

	Server   TransportAddress
	Username string
	Password string
	Software string
	Proxy    Proxy

	// OnOutgoingDatagram carries raw bytes toward the server in UDP
	// mode (indications and ChannelData; control requests travel via
	// the pool).
	OnOutgoingDatagram func(b []byte)

	OnActivated func()
	OnClosed    func()
	OnError     func(err error)

	// OnReadyRead fires in TCP mode when relayed datagrams are queued.
	OnReadyRead func()

	// Timer overrides for the control transactions, zero = defaults.
	RTO time.Duration
	Rc  int
	Rm  int
}

// TurnClient drives one TURN allocation: Allocate and periodic Refresh,
// CreatePermission before relaying to a peer, ChannelBind on request, and
// Send/Data indications or ChannelData for the payload path. It runs in
// one of two modes: datagram (sharing the owning transport's socket and
// transaction pool) or stream (owning a TCP connection, optionally via a
// proxy).
type TurnClient struct {
	mode   TransactionMode
	loop   *loop.Loop
	logger *log.Logger
	pool   *TransactionPool

	server   TransportAddress
	username string
	password string
	software string
	proxyCfg Proxy

	relayed   TransportAddress
	reflexive TransportAddress
	lifetime  time.Duration

	activated bool
	closing   bool
	closed    bool

	perms       map[netip.Addr]*permission
	chanByPeer  map[TransportAddress]*channelBinding
	chanByNum   map[uint16]*channelBinding
	nextChannel uint16

	refreshTimer *time.Timer
	permTimer    *time.Timer

	// stream mode state
	conn      net.Conn
	streamBuf []byte
	inMu      sync.Mutex
	inbound   []datagram

	rto time.Duration
	rc  int
	rm  int

	onOutgoingDatagram func(b []byte)
	onActivated        func()
	onClosed           func()
	onError            func(err error)
	onReadyRead        func()
}

type datagram struct {
	addr TransportAddress
	buf  []byte
}

// NewTurnClient creates a client; call Start to connect/allocate.
func NewTurnClient(cfg *TurnClientConfig) *TurnClient {
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger(log.LevelSilent, "turn-client")
	}
	c := &TurnClient{
		mode:               cfg.Mode,
		loop:               cfg.Loop,
		logger:             cfg.Logger,
		pool:               cfg.Pool,
		server:             cfg.Server,
		username:           cfg.Username,
		password:           cfg.Password,
		software:           cfg.Software,
		proxyCfg:           cfg.Proxy,
		perms:              make(map[netip.Addr]*permission),
		chanByPeer:         make(map[TransportAddress]*channelBinding),
		chanByNum:          make(map[uint16]*channelBinding),
		nextChannel:        channelNumberMin,
		rto:                cfg.RTO,
		rc:                 cfg.Rc,
		rm:                 cfg.Rm,
		onOutgoingDatagram: cfg.OnOutgoingDatagram,
		onActivated:        cfg.OnActivated,
		onClosed:           cfg.OnClosed,
		onError:            cfg.OnError,
		onReadyRead:        cfg.OnReadyRead,
	}

	if c.mode == ModeTCP && c.pool == nil {
		c.pool = NewTransactionPool(&TransactionPoolConfig{
			Mode:   ModeTCP,
			Loop:   c.loop,
			Logger: c.logger,
			OnOutgoingMessage: func(packet []byte, _ TransportAddress) {
				c.writeStream(packet)
			},
			OnNeedAuthParams: func(from TransportAddress) {
				// no interactive prompting; continue with whatever
				// credentials are configured
				c.pool.ContinueAfterParams(from)
			},
		})
		c.pool.SetLongTermAuthEnabled(true)
		c.pool.SetUsername(c.username)
		c.pool.SetPassword(c.password)
	}
	return c
}

// Pool exposes the client's transaction pool (TCP mode) for stream
// routing.
func (c *TurnClient) Pool() *TransactionPool { return c.pool }

// RelayedAddress returns the allocation's relayed transport address.
func (c *TurnClient) RelayedAddress() TransportAddress { return c.relayed }

// ReflexiveAddress returns the server-reflexive address seen during
// Allocate.
func (c *TurnClient) ReflexiveAddress() TransportAddress { return c.reflexive }

// Activated reports whether the allocation is live.
func (c *TurnClient) Activated() bool { return c.activated }

// Start begins the allocation. In UDP mode the owner must already route
// server traffic into ProcessIncomingDatagram and the pool. Must run on
// the loop.
func (c *TurnClient) Start() {
	if c.mode == ModeUDP {
		c.allocate()
		return
	}

	go func() {
		conn, err := c.dial()
		c.loop.Post(func() {
			if c.closing || c.closed {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				c.emitError(fmt.Errorf("turn tcp connect: %w", err))
				return
			}
			c.conn = conn
			go c.readStream(conn)
			c.allocate()
		})
	}()
}

func (c *TurnClient) dial() (net.Conn, error) {
	target := c.server.String()
	switch c.proxyCfg.Type {
	case ProxySOCKS5:
		var auth *proxy.Auth
		if c.proxyCfg.User != "" {
			auth = &proxy.Auth{User: c.proxyCfg.User, Password: c.proxyCfg.Pass}
		}
		d, err := proxy.SOCKS5("tcp", c.proxyCfg.Addr, auth, &net.Dialer{Timeout: 10 * time.Second})
		if err != nil {
			return nil, err
		}
		return d.Dial("tcp", target)
	case ProxyHTTPConnect:
		conn, err := net.DialTimeout("tcp", c.proxyCfg.Addr, 10*time.Second)
		if err != nil {
			return nil, err
		}
		if err := httpConnect(conn, target, c.proxyCfg.User, c.proxyCfg.Pass); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	default:
		return net.DialTimeout("tcp", target, 10*time.Second)
	}
}

func httpConnect(conn net.Conn, target, user, pass string) error {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if user != "" {
		req += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", basicAuth(user, pass))
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		return err
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		return err
	}
	var proto string
	var code int
	if _, err := fmt.Sscanf(status, "%s %d", &proto, &code); err != nil || code != 200 {
		return fmt.Errorf("proxy connect refused: %q", status)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	if br.Buffered() > 0 {
		// TURN data must not race ahead of the handshake
		return fmt.Errorf("proxy sent unexpected early data")
	}
	return nil
}

func (c *TurnClient) transactionConfig(build MessageBuilder, onFinished func(*stun.Message, TransportAddress), onError func(error)) *TransactionConfig {
	return &TransactionConfig{
		To:         c.server,
		Build:      build,
		OnFinished: onFinished,
		OnError:    onError,
		RTO:        c.rto,
		Rc:         c.rc,
		Rm:         c.rm,
	}
}

func (c *TurnClient) allocate() {
	build := func(id TransactionID) (*stun.Message, error) {
		m := stun.New()
		m.Type = stun.MessageType{Method: stun.MethodAllocate, Class: stun.ClassRequest}
		m.TransactionID = id
		m.WriteHeader()
		if c.software != "" {
			if err := stun.NewSoftware(c.software).AddTo(m); err != nil {
				return nil, err
			}
		}
		m.Add(stun.AttrRequestedTransport, []byte{requestedTransportUDP, 0, 0, 0})
		return m, nil
	}

	NewTransaction(c.pool, c.transactionConfig(build, c.allocateFinished, func(err error) {
		c.emitError(fmt.Errorf("turn allocate: %w", err))
	})).Start()
}

func (c *TurnClient) allocateFinished(m *stun.Message, _ TransportAddress) {
	if c.closing || c.closed {
		return
	}
	if m.Type.Class == stun.ClassErrorResponse {
		code, _ := stunErrorCode(m)
		switch code {
		case int(stun.CodeAllocMismatch):
			c.emitError(iceerrors.ErrAllocateMismatch)
		default:
			c.emitError(fmt.Errorf("turn allocate: %w (error %d)", iceerrors.ErrRejected, code))
		}
		return
	}

	var relayed stun.XORMappedAddress
	if err := relayed.GetFromAs(m, stun.AttrXORRelayedAddress); err != nil {
		c.emitError(fmt.Errorf("turn allocate: %w: missing XOR-RELAYED-ADDRESS", iceerrors.ErrProtocol))
		return
	}
	c.relayed = addrFromXOR(relayed)

	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(m); err == nil {
		c.reflexive = addrFromXOR(mapped)
	}

	c.lifetime = lifetimeFrom(m)
	c.activated = true
	c.scheduleRefresh()
	c.schedulePermissionRefresh()

	c.logger.Verbosef("allocation live: relayed=%s reflexive=%s lifetime=%s", c.relayed, c.reflexive, c.lifetime)
	if c.onActivated != nil {
		c.onActivated()
	}
}

func lifetimeFrom(m *stun.Message) time.Duration {
	v, err := m.Get(stun.AttrLifetime)
	if err != nil || len(v) != 4 {
		return defaultAllocationLifetime
	}
	return time.Duration(binary.BigEndian.Uint32(v)) * time.Second
}

func (c *TurnClient) scheduleRefresh() {
	interval := c.lifetime * 5 / 6
	if interval < minRefreshInterval {
		interval = minRefreshInterval
	}
	c.stopTimer(&c.refreshTimer)
	c.refreshTimer = time.AfterFunc(interval, func() {
		c.loop.Post(func() {
			if c.activated && !c.closing {
				c.refresh(c.lifetime)
			}
		})
	})
}

func (c *TurnClient) schedulePermissionRefresh() {
	c.stopTimer(&c.permTimer)
	c.permTimer = time.AfterFunc(permissionRefreshInterval, func() {
		c.loop.Post(func() {
			if !c.activated || c.closing {
				return
			}
			for _, p := range c.perms {
				if p.state == permActive {
					c.sendCreatePermission(p)
				}
			}
			for _, ch := range c.chanByNum {
				if ch.bound {
					c.sendChannelBind(ch)
				}
			}
			c.schedulePermissionRefresh()
		})
	})
}

func (c *TurnClient) refresh(lifetime time.Duration) {
	build := func(id TransactionID) (*stun.Message, error) {
		m := stun.New()
		m.Type = stun.MessageType{Method: stun.MethodRefresh, Class: stun.ClassRequest}
		m.TransactionID = id
		m.WriteHeader()
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], uint32(lifetime/time.Second))
		m.Add(stun.AttrLifetime, v[:])
		return m, nil
	}

	NewTransaction(c.pool, c.transactionConfig(build, func(m *stun.Message, _ TransportAddress) {
		if c.closing || c.closed {
			return
		}
		if m.Type.Class == stun.ClassErrorResponse {
			code, _ := stunErrorCode(m)
			c.emitError(fmt.Errorf("turn refresh: %w (error %d)", iceerrors.ErrRejected, code))
			return
		}
		c.lifetime = lifetimeFrom(m)
		c.scheduleRefresh()
	}, func(err error) {
		c.emitError(fmt.Errorf("turn refresh: %w", err))
	})).Start()
}

// Write relays one datagram to peer: ChannelData when a channel is bound,
// otherwise a Send indication once a permission is installed. Writes
// racing a pending permission are queued and flushed on success.
func (c *TurnClient) Write(buf []byte, peer TransportAddress) error {
	if !c.activated {
		return iceerrors.ErrNoRelay
	}

	if ch, ok := c.chanByPeer[peer.normalized()]; ok && ch.bound {
		out, err := encodeChannelData(ch.num, buf, c.mode == ModeTCP)
		if err != nil {
			return err
		}
		c.sendRaw(out)
		return nil
	}

	p := c.permissionFor(peer.Addr)
	switch p.state {
	case permActive:
		c.sendIndication(buf, peer)
	case permPending:
		p.queue = append(p.queue, queuedWrite{buf: append([]byte(nil), buf...), peer: peer})
	case permNone:
		p.queue = append(p.queue, queuedWrite{buf: append([]byte(nil), buf...), peer: peer})
		p.state = permPending
		c.sendCreatePermission(p)
	}
	return nil
}

func (c *TurnClient) permissionFor(ip netip.Addr) *permission {
	key := ip.Unmap().WithZone("")
	p, ok := c.perms[key]
	if !ok {
		p = &permission{ip: key}
		c.perms[key] = p
	}
	return p
}

func (c *TurnClient) sendCreatePermission(p *permission) {
	build := func(id TransactionID) (*stun.Message, error) {
		m := stun.New()
		m.Type = stun.MessageType{Method: stun.MethodCreatePermission, Class: stun.ClassRequest}
		m.TransactionID = id
		m.WriteHeader()
		xa := stun.XORMappedAddress{IP: p.ip.AsSlice(), Port: 0}
		if err := xa.AddToAs(m, stun.AttrXORPeerAddress); err != nil {
			return nil, err
		}
		return m, nil
	}

	NewTransaction(c.pool, c.transactionConfig(build, func(m *stun.Message, _ TransportAddress) {
		if m.Type.Class == stun.ClassErrorResponse {
			code, _ := stunErrorCode(m)
			c.logger.Warningf("create-permission for %s rejected (error %d)", p.ip, code)
			p.state = permNone
			p.queue = nil
			return
		}
		p.state = permActive
		queued := p.queue
		p.queue = nil
		for _, w := range queued {
			c.sendIndication(w.buf, w.peer)
		}
	}, func(err error) {
		c.logger.Warningf("create-permission for %s failed: %v", p.ip, err)
		p.state = permNone
		p.queue = nil
	})).Start()
}

func (c *TurnClient) sendIndication(buf []byte, peer TransportAddress) {
	m := stun.New()
	m.Type = stun.MessageType{Method: stun.MethodSend, Class: stun.ClassIndication}
	m.TransactionID = c.pool.GenerateID()
	m.WriteHeader()
	xa := stun.XORMappedAddress{IP: peer.UDPAddr().IP, Port: peer.Port}
	if err := xa.AddToAs(m, stun.AttrXORPeerAddress); err != nil {
		return
	}
	m.Add(stun.AttrData, buf)
	c.sendRaw(m.Raw)
}

// AddChannelPeer binds a TURN channel to peer so subsequent writes use the
// 4-byte ChannelData header instead of the 36-byte Send indication.
func (c *TurnClient) AddChannelPeer(peer TransportAddress) error {
	key := peer.normalized()
	if _, ok := c.chanByPeer[key]; ok {
		return nil
	}
	if c.nextChannel > channelNumberMax {
		return iceerrors.ErrChannelsExhausted
	}

	ch := &channelBinding{peer: key, num: c.nextChannel}
	c.nextChannel++
	c.chanByPeer[key] = ch
	c.chanByNum[ch.num] = ch
	c.sendChannelBind(ch)
	return nil
}

func (c *TurnClient) sendChannelBind(ch *channelBinding) {
	build := func(id TransactionID) (*stun.Message, error) {
		m := stun.New()
		m.Type = stun.MessageType{Method: stun.MethodChannelBind, Class: stun.ClassRequest}
		m.TransactionID = id
		m.WriteHeader()
		var num [4]byte
		binary.BigEndian.PutUint16(num[0:2], ch.num)
		m.Add(stun.AttrChannelNumber, num[:])
		xa := stun.XORMappedAddress{IP: ch.peer.UDPAddr().IP, Port: ch.peer.Port}
		if err := xa.AddToAs(m, stun.AttrXORPeerAddress); err != nil {
			return nil, err
		}
		return m, nil
	}

	NewTransaction(c.pool, c.transactionConfig(build, func(m *stun.Message, _ TransportAddress) {
		if m.Type.Class == stun.ClassErrorResponse {
			code, _ := stunErrorCode(m)
			c.logger.Warningf("channel-bind %#x for %s rejected (error %d)", ch.num, ch.peer, code)
			delete(c.chanByPeer, ch.peer)
			delete(c.chanByNum, ch.num)
			return
		}
		ch.bound = true
		// a channel binding implies a permission for the peer's ip
		c.permissionFor(ch.peer.Addr).state = permActive
	}, func(err error) {
		c.logger.Warningf("channel-bind %#x for %s failed: %v", ch.num, ch.peer, err)
		delete(c.chanByPeer, ch.peer)
		delete(c.chanByNum, ch.num)
	})).Start()
}

// ProcessIncomingDatagram interprets one packet from the server that no
// transaction consumed. notStun is the pool's hint that STUN parsing will
// not succeed. Returns the relayed payload and its true source when the
// packet carried data.
func (c *TurnClient) ProcessIncomingDatagram(pkt []byte, notStun bool) (data []byte, from TransportAddress, ok bool) {
	if isChannelData(pkt) {
		chnum, payload, _, err := decodeChannelData(pkt, c.mode == ModeTCP)
		if err != nil {
			return nil, TransportAddress{}, false
		}
		ch, exists := c.chanByNum[chnum]
		if !exists {
			c.logger.Verbosef("channel data for unknown channel %#x, dropping", chnum)
			return nil, TransportAddress{}, false
		}
		return append([]byte(nil), payload...), ch.peer, true
	}

	if notStun || !stun.IsMessage(pkt) {
		return nil, TransportAddress{}, false
	}
	m := &stun.Message{Raw: append([]byte(nil), pkt...)}
	if err := m.Decode(); err != nil {
		return nil, TransportAddress{}, false
	}
	return c.processDataIndication(m)
}

func (c *TurnClient) processDataIndication(m *stun.Message) (data []byte, from TransportAddress, ok bool) {
	if m.Type.Method != stun.MethodData || m.Type.Class != stun.ClassIndication {
		return nil, TransportAddress{}, false
	}
	payload, err := m.Get(stun.AttrData)
	if err != nil {
		return nil, TransportAddress{}, false
	}
	var peer stun.XORMappedAddress
	if err := peer.GetFromAs(m, stun.AttrXORPeerAddress); err != nil {
		return nil, TransportAddress{}, false
	}
	return append([]byte(nil), payload...), addrFromXOR(peer), true
}

// Close releases the allocation (Refresh lifetime=0, best effort) and
// emits OnClosed when done. Idempotent.
func (c *TurnClient) Close() {
	if c.closing || c.closed {
		return
	}
	c.closing = true
	c.stopTimer(&c.refreshTimer)
	c.stopTimer(&c.permTimer)

	if !c.activated {
		c.finishClose()
		return
	}

	build := func(id TransactionID) (*stun.Message, error) {
		m := stun.New()
		m.Type = stun.MessageType{Method: stun.MethodRefresh, Class: stun.ClassRequest}
		m.TransactionID = id
		m.WriteHeader()
		m.Add(stun.AttrLifetime, []byte{0, 0, 0, 0})
		return m, nil
	}

	done := func() { c.finishClose() }
	cfg := c.transactionConfig(build,
		func(*stun.Message, TransportAddress) { done() },
		func(error) { done() })
	// single transmit; releasing is best effort
	cfg.Rc = 1
	cfg.Rm = 1
	cfg.RTO = time.Second
	cfg.Ti = 2 * time.Second
	NewTransaction(c.pool, cfg).Start()
}

func (c *TurnClient) finishClose() {
	if c.closed {
		return
	}
	c.closed = true
	c.activated = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.onClosed != nil {
		c.onClosed()
	}
}

func (c *TurnClient) emitError(err error) {
	if c.closing || c.closed {
		return
	}
	c.logger.Verbosef("turn error: %v", err)
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *TurnClient) sendRaw(b []byte) {
	if c.mode == ModeUDP {
		if c.onOutgoingDatagram != nil {
			c.onOutgoingDatagram(b)
		}
		return
	}
	c.writeStream(b)
}

func (c *TurnClient) writeStream(b []byte) {
	if c.conn == nil {
		return
	}
	conn := c.conn
	// stream writes may block; keep them off the loop
	go func() {
		if _, err := conn.Write(b); err != nil {
			c.loop.Post(func() {
				c.emitError(fmt.Errorf("turn tcp write: %w", err))
			})
		}
	}()
}

func (c *TurnClient) readStream(conn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			c.loop.Post(func() { c.feedStream(chunk) })
		}
		if err != nil {
			c.loop.Post(func() {
				if !c.closing && !c.closed {
					c.emitError(fmt.Errorf("turn tcp read: %w", err))
				}
			})
			return
		}
	}
}

func (c *TurnClient) feedStream(chunk []byte) {
	c.streamBuf = append(c.streamBuf, chunk...)

	for {
		if len(c.streamBuf) < channelDataHeaderSize {
			return
		}

		if isChannelData(c.streamBuf) {
			chnum, payload, consumed, err := decodeChannelData(c.streamBuf, true)
			if err != nil {
				return // wait for the rest of the frame
			}
			c.streamBuf = c.streamBuf[consumed:]
			if ch, ok := c.chanByNum[chnum]; ok {
				c.queueInbound(append([]byte(nil), payload...), ch.peer)
			}
			continue
		}

		if len(c.streamBuf) < 20 {
			return
		}
		if !stun.IsMessage(c.streamBuf[:20]) {
			c.emitError(fmt.Errorf("turn tcp stream: %w", iceerrors.ErrProtocol))
			return
		}
		total := 20 + int(binary.BigEndian.Uint16(c.streamBuf[2:4]))
		if len(c.streamBuf) < total {
			return
		}
		frame := c.streamBuf[:total]
		c.streamBuf = c.streamBuf[total:]

		handled, notStun := c.pool.WriteIncomingMessage(frame, c.server)
		if handled || notStun {
			continue
		}
		m := &stun.Message{Raw: append([]byte(nil), frame...)}
		if err := m.Decode(); err != nil {
			continue
		}
		if data, from, ok := c.processDataIndication(m); ok {
			c.queueInbound(data, from)
		}
	}
}

func (c *TurnClient) queueInbound(data []byte, from TransportAddress) {
	c.inMu.Lock()
	c.inbound = append(c.inbound, datagram{addr: from, buf: data})
	c.inMu.Unlock()
	if c.onReadyRead != nil {
		c.onReadyRead()
	}
}

// PacketsToRead returns the number of queued relayed datagrams (TCP
// mode). Safe from any goroutine.
func (c *TurnClient) PacketsToRead() int {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	return len(c.inbound)
}

// Read pops one queued relayed datagram (TCP mode). Safe from any
// goroutine.
func (c *TurnClient) Read() (buf []byte, from TransportAddress, ok bool) {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	if len(c.inbound) == 0 {
		return nil, TransportAddress{}, false
	}
	dg := c.inbound[0]
	c.inbound = c.inbound[1:]
	return dg.buf, dg.addr, true
}

func (c *TurnClient) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func stunErrorCode(m *stun.Message) (int, bool) {
	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(m); err != nil {
		return 0, false
	}
	return int(code.Code), true
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
