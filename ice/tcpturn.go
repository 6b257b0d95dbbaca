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
	"iceflow/pkg/iceerrors"
	"iceflow/pkg/log"
	"iceflow/pkg/loop"
)

// TCPTurnTransportConfig configures a TCPTurnTransport.
type TCPTurnTransportConfig struct {
	Loop   *loop.Loop
	Logger *log.Logger

	Software string

	OnStarted   func()
	OnStopped   func()
	OnReadyRead func(path int)
	OnError     func(kind TransportError)
}

// TCPTurnTransport offers the same datagram surface as LocalTransport but
// with a single relayed path (0) carried by a TCP-tunnelled TURN
// allocation. It is the fallback for networks where UDP is blocked.
//
// All methods except the datagram I/O surface must run on the loop.
type TCPTurnTransport struct {
	loop   *loop.Loop
	logger *log.Logger

	username string
	password string
	software string
	proxy    Proxy

	client  *TurnClient
	started bool

	relAddr TransportAddress
	refAddr TransportAddress

	onStarted   func()
	onStopped   func()
	onReadyRead func(path int)
	onError     func(kind TransportError)
}

// NewTCPTurnTransport creates a transport; set credentials and call
// Start.
func NewTCPTurnTransport(cfg *TCPTurnTransportConfig) *TCPTurnTransport {
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger(log.LevelSilent, "ice-tcpturn")
	}
	return &TCPTurnTransport{
		loop:        cfg.Loop,
		logger:      cfg.Logger,
		software:    cfg.Software,
		onStarted:   cfg.OnStarted,
		onStopped:   cfg.OnStopped,
		onReadyRead: cfg.OnReadyRead,
		onError:     cfg.OnError,
	}
}

// SetUsername sets the TURN long-term username.
func (t *TCPTurnTransport) SetUsername(user string) { t.username = user }

// SetPassword sets the TURN long-term password.
func (t *TCPTurnTransport) SetPassword(pass string) { t.password = pass }

// SetProxy routes the TCP connection through a SOCKS5 or HTTP CONNECT
// proxy.
func (t *TCPTurnTransport) SetProxy(p Proxy) { t.proxy = p }

// RelayedAddress returns the allocation's relayed address once started.
func (t *TCPTurnTransport) RelayedAddress() TransportAddress { return t.relAddr }

// ReflexiveAddress returns the server-reflexive address once started.
func (t *TCPTurnTransport) ReflexiveAddress() TransportAddress { return t.refAddr }

// IsStarted reports whether the allocation is live.
func (t *TCPTurnTransport) IsStarted() bool { return t.started }

// Start connects to the TURN server and allocates.
func (t *TCPTurnTransport) Start(server TransportAddress) {
	t.client = NewTurnClient(&TurnClientConfig{
		Mode:     ModeTCP,
		Loop:     t.loop,
		Logger:   t.logger,
		Server:   server,
		Username: t.username,
		Password: t.password,
		Software: t.software,
		Proxy:    t.proxy,
		OnActivated: func() {
			t.relAddr = t.client.RelayedAddress()
			t.refAddr = t.client.ReflexiveAddress()
			t.started = true
			if t.onStarted != nil {
				t.onStarted()
			}
		},
		OnClosed: func() {
			t.started = false
			if t.onStopped != nil {
				t.onStopped()
			}
		},
		OnError: func(err error) {
			t.logger.Verbosef("tcp turn error: %v", err)
			t.started = false
			if t.onError != nil {
				t.onError(ErrorTurn)
			}
		},
		OnReadyRead: func() {
			if t.onReadyRead != nil {
				t.onReadyRead(PathDirect)
			}
		},
	})
	t.client.Start()
}

// Stop releases the allocation and closes the connection; OnStopped fires
// when done.
func (t *TCPTurnTransport) Stop() {
	if t.client != nil {
		t.client.Close()
	} else if t.onStopped != nil {
		t.onStopped()
	}
}

// AddChannelPeer binds a TURN channel for peer.
func (t *TCPTurnTransport) AddChannelPeer(peer TransportAddress) {
	t.loop.Post(func() {
		if t.client != nil {
			if err := t.client.AddChannelPeer(peer); err != nil {
				t.logger.Verbosef("channel bind to %s failed: %v", peer, err)
			}
		}
	})
}

// HasPendingDatagrams reports queued relayed input. Only path 0 exists.
func (t *TCPTurnTransport) HasPendingDatagrams(path int) bool {
	if path != PathDirect || t.client == nil {
		return false
	}
	return t.client.PacketsToRead() > 0
}

// ReadDatagram pops one relayed datagram. Safe from any goroutine.
func (t *TCPTurnTransport) ReadDatagram(path int) (buf []byte, from TransportAddress, ok bool) {
	if path != PathDirect || t.client == nil {
		return nil, TransportAddress{}, false
	}
	return t.client.Read()
}

// WriteDatagram relays buf to peer. Safe from any goroutine.
func (t *TCPTurnTransport) WriteDatagram(path int, buf []byte, peer TransportAddress) error {
	if path != PathDirect {
		return iceerrors.ErrNoRelay
	}
	data := append([]byte(nil), buf...)
	return t.loop.Post(func() {
		if t.client != nil && t.client.Activated() {
			if err := t.client.Write(data, peer); err != nil {
				t.logger.Verbosef("relay write to %s failed: %v", peer, err)
			}
		}
	})
}
