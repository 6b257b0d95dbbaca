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

// Package server embeds a STUN/TURN server for development setups and
// integration tests. Production deployments normally point iceflow at an
// external relay instead.
package server

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/logging"
	"github.com/pion/turn/v4"

	"iceflow/pkg/log"
)

// Config describes one embedded TURN server.
type Config struct {
	// PublicIP is the address advertised in XOR-RELAYED-ADDRESS. For
	// loopback test setups this is simply 127.0.0.1.
	PublicIP string

	// Port is the listening port for both UDP and (optionally) TCP.
	Port int

	Realm string

	// Users maps username to cleartext password. Keys are derived with
	// turn.GenerateAuthKey; cleartext is never stored by the server.
	Users map[string]string

	// EnableTCP also accepts TURN-over-TCP connections.
	EnableTCP bool

	Logger *log.Logger
}

// TurnServer wraps a pion/turn server with iceflow's configuration
// conventions.
type TurnServer struct {
	logger *log.Logger

	cfg      Config
	server   *turn.Server
	udpConn  net.PacketConn
	listener net.Listener
}

// NewTurnServer prepares a server; call Start to listen.
func NewTurnServer(cfg Config) *TurnServer {
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger(log.LevelInfo, "turn-server")
	}
	if cfg.Realm == "" {
		cfg.Realm = "iceflow"
	}
	return &TurnServer{logger: cfg.Logger, cfg: cfg}
}

// Start binds the listeners and begins serving. The effective UDP port is
// available from UDPAddr afterwards (relevant when Port was 0).
func (ts *TurnServer) Start() error {
	ts.logger.Infof("starting turn server on %s:%d realm=%s", ts.cfg.PublicIP, ts.cfg.Port, ts.cfg.Realm)

	// pion/turn does not open sockets itself; handing them in keeps
	// logging and shutdown in our hands
	udpListener, err := net.ListenPacket("udp4", "0.0.0.0:"+strconv.Itoa(ts.cfg.Port))
	if err != nil {
		return fmt.Errorf("turn server udp listen: %w", err)
	}
	ts.udpConn = udpListener

	usersMap := make(map[string][]byte, len(ts.cfg.Users))
	for user, pass := range ts.cfg.Users {
		usersMap[user] = turn.GenerateAuthKey(user, ts.cfg.Realm, pass)
	}

	relayGen := &turn.RelayAddressGeneratorStatic{
		RelayAddress: net.ParseIP(ts.cfg.PublicIP),
		Address:      "0.0.0.0",
	}

	serverCfg := turn.ServerConfig{
		Realm: ts.cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			if key, ok := usersMap[username]; ok {
				return key, true
			}
			return nil, false
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn:            udpListener,
				RelayAddressGenerator: relayGen,
			},
		},
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}

	if ts.cfg.EnableTCP {
		tcpListener, err := net.Listen("tcp4", "0.0.0.0:"+strconv.Itoa(ts.cfg.Port))
		if err != nil {
			udpListener.Close()
			return fmt.Errorf("turn server tcp listen: %w", err)
		}
		ts.listener = tcpListener
		serverCfg.ListenerConfigs = []turn.ListenerConfig{
			{
				Listener:              tcpListener,
				RelayAddressGenerator: relayGen,
			},
		}
	}

	s, err := turn.NewServer(serverCfg)
	if err != nil {
		udpListener.Close()
		if ts.listener != nil {
			ts.listener.Close()
		}
		return fmt.Errorf("turn server start: %w", err)
	}
	ts.server = s
	return nil
}

// UDPAddr returns the bound UDP address.
func (ts *TurnServer) UDPAddr() *net.UDPAddr {
	if ts.udpConn == nil {
		return nil
	}
	return ts.udpConn.LocalAddr().(*net.UDPAddr)
}

// TCPAddr returns the bound TCP address, nil when TCP is disabled.
func (ts *TurnServer) TCPAddr() *net.TCPAddr {
	if ts.listener == nil {
		return nil
	}
	return ts.listener.Addr().(*net.TCPAddr)
}

// Close shuts the server and its listeners down.
func (ts *TurnServer) Close() error {
	if ts.server == nil {
		return nil
	}
	err := ts.server.Close()
	ts.server = nil
	return err
}
