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

package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/spf13/viper"

	"iceflow/ice"
)

// GatherConfig is the CLI/environment configuration for one gathering run.
type GatherConfig struct {
	ComponentID int      `mapstructure:"component"`
	LocalAddrs  []string `mapstructure:"local"`

	StunServer string `mapstructure:"stun"`

	TurnServer string `mapstructure:"turn"`
	TurnUser   string `mapstructure:"turn-user"`
	TurnPass   string `mapstructure:"turn-pass"`

	TurnTCPServer string `mapstructure:"turn-tcp"`

	// Domain triggers SRV discovery of the servers above when set.
	Domain    string `mapstructure:"domain"`
	DNSServer string `mapstructure:"dns-server"`

	NoHost   bool   `mapstructure:"no-host"`
	LogLevel string `mapstructure:"log-level"`

	Software string `mapstructure:"software"`
}

// Defaults returns the stock configuration.
func Defaults() *GatherConfig {
	return &GatherConfig{
		ComponentID: 1,
		LogLevel:    "info",
		Software:    "iceflow",
	}
}

// Load merges environment and flags into a GatherConfig; no config file is
// read. Environment variables use the ICEFLOW_ prefix.
func Load(v *viper.Viper) (*GatherConfig, error) {
	v.SetEnvPrefix("iceflow")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.ComponentID < 1 || cfg.ComponentID > 256 {
		return nil, fmt.Errorf("config: component id %d out of range", cfg.ComponentID)
	}
	return cfg, nil
}

// LocalAddresses parses the configured local addresses. An empty list
// falls back to the loopback address so a bare run still gathers
// something observable.
func (c *GatherConfig) LocalAddresses() ([]ice.LocalAddress, error) {
	if len(c.LocalAddrs) == 0 {
		return []ice.LocalAddress{{Addr: netip.MustParseAddr("127.0.0.1"), Network: -1}}, nil
	}

	out := make([]ice.LocalAddress, 0, len(c.LocalAddrs))
	for n, s := range c.LocalAddrs {
		ip, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("config: local address %q: %w", s, err)
		}
		out = append(out, ice.LocalAddress{Addr: ip, Network: n})
	}
	return out, nil
}

// ParseServer parses "ip:port" server coordinates.
func ParseServer(s string) (ice.TransportAddress, error) {
	if s == "" {
		return ice.TransportAddress{}, nil
	}
	return ice.ParseTransportAddress(s)
}
