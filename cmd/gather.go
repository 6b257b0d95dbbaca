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

package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"iceflow/ice"
	"iceflow/internal/config"
	"iceflow/pkg/disco"
	"iceflow/pkg/log"
	"iceflow/pkg/loop"
)

func gatherCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "gather",
		Short: "Gather local ICE candidates and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return runGather(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.Int("component", 1, "ICE component id (1=RTP, 2=RTCP)")
	flags.StringSlice("local", nil, "local addresses to gather on (default: loopback)")
	flags.String("stun", "", "STUN binding server ip:port")
	flags.String("turn", "", "TURN server ip:port (UDP)")
	flags.String("turn-user", "", "TURN username")
	flags.String("turn-pass", "", "TURN password")
	flags.String("turn-tcp", "", "TURN server ip:port (TCP fallback)")
	flags.String("domain", "", "discover servers via DNS SRV on this domain")
	flags.String("dns-server", "", "DNS server for SRV discovery (default: system)")
	flags.Bool("no-host", false, "suppress host candidates")
	flags.String("log-level", "info", "log level (verbose, info, warning, error, silent)")
	flags.String("software", "iceflow", "SOFTWARE attribute value for TURN Allocate requests")
	v.BindPFlags(flags)

	return cmd
}

func runGather(ctx context.Context, cfg *config.GatherConfig) error {
	logger := log.NewLogger(log.ParseLevel(cfg.LogLevel), "gather")

	locals, err := cfg.LocalAddresses()
	if err != nil {
		return err
	}

	stunAddr, err := config.ParseServer(cfg.StunServer)
	if err != nil {
		return err
	}
	turnAddr, err := config.ParseServer(cfg.TurnServer)
	if err != nil {
		return err
	}
	turnTCPAddr, err := config.ParseServer(cfg.TurnTCPServer)
	if err != nil {
		return err
	}

	if cfg.Domain != "" {
		stunAddr, turnAddr, turnTCPAddr, err = discoverServers(cfg, logger, stunAddr, turnAddr, turnTCPAddr)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lp := loop.New()
	defer lp.Stop()

	done := make(chan struct{})
	stopped := make(chan struct{})

	comp := ice.NewComponent(&ice.ComponentConfig{
		ID:       cfg.ComponentID,
		Loop:     lp,
		Logger:   logger,
		Software: cfg.Software,
		OnCandidateAdded: func(c ice.Candidate) {
			fmt.Printf("candidate %d: %s addr=%s base=%s related=%s priority=%d foundation=%s\n",
				c.ID, c.Info.Type, c.Info.Addr, c.Info.Base, c.Info.Related, c.Info.Priority, c.Info.Foundation)
		},
		OnCandidateRemoved: func(c ice.Candidate) {
			fmt.Printf("candidate %d removed\n", c.ID)
		},
		OnLocalFinished: func() {
			logger.Infof("local gathering finished")
		},
		OnGatheringComplete: func() {
			logger.Infof("gathering complete")
			close(done)
		},
		OnStopped: func() { close(stopped) },
		OnError: func(err error) {
			logger.Errorf("gathering failed: %v", err)
		},
	})

	if cfg.NoHost {
		comp.SetUseLocal(false)
	}
	comp.SetLocalAddresses(locals)
	if stunAddr.IsValid() {
		comp.SetStunBindService(stunAddr)
	}
	if turnAddr.IsValid() {
		comp.SetStunRelayUdpService(turnAddr, cfg.TurnUser, cfg.TurnPass)
	}
	if turnTCPAddr.IsValid() {
		comp.SetStunRelayTcpService(turnTCPAddr, cfg.TurnUser, cfg.TurnPass)
	}
	comp.Update(nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-done:
		case <-ctx.Done():
		}
		comp.Stop()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			logger.Warningf("timed out waiting for component shutdown")
		}
		return nil
	})

	return g.Wait()
}

func discoverServers(cfg *config.GatherConfig, logger *log.Logger, stunAddr, turnAddr, turnTCPAddr ice.TransportAddress) (ice.TransportAddress, ice.TransportAddress, ice.TransportAddress, error) {
	resolver, err := disco.NewResolver(cfg.DNSServer)
	if err != nil {
		return stunAddr, turnAddr, turnTCPAddr, err
	}
	services, err := resolver.LookupServices(cfg.Domain)
	if err != nil {
		return stunAddr, turnAddr, turnTCPAddr, fmt.Errorf("srv discovery for %s: %w", cfg.Domain, err)
	}

	pick := func(kind, proto string) (ice.TransportAddress, bool) {
		for _, svc := range services {
			if svc.Kind == kind && svc.Proto == proto && len(svc.Addrs) > 0 {
				return ice.TransportAddress{Addr: firstV4(svc.Addrs), Port: svc.Port}, true
			}
		}
		return ice.TransportAddress{}, false
	}

	if !stunAddr.IsValid() {
		if a, ok := pick("stun", "udp"); ok {
			logger.Infof("discovered stun server %s", a)
			stunAddr = a
		}
	}
	if !turnAddr.IsValid() {
		if a, ok := pick("turn", "udp"); ok {
			logger.Infof("discovered turn server %s", a)
			turnAddr = a
		}
	}
	if !turnTCPAddr.IsValid() {
		if a, ok := pick("turn", "tcp"); ok {
			logger.Infof("discovered tcp turn server %s", a)
			turnTCPAddr = a
		}
	}
	return stunAddr, turnAddr, turnTCPAddr, nil
}

func firstV4(addrs []netip.Addr) netip.Addr {
	for _, a := range addrs {
		if a.Is4() {
			return a
		}
	}
	return addrs[0]
}
