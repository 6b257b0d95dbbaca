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
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"iceflow/pkg/log"
	"iceflow/pkg/metrics"
	"iceflow/turn/server"
)

func turnServerCmd() *cobra.Command {
	var (
		publicIP    string
		port        int
		realm       string
		users       []string
		enableTCP   bool
		metricsAddr string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "turn-server",
		Short: "Run an embedded STUN/TURN server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.NewLogger(log.ParseLevel(logLevel), "turn-server")

			usersMap := make(map[string]string, len(users))
			for _, kv := range users {
				user, pass, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("malformed --user %q, want name=password", kv)
				}
				usersMap[user] = pass
			}

			ts := server.NewTurnServer(server.Config{
				PublicIP:  publicIP,
				Port:      port,
				Realm:     realm,
				Users:     usersMap,
				EnableTCP: enableTCP,
				Logger:    logger,
			})
			if err := ts.Start(); err != nil {
				return err
			}
			defer ts.Close()
			logger.Infof("listening on %s", ts.UDPAddr())

			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				metrics.Register(reg)
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logger.Errorf("metrics endpoint: %v", err)
					}
				}()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&publicIP, "public-ip", "127.0.0.1", "ip advertised in relayed addresses")
	flags.IntVar(&port, "port", 3478, "listening port")
	flags.StringVar(&realm, "realm", "iceflow", "authentication realm")
	flags.StringSliceVar(&users, "user", nil, "credentials as name=password (repeatable)")
	flags.BoolVar(&enableTCP, "tcp", false, "also accept TURN over TCP")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	flags.StringVar(&logLevel, "log-level", "info", "log level")

	return cmd
}
