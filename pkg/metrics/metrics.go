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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CandidatesGathered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iceflow_candidates_gathered_total",
		Help: "Local candidates emitted, by candidate type",
	}, []string{"type"})

	StunFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iceflow_stun_failures_total",
		Help: "STUN Binding exchanges that timed out or were rejected",
	})

	TurnFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iceflow_turn_failures_total",
		Help: "TURN allocations that failed before activation",
	})

	GatheringDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "iceflow_gathering_duration_seconds",
		Help:    "Time from the first update to gathering complete",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	RelayAllocations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iceflow_relay_allocations",
		Help: "Allocations currently live on the embedded turn server",
	})
)

// Register installs the iceflow collectors on a registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		CandidatesGathered,
		StunFailures,
		TurnFailures,
		GatheringDuration,
		RelayAllocations,
	)
}
