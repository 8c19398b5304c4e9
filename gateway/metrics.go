// Copyright 2025 Takos
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

package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Gateway Prometheus metrics
var (
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "takos_gateway_rpc_requests_total",
			Help: "Total RPC requests by kind and outcome code",
		},
		[]string{"kind", "code"},
	)
	rpcDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "takos_gateway_rpc_duration_milliseconds",
			Help:    "RPC request duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
		},
	)
	outboundVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "takos_gateway_outbound_verdicts_total",
			Help: "Outbound proxy verdicts by reason",
		},
		[]string{"reason"},
	)
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "takos_gateway_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiting, by kind",
		},
		[]string{"kind"},
	)
)

// metricsOnce ensures metrics are registered only once
var metricsOnce sync.Once

func registerMetrics() {
	metricsOnce.Do(func() {
		// duplicate registration is OK
		_ = prometheus.Register(rpcRequests)
		_ = prometheus.Register(rpcDuration)
		_ = prometheus.Register(outboundVerdicts)
		_ = prometheus.Register(rateLimitRejections)
	})
}
