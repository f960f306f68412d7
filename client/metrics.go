// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ledgerchat"

var (
	capCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "capability_cache_hits_total",
			Subsystem: "client",
			Help:      "Number of capability cache hits",
		},
	)
	capCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "capability_cache_misses_total",
			Subsystem: "client",
			Help:      "Number of capability cache misses",
		},
	)
	unwrapRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "oracle_unwrap_requests_total",
			Subsystem: "client",
			Help:      "Number of key unwrap requests sent to the oracle",
		},
	)
	unwrapFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "oracle_unwrap_failures_total",
			Subsystem: "client",
			Help:      "Number of failed key unwrap requests",
		},
	)
	decryptFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "payload_decrypt_failures_total",
			Subsystem: "client",
			Help:      "Number of payloads that failed authenticated decryption",
		},
	)
)

func init() {
	prometheus.MustRegister(capCacheHits)
	prometheus.MustRegister(capCacheMisses)
	prometheus.MustRegister(unwrapRequests)
	prometheus.MustRegister(unwrapFailures)
	prometheus.MustRegister(decryptFailures)
}
