// Package metrics defines the prometheus metrics exported by the speedtest
// server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts the requests served, by route and status code.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtest_requests_total",
			Help: "Number of requests served, by route and status code.",
		},
		[]string{"route", "code"},
	)

	// SessionsTotal counts the test sessions by direction and final state.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtest_sessions_total",
			Help: "Number of test sessions, by direction and final state.",
		},
		[]string{"direction", "state"},
	)

	// SessionBytes is the distribution of bytes transferred per session.
	SessionBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "speedtest_session_bytes",
			Help:    "Bytes transferred per test session.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
		},
		[]string{"direction"},
	)

	// ConfigReloadsTotal counts configuration reloads by result.
	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtest_config_reloads_total",
			Help: "Number of configuration reloads, by result.",
		},
		[]string{"result"},
	)

	// HeartbeatsTotal counts heartbeat requests by result.
	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtest_heartbeats_total",
			Help: "Number of heartbeat requests, by result.",
		},
		[]string{"result"},
	)
)
