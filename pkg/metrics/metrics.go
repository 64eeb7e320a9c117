// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for amqproxy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction labels for relay counters.
const (
	DirectionIn  = "in"  // client -> upstream
	DirectionOut = "out" // upstream -> client
)

// Upstream connection state labels.
const (
	StateIdle   = "idle"
	StateLeased = "leased"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Client session metrics
	ActiveSessions     prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	SessionDuration    prometheus.Histogram
	HandshakeFailures  *prometheus.CounterVec
	HeartbeatsAnswered prometheus.Counter

	// Relay metrics
	FramesRelayed  *prometheus.CounterVec
	BytesRelayed   *prometheus.CounterVec
	ChannelsMapped prometheus.Gauge

	// Upstream pool metrics
	UpstreamConnections *prometheus.GaugeVec
	UpstreamDials       *prometheus.CounterVec
	UpstreamEvictions   *prometheus.CounterVec
	LeaseWaitSeconds    prometheus.Histogram

	// Protection metrics
	RateLimitedConnects prometheus.Counter
	BreakerState        prometheus.Gauge
}

// New creates a Metrics instance registered on reg. Passing a private
// registry keeps parallel test instances from colliding.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "amqproxy"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_sessions_active",
			Help:      "Number of live client sessions",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_sessions_total",
			Help:      "Total number of client sessions by terminal status",
		}, []string{"status"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "client_session_duration_seconds",
			Help:      "Client session duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Client handshakes that failed before reaching open",
		}, []string{"reason"}),
		HeartbeatsAnswered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_answered_total",
			Help:      "Client heartbeats answered by the proxy without touching upstream",
		}),
		FramesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_relayed_total",
			Help:      "Frames relayed between clients and upstream connections",
		}, []string{"direction"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Frame payload bytes relayed",
		}, []string{"direction"}),
		ChannelsMapped: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_mapped",
			Help:      "Client channels currently mapped to upstream channel ids",
		}),
		UpstreamConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_connections",
			Help:      "Pooled upstream connections by state",
		}, []string{"state"}),
		UpstreamDials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_dials_total",
			Help:      "Upstream dial and handshake attempts",
		}, []string{"status"}),
		UpstreamEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_evictions_total",
			Help:      "Upstream connections removed from the pool",
		}, []string{"reason"}),
		LeaseWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lease_wait_seconds",
			Help:      "Time a session waited for an upstream lease",
			Buckets:   prometheus.DefBuckets,
		}),
		RateLimitedConnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_connects_total",
			Help:      "Client connects rejected by rate limiting",
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Upstream dial circuit breaker state (0=closed, 1=half_open, 2=open)",
		}),
	}
}

// ObserveSession tracks one client session's lifecycle around f.
func (m *Metrics) ObserveSession(f func() error) error {
	m.ActiveSessions.Inc()
	defer m.ActiveSessions.Dec()

	start := time.Now()
	err := f()
	m.SessionDuration.Observe(time.Since(start).Seconds())

	status := "clean"
	if err != nil {
		status = "error"
	}
	m.SessionsTotal.WithLabelValues(status).Inc()

	return err
}
