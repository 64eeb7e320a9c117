// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/ArieGato/amqproxy/pkg/breaker"
	"github.com/ArieGato/amqproxy/pkg/handler"
	"github.com/ArieGato/amqproxy/pkg/metrics"
	"github.com/ArieGato/amqproxy/pkg/pool"
	"github.com/ArieGato/amqproxy/pkg/ratelimit"
	"github.com/ArieGato/amqproxy/pkg/server/tcp"
	"github.com/ArieGato/amqproxy/pkg/session"
)

// Config holds the proxy configuration.
type Config struct {
	// Address is the client-facing listen address (host:port).
	Address string

	// Target is the upstream broker.
	Target session.Target

	// TLSConfig is optional TLS for the client-facing listener.
	TLSConfig *tls.Config

	// MaxConnections caps concurrent client sessions. Zero means
	// unlimited.
	MaxConnections int

	// HandshakeTimeout bounds each client's handshake.
	HandshakeTimeout time.Duration

	// ClientHeartbeat is the heartbeat interval offered to clients.
	ClientHeartbeat time.Duration

	// UpstreamHeartbeat is the interval requested from the broker.
	UpstreamHeartbeat time.Duration

	// DialTimeout bounds upstream connect, TLS and handshake.
	DialTimeout time.Duration

	// IdleTimeout retires pooled connections unused this long.
	IdleTimeout time.Duration

	// TLSSkipVerify disables upstream certificate verification.
	TLSSkipVerify bool

	// ShutdownTimeout bounds the drain when Listen's context ends.
	ShutdownTimeout time.Duration

	Limiter *ratelimit.Limiter
	Breaker *breaker.CircuitBreaker
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Proxy wires the listener, per-session state machines and the
// upstream pool into one runnable unit.
type Proxy struct {
	server *tcp.Server
	pool   *pool.Pool
}

// sessionFactory builds a session per accepted connection.
type sessionFactory struct {
	cfg session.Config
}

func (f *sessionFactory) NewSession(conn net.Conn, sessionID string) tcp.Session {
	return session.New(conn, sessionID, f.cfg)
}

// New creates a proxy.
func New(cfg Config, h handler.Handler) *Proxy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	p := pool.New(pool.Config{
		DialTimeout:   cfg.DialTimeout,
		IdleTimeout:   cfg.IdleTimeout,
		Heartbeat:     cfg.UpstreamHeartbeat,
		TLSSkipVerify: cfg.TLSSkipVerify,
		Logger:        cfg.Logger,
		Metrics:       cfg.Metrics,
		Breaker:       cfg.Breaker,
	})

	factory := &sessionFactory{cfg: session.Config{
		Target:           cfg.Target,
		Pool:             p,
		Handler:          h,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Heartbeat:        cfg.ClientHeartbeat,
		Logger:           cfg.Logger,
		Metrics:          cfg.Metrics,
	}}

	server := tcp.New(tcp.Config{
		Address:         cfg.Address,
		TLSConfig:       cfg.TLSConfig,
		MaxConnections:  cfg.MaxConnections,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Limiter:         cfg.Limiter,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
	}, factory)

	return &Proxy{server: server, pool: p}
}

// Listen starts the proxy and blocks until ctx is cancelled and the
// drain completes. The pool closes on the way out.
func (p *Proxy) Listen(ctx context.Context) error {
	defer p.pool.Close()
	return p.server.Listen(ctx)
}

// StopAccepting closes the listener; live sessions keep running.
func (p *Proxy) StopAccepting() {
	p.server.StopAccepting()
}

// CloseSessions asks every live session to finish, bounded by ctx.
func (p *Proxy) CloseSessions(ctx context.Context) {
	p.server.CloseSessions(ctx)
}

// LiveSessions reports the number of connected clients.
func (p *Proxy) LiveSessions() int64 {
	return p.server.LiveSessions()
}

// PoolStats reports idle and leased upstream connection counts.
func (p *Proxy) PoolStats() (idle, leased int) {
	return p.pool.Stats()
}

// Addr returns the bound listener address, or empty before Listen.
func (p *Proxy) Addr() string {
	return p.server.Addr()
}
