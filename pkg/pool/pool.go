// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

// Package pool maintains reusable upstream broker connections keyed by
// credential identity.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ArieGato/amqproxy/pkg/breaker"
	"github.com/ArieGato/amqproxy/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrPoolClosed is returned by Lease after Close.
var ErrPoolClosed = errors.New("pool is closed")

// Config holds pool configuration.
type Config struct {
	// DialTimeout bounds connect, TLS and protocol handshake per dial.
	DialTimeout time.Duration

	// IdleTimeout is how long a released connection may sit unused
	// before the sweeper retires it.
	IdleTimeout time.Duration

	// SweepInterval is how often idle connections are checked.
	// Defaults to half of IdleTimeout.
	SweepInterval time.Duration

	// Heartbeat is the interval requested from the broker. The
	// negotiated value may be lower.
	Heartbeat time.Duration

	// TLSSkipVerify disables upstream certificate verification.
	TLSSkipVerify bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Breaker *breaker.CircuitBreaker
}

// Pool hands out upstream connections, reusing idle ones that match
// the requested identity and dialing fresh ones otherwise.
type Pool struct {
	cfg Config

	mu     sync.Mutex
	idle   map[Identity][]*Upstream
	leased map[*Upstream]struct{}
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a pool and starts its idle sweeper.
func New(cfg Config) *Pool {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.IdleTimeout / 2
	}
	if cfg.SweepInterval < time.Second {
		cfg.SweepInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("amqproxy", prometheus.NewRegistry())
	}

	p := &Pool{
		cfg:    cfg,
		idle:   make(map[Identity][]*Upstream),
		leased: make(map[*Upstream]struct{}),
		stop:   make(chan struct{}),
	}
	go p.sweep()
	return p
}

// Lease returns an upstream connection for id, reusing the most
// recently idled match so cold connections age out instead of cycling.
func (p *Pool) Lease(ctx context.Context, id Identity) (*Upstream, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if stack := p.idle[id]; len(stack) > 0 {
		u := stack[len(stack)-1]
		p.idle[id] = stack[:len(stack)-1]
		p.leased[u] = struct{}{}
		p.mu.Unlock()

		u.setLeased()
		p.updateGauges()
		p.cfg.Metrics.LeaseWaitSeconds.Observe(time.Since(start).Seconds())
		p.cfg.Logger.Debug("reusing idle upstream connection", slog.String("upstream_id", u.ID()))
		return u, nil
	}
	p.mu.Unlock()

	var u *Upstream
	dial := func() error {
		var err error
		u, err = dialUpstream(ctx, id, p.cfg, p.handleBroken)
		return err
	}

	var err error
	if p.cfg.Breaker != nil {
		err = p.cfg.Breaker.Call(dial)
	} else {
		err = dial()
	}
	if err != nil {
		p.cfg.Metrics.UpstreamDials.WithLabelValues("error").Inc()
		p.cfg.Logger.Warn("upstream dial failed",
			slog.String("upstream", id.String()), slog.Any("error", err))
		return nil, err
	}
	p.cfg.Metrics.UpstreamDials.WithLabelValues("ok").Inc()

	u.setLeased()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		u.Close(true)
		return nil, ErrPoolClosed
	}
	p.leased[u] = struct{}{}
	p.mu.Unlock()

	p.updateGauges()
	p.cfg.Metrics.LeaseWaitSeconds.Observe(time.Since(start).Seconds())
	p.cfg.Logger.Debug("dialed new upstream connection", slog.String("upstream_id", u.ID()))
	return u, nil
}

// Release returns a leased connection. Broken connections are evicted;
// healthy ones go back on their identity's idle stack.
func (p *Pool) Release(u *Upstream) {
	if u == nil {
		return
	}
	if u.Broken() {
		p.evict(u, "broken")
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		u.Close(true)
		return
	}
	delete(p.leased, u)
	u.setIdle()
	p.idle[u.Identity()] = append(p.idle[u.Identity()], u)
	p.mu.Unlock()

	p.updateGauges()
}

// Evict removes u from the pool and closes it.
func (p *Pool) Evict(u *Upstream) {
	p.evict(u, "broken")
}

// handleBroken is installed as every connection's onBroken callback.
func (p *Pool) handleBroken(u *Upstream) {
	p.evict(u, "broken")
}

func (p *Pool) evict(u *Upstream, reason string) {
	p.mu.Lock()
	found := false
	if _, ok := p.leased[u]; ok {
		delete(p.leased, u)
		found = true
	} else {
		id := u.Identity()
		stack := p.idle[id]
		for i, cand := range stack {
			if cand == u {
				p.idle[id] = append(stack[:i], stack[i+1:]...)
				found = true
				break
			}
		}
		if len(p.idle[id]) == 0 {
			delete(p.idle, id)
		}
	}
	p.mu.Unlock()

	u.Close(!u.Broken())

	if found {
		p.cfg.Metrics.UpstreamEvictions.WithLabelValues(reason).Inc()
		p.updateGauges()
		p.cfg.Logger.Debug("evicted upstream connection",
			slog.String("upstream_id", u.ID()), slog.String("reason", reason))
	}
}

// Stats returns current idle and leased connection counts.
func (p *Pool) Stats() (idle, leased int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, stack := range p.idle {
		idle += len(stack)
	}
	return idle, len(p.leased)
}

func (p *Pool) updateGauges() {
	idle, leased := p.Stats()
	p.cfg.Metrics.UpstreamConnections.WithLabelValues(metrics.StateIdle).Set(float64(idle))
	p.cfg.Metrics.UpstreamConnections.WithLabelValues(metrics.StateLeased).Set(float64(leased))
}

// sweep retires connections idle past IdleTimeout.
func (p *Pool) sweep() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweepOnce(time.Now().Add(-p.cfg.IdleTimeout))
		}
	}
}

func (p *Pool) sweepOnce(cutoff time.Time) {
	var expired []*Upstream

	p.mu.Lock()
	for id, stack := range p.idle {
		keep := stack[:0]
		for _, u := range stack {
			if u.idleBefore(cutoff) {
				expired = append(expired, u)
			} else {
				keep = append(keep, u)
			}
		}
		if len(keep) == 0 {
			delete(p.idle, id)
		} else {
			p.idle[id] = keep
		}
	}
	p.mu.Unlock()

	for _, u := range expired {
		u.Close(true)
		p.cfg.Metrics.UpstreamEvictions.WithLabelValues("idle_timeout").Inc()
		p.cfg.Logger.Debug("retired idle upstream connection", slog.String("upstream_id", u.ID()))
	}
	if len(expired) > 0 {
		p.updateGauges()
	}
}

// Close stops the sweeper and closes all idle connections. Leased
// connections are closed by their sessions.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	p.closed = true
	var all []*Upstream
	for _, stack := range p.idle {
		all = append(all, stack...)
	}
	p.idle = make(map[Identity][]*Upstream)
	p.mu.Unlock()

	for _, u := range all {
		u.Close(true)
	}
}
