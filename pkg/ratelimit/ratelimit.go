// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket rate limiting for client
// connection attempts.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when a connect exceeds the limit.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a bucket holding at most capacity tokens,
// refilled at refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	tb.lastUsed = time.Now()

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Available returns the number of tokens currently in the bucket.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	add := int64(elapsed * float64(tb.refillRate))
	if add > 0 {
		tb.tokens += add
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

func (tb *TokenBucket) idleSince(cutoff time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed.Before(cutoff)
}

// Limiter tracks one token bucket per client key (usually the remote
// host). Buckets idle longer than the retention window are dropped by a
// background sweep so the map cannot grow without bound.
type Limiter struct {
	mu         sync.RWMutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
	retention  time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewLimiter creates a per-client limiter.
func NewLimiter(capacity, refillRate int64, retention time.Duration) *Limiter {
	if retention <= 0 {
		retention = 5 * time.Minute
	}

	l := &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		retention:  retention,
		stop:       make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow reports whether a connect from the given client key is allowed.
func (l *Limiter) Allow(key string) bool {
	l.mu.RLock()
	tb, ok := l.buckets[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		tb, ok = l.buckets[key]
		if !ok {
			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.buckets[key] = tb
		}
		l.mu.Unlock()
	}

	return tb.Allow()
}

// Clients returns the number of tracked client keys.
func (l *Limiter) Clients() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.retention)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.retention)
			l.mu.Lock()
			for key, tb := range l.buckets {
				if tb.idleSince(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
