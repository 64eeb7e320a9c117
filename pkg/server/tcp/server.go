// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ArieGato/amqproxy/pkg/metrics"
	"github.com/ArieGato/amqproxy/pkg/ratelimit"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// acceptBackoff is how long the accept loop pauses after a transient
// accept error such as file descriptor exhaustion.
const acceptBackoff = 250 * time.Millisecond

// Session is one accepted connection's lifecycle. Serve blocks until
// the connection ends; Shutdown asks the peer to leave and returns once
// it has or ctx expires.
type Session interface {
	Serve(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Factory builds a Session for each accepted connection.
type Factory interface {
	NewSession(conn net.Conn, sessionID string) Session
}

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// MaxConnections caps concurrent sessions. Zero means unlimited.
	MaxConnections int

	// ShutdownTimeout is the maximum time to wait for active sessions
	// to drain when Listen's context is cancelled directly. The
	// shutdown coordinator uses its own timing via StopAccepting and
	// CloseSessions instead.
	ShutdownTimeout time.Duration

	// Limiter rejects connect floods per client address. Optional.
	Limiter *ratelimit.Limiter

	// Logger for server events
	Logger *slog.Logger

	// Metrics for connection accounting. Optional.
	Metrics *metrics.Metrics
}

// Server accepts TCP connections and runs one Session per connection.
type Server struct {
	config  Config
	factory Factory

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]Session
	stopped  bool

	live    atomic.Int64
	wg      sync.WaitGroup
	connSem chan struct{}
}

// New creates a TCP server with the given configuration and session
// factory.
func New(cfg Config, f Factory) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		config:   cfg,
		factory:  f,
		sessions: make(map[string]Session),
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Listen starts the server and blocks until the context is cancelled.
// Cancellation stops accepting, then drains sessions gracefully up to
// ShutdownTimeout before forcing them closed.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.config.Logger.Info("TCP server started", slog.String("address", listener.Addr().String()))

	// Sessions get their own context so cancelling Listen's context
	// does not cut live connections before they had a chance to drain.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(connCtx, listener)
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	s.StopAccepting()
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing session closure")
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.CloseSessions(closeCtx)
		connCancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
			// Transient errors (EMFILE and friends) resolve themselves;
			// hammering Accept only makes them worse.
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptBackoff):
			}
			continue
		}

		if s.config.Limiter != nil {
			host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
			if err != nil {
				host = conn.RemoteAddr().String()
			}
			if !s.config.Limiter.Allow(host) {
				s.config.Logger.Warn("connection rate limited", slog.String("remote", host))
				if s.config.Metrics != nil {
					s.config.Metrics.RateLimitedConnects.Inc()
				}
				conn.Close()
				continue
			}
		}

		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			default:
				s.config.Logger.Warn("connection limit reached, rejecting",
					slog.String("remote", conn.RemoteAddr().String()))
				conn.Close()
				continue
			}
		}

		sessionID := uuid.New().String()
		sess := s.factory.NewSession(conn, sessionID)

		s.mu.Lock()
		s.sessions[sessionID] = sess
		s.mu.Unlock()
		s.live.Add(1)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.sessions, sessionID)
				s.mu.Unlock()
				s.live.Add(-1)
				if s.connSem != nil {
					<-s.connSem
				}
			}()

			if err := sess.Serve(ctx); err != nil {
				s.config.Logger.Debug("session ended with error",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// StopAccepting closes the listener so no new connections are
// admitted. Existing sessions keep running. Idempotent.
func (s *Server) StopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
		}
	}
}

// CloseSessions asks every live session to shut down and waits for
// them, bounded by ctx.
func (s *Server) CloseSessions(ctx context.Context) {
	s.mu.Lock()
	snapshot := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snapshot = append(snapshot, sess)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range snapshot {
		sess := sess
		g.Go(func() error {
			return sess.Shutdown(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		s.config.Logger.Warn("closing sessions", slog.String("error", err.Error()))
	}
}

// LiveSessions returns the number of sessions currently running.
func (s *Server) LiveSessions() int64 {
	return s.live.Load()
}

// Addr returns the bound listener address, or empty before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
