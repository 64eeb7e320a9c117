// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

// Package shutdown sequences the proxy's exit: stop accepting, let
// clients leave on their own, then ask them to, then force the issue.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	perrors "github.com/ArieGato/amqproxy/pkg/errors"
)

// Server is the surface the coordinator drives. The TCP listener
// implements it.
type Server interface {
	// StopAccepting closes the listener; live sessions keep running.
	StopAccepting()
	// CloseSessions asks every live session to finish, bounded by ctx.
	CloseSessions(ctx context.Context)
	// LiveSessions reports how many sessions remain.
	LiveSessions() int64
}

// Config holds shutdown timing.
type Config struct {
	// GracePeriod is how long clients get to disconnect on their own
	// after the listener closes, before the proxy starts sending
	// connection.close. Non-positive skips the voluntary-drain wait.
	GracePeriod time.Duration

	// TermTimeout bounds the whole close-sessions phase. When it
	// expires with sessions still live, Abort runs. A negative value
	// disables the deadline and the proxy waits as long as it takes.
	TermTimeout time.Duration

	// PollInterval is how often the session count is checked.
	PollInterval time.Duration

	// Signals overrides the OS signal source. Tests inject their own.
	Signals <-chan os.Signal

	// Abort runs when draining fails or a second signal demands an
	// immediate exit. Defaults to os.Exit(1).
	Abort func(remaining int64)

	Logger *slog.Logger
}

// Coordinator walks a Server through the shutdown phases.
type Coordinator struct {
	srv  Server
	cfg  Config
	done chan struct{}
}

// New creates a coordinator.
func New(srv Server, cfg Config) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Abort == nil {
		logger := cfg.Logger
		cfg.Abort = func(remaining int64) {
			logger.Error("forcing exit with sessions still live", slog.Int64("remaining", remaining))
			os.Exit(1)
		}
	}
	return &Coordinator{srv: srv, cfg: cfg, done: make(chan struct{})}
}

// Run blocks until a termination signal arrives, then drains the
// server. It returns nil on a clean drain, ErrShutdownTimeout when
// sessions had to be abandoned, and ctx.Err when ctx ends first.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	sigs := c.cfg.Signals
	if sigs == nil {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigs = ch
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigs:
		c.cfg.Logger.Info("termination signal received, draining",
			slog.String("signal", sig.String()),
			slog.Int64("live_sessions", c.srv.LiveSessions()))
	}

	// A second signal is the operator overruling the drain.
	go func() {
		select {
		case sig := <-sigs:
			c.cfg.Logger.Warn("second signal received, aborting drain",
				slog.String("signal", sig.String()))
			c.cfg.Abort(c.srv.LiveSessions())
		case <-c.done:
		}
	}()

	c.srv.StopAccepting()

	if c.cfg.GracePeriod > 0 && c.waitDrained(ctx, c.cfg.GracePeriod) {
		c.cfg.Logger.Info("all clients left during grace period")
		return nil
	}

	c.cfg.Logger.Info("grace period over, closing client sessions",
		slog.Int64("remaining", c.srv.LiveSessions()))

	// TermTimeout anchors here, once, and the watchdog owns it.
	// CloseSessions runs concurrently on a context the coordinator only
	// cancels after the abort decision, so a session force-closing its
	// socket can never make a blown deadline look like a clean drain.
	deadline := time.Now().Add(c.cfg.TermTimeout)
	closeCtx, closeCancel := context.WithCancel(context.Background())
	defer closeCancel()
	closeDone := make(chan struct{})
	go func() {
		defer close(closeDone)
		c.srv.CloseSessions(closeCtx)
	}()

	for {
		if c.srv.LiveSessions() == 0 {
			c.cfg.Logger.Info("all sessions closed")
			return nil
		}
		if c.cfg.TermTimeout >= 0 && !time.Now().Before(deadline) {
			remaining := c.srv.LiveSessions()
			c.cfg.Abort(remaining)
			closeCancel()
			return perrors.ErrShutdownTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// waitDrained polls the session count for up to d. Returns true once
// the count hits zero.
func (c *Coordinator) waitDrained(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if c.srv.LiveSessions() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return c.srv.LiveSessions() == 0
		case <-time.After(c.cfg.PollInterval):
		}
	}
}
