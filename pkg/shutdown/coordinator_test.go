// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	perrors "github.com/ArieGato/amqproxy/pkg/errors"
)

// fakeServer tracks the drain calls and simulates sessions leaving.
type fakeServer struct {
	live               atomic.Int64
	stopCalled         atomic.Bool
	closeCalled        atomic.Bool
	drainOnClose       bool
	drainAfterGrace    bool
	drainOnCloseCancel bool
}

func (f *fakeServer) StopAccepting() {
	f.stopCalled.Store(true)
	if f.drainAfterGrace {
		// Clients disconnect on their own shortly after the listener closes.
		go func() {
			time.Sleep(20 * time.Millisecond)
			f.live.Store(0)
		}()
	}
}

func (f *fakeServer) CloseSessions(ctx context.Context) {
	f.closeCalled.Store(true)
	if f.drainOnCloseCancel {
		// Sessions only die when their sockets are force-closed.
		<-ctx.Done()
		f.live.Store(0)
		return
	}
	if f.drainOnClose {
		f.live.Store(0)
	}
}

func (f *fakeServer) LiveSessions() int64 {
	return f.live.Load()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func runCoordinator(t *testing.T, srv Server, cfg Config) (chan os.Signal, chan error) {
	t.Helper()
	sigs := make(chan os.Signal, 2)
	cfg.Signals = sigs
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Abort == nil {
		cfg.Abort = func(int64) {}
	}

	c := New(srv, cfg)
	result := make(chan error, 1)
	go func() { result <- c.Run(context.Background()) }()
	return sigs, result
}

func TestCleanDrainDuringGrace(t *testing.T) {
	srv := &fakeServer{drainAfterGrace: true}
	srv.live.Store(3)

	sigs, result := runCoordinator(t, srv, Config{
		GracePeriod:  500 * time.Millisecond,
		TermTimeout:  time.Second,
		PollInterval: 5 * time.Millisecond,
	})
	sigs <- syscall.SIGTERM

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not finish")
	}

	if !srv.stopCalled.Load() {
		t.Error("StopAccepting was not called")
	}
	if srv.closeCalled.Load() {
		t.Error("CloseSessions should not run when clients leave in the grace period")
	}
}

func TestCloseSessionsAfterGrace(t *testing.T) {
	srv := &fakeServer{drainOnClose: true}
	srv.live.Store(2)

	sigs, result := runCoordinator(t, srv, Config{
		GracePeriod:  20 * time.Millisecond,
		TermTimeout:  time.Second,
		PollInterval: 5 * time.Millisecond,
	})
	sigs <- syscall.SIGTERM

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not finish")
	}

	if !srv.closeCalled.Load() {
		t.Error("CloseSessions was not called after the grace period")
	}
}

func TestTermTimeoutAborts(t *testing.T) {
	srv := &fakeServer{} // sessions never leave
	srv.live.Store(1)

	var aborted atomic.Int64
	sigs, result := runCoordinator(t, srv, Config{
		GracePeriod:  20 * time.Millisecond,
		TermTimeout:  50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Abort:        func(remaining int64) { aborted.Store(remaining) },
	})
	sigs <- syscall.SIGTERM

	select {
	case err := <-result:
		if !errors.Is(err, perrors.ErrShutdownTimeout) {
			t.Errorf("Run returned %v, want shutdown timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not finish")
	}

	if aborted.Load() != 1 {
		t.Errorf("Abort saw %d remaining sessions, want 1", aborted.Load())
	}
}

func TestTermTimeoutAbortsDespiteForcedCloses(t *testing.T) {
	// A client that never answers connection.close only goes away when
	// its socket is force-closed. That force-close must not turn a blown
	// deadline into a clean exit: the abort fires first and reports the
	// stragglers.
	srv := &fakeServer{drainOnCloseCancel: true}
	srv.live.Store(1)

	var aborted atomic.Int64
	start := time.Now()
	sigs, result := runCoordinator(t, srv, Config{
		GracePeriod:  50 * time.Millisecond,
		TermTimeout:  300 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Abort:        func(remaining int64) { aborted.Store(remaining) },
	})
	sigs <- syscall.SIGTERM

	select {
	case err := <-result:
		if !errors.Is(err, perrors.ErrShutdownTimeout) {
			t.Errorf("Run returned %v, want shutdown timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not finish")
	}

	if aborted.Load() != 1 {
		t.Errorf("Abort saw %d remaining sessions, want 1", aborted.Load())
	}
	// One deadline for the whole closing phase, not one per wait.
	if elapsed := time.Since(start); elapsed > 550*time.Millisecond {
		t.Errorf("closing phase took %v, want under grace+term", elapsed)
	}
}

func TestZeroGracePeriodSkipsWait(t *testing.T) {
	srv := &fakeServer{drainOnClose: true}
	srv.live.Store(2)

	sigs, result := runCoordinator(t, srv, Config{
		GracePeriod:  0,
		TermTimeout:  time.Second,
		PollInterval: 5 * time.Millisecond,
	})
	sigs <- syscall.SIGTERM

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not finish")
	}

	if !srv.closeCalled.Load() {
		t.Error("CloseSessions was not called")
	}
}

func TestSecondSignalAborts(t *testing.T) {
	srv := &fakeServer{}
	srv.live.Store(5)

	abortCalled := make(chan int64, 1)
	sigs, _ := runCoordinator(t, srv, Config{
		GracePeriod:  time.Minute,
		TermTimeout:  time.Minute,
		PollInterval: 5 * time.Millisecond,
		Abort:        func(remaining int64) { abortCalled <- remaining },
	})
	sigs <- syscall.SIGTERM
	sigs <- syscall.SIGINT

	select {
	case remaining := <-abortCalled:
		if remaining != 5 {
			t.Errorf("Abort saw %d remaining sessions, want 5", remaining)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not trigger abort")
	}
}

func TestContextCancelBeforeSignal(t *testing.T) {
	srv := &fakeServer{}
	c := New(srv, Config{
		Signals: make(chan os.Signal),
		Logger:  quietLogger(),
		Abort:   func(int64) {},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}
