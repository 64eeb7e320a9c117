// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ArieGato/amqproxy/pkg/ratelimit"
)

// mockSession reads until the connection closes or Shutdown is called.
type mockSession struct {
	conn     net.Conn
	shutdown atomic.Bool
}

func (m *mockSession) Serve(ctx context.Context) error {
	buf := make([]byte, 1024)
	for {
		if _, err := m.conn.Read(buf); err != nil {
			if err == io.EOF || m.shutdown.Load() {
				return nil
			}
			return err
		}
	}
}

func (m *mockSession) Shutdown(ctx context.Context) error {
	m.shutdown.Store(true)
	return m.conn.Close()
}

type mockFactory struct {
	created atomic.Int64
}

func (f *mockFactory) NewSession(conn net.Conn, sessionID string) Session {
	f.created.Add(1)
	return &mockSession{conn: conn}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T, cfg Config, f Factory) (*Server, context.CancelFunc, chan error) {
	t.Helper()
	cfg.Address = "localhost:0"
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	server := New(cfg, f)

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Listen(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return server, cancel, serverErr
}

func TestListenAcceptsConnections(t *testing.T) {
	factory := &mockFactory{}
	server, cancel, serverErr := startServer(t, Config{ShutdownTimeout: 2 * time.Second}, factory)
	defer cancel()

	conn, err := net.Dial("tcp", server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.LiveSessions() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := factory.created.Load(); got != 1 {
		t.Errorf("factory created %d sessions, want 1", got)
	}

	conn.Close()
	cancel()
	if err := <-serverErr; err != nil {
		t.Errorf("Listen returned %v", err)
	}
}

func TestStopAcceptingRefusesNewConnections(t *testing.T) {
	factory := &mockFactory{}
	server, cancel, _ := startServer(t, Config{ShutdownTimeout: time.Second}, factory)
	defer cancel()

	addr := server.Addr()
	server.StopAccepting()

	conn, err := net.Dial("tcp", addr)
	if err == nil {
		// The TCP handshake may still succeed against a closed
		// listener's backlog; the connection must die immediately.
		conn.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 1)
		if _, rerr := conn.Read(buf); rerr == nil {
			t.Error("connection to a stopped server should not carry data")
		}
		conn.Close()
	}

	if got := factory.created.Load(); got != 0 {
		t.Errorf("factory created %d sessions after StopAccepting, want 0", got)
	}
}

func TestCloseSessionsDrainsToZero(t *testing.T) {
	factory := &mockFactory{}
	server, cancel, _ := startServer(t, Config{ShutdownTimeout: 2 * time.Second}, factory)
	defer cancel()

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", server.Addr())
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer conn.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.LiveSessions() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("live sessions = %d, want 3", server.LiveSessions())
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	server.CloseSessions(ctx)

	deadline = time.Now().Add(2 * time.Second)
	for server.LiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("live sessions = %d after CloseSessions, want 0", server.LiveSessions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectionLimit(t *testing.T) {
	factory := &mockFactory{}
	server, cancel, _ := startServer(t, Config{MaxConnections: 1, ShutdownTimeout: time.Second}, factory)
	defer cancel()

	first, err := net.Dial("tcp", server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()

	deadline := time.Now().Add(2 * time.Second)
	for server.LiveSessions() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("first session not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second, err := net.Dial("tcp", server.Addr())
	if err == nil {
		// Over-limit connections are accepted then closed without a session.
		second.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 1)
		second.Read(buf)
		second.Close()
	}

	time.Sleep(50 * time.Millisecond)
	if got := factory.created.Load(); got != 1 {
		t.Errorf("factory created %d sessions, want 1", got)
	}
}

func TestRateLimitedConnectionsRejected(t *testing.T) {
	limiter := ratelimit.NewLimiter(1, 0, time.Minute)
	defer limiter.Close()

	factory := &mockFactory{}
	server, cancel, _ := startServer(t, Config{Limiter: limiter, ShutdownTimeout: time.Second}, factory)
	defer cancel()

	first, err := net.Dial("tcp", server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()

	deadline := time.Now().Add(2 * time.Second)
	for factory.created.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("first connection not admitted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second, err := net.Dial("tcp", server.Addr())
	if err == nil {
		second.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 1)
		second.Read(buf)
		second.Close()
	}

	time.Sleep(50 * time.Millisecond)
	if got := factory.created.Load(); got != 1 {
		t.Errorf("factory created %d sessions, want 1 (second connect rate limited)", got)
	}
}

func TestInvalidAddress(t *testing.T) {
	server := New(Config{Address: "invalid:address:99999", Logger: testLogger()}, &mockFactory{})
	if err := server.Listen(context.Background()); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestNewDefaults(t *testing.T) {
	server := New(Config{Address: "localhost:0"}, &mockFactory{})
	if server.config.Logger == nil {
		t.Error("expected default logger to be set")
	}
	if server.config.ShutdownTimeout == 0 {
		t.Error("expected default shutdown timeout to be set")
	}
	if server.connSem != nil {
		t.Error("no connection semaphore expected without a limit")
	}
}
