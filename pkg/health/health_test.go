// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthAllPassing(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("always-ok", func(ctx context.Context) error { return nil })

	status, checks := c.Health(context.Background())
	if status != StatusHealthy {
		t.Errorf("status = %v, want healthy", status)
	}
	if len(checks) != 1 || checks[0].Status != StatusHealthy {
		t.Errorf("unexpected checks: %+v", checks)
	}
}

func TestHealthDegradedOnFailure(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("broken", func(ctx context.Context) error { return errors.New("boom") })

	status, checks := c.Health(context.Background())
	if status != StatusDegraded {
		t.Errorf("status = %v, want degraded", status)
	}
	if checks[0].Message != "boom" {
		t.Errorf("message = %q, want boom", checks[0].Message)
	}
}

func TestHealthCachesResults(t *testing.T) {
	calls := 0
	c := NewChecker(time.Minute)
	c.Register("counted", func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())

	if calls != 1 {
		t.Errorf("check ran %d times within the cache TTL, want 1", calls)
	}
}

func TestBrokerCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	check := BrokerCheck(ln.Addr().String(), time.Second)
	if err := check(context.Background()); err != nil {
		t.Errorf("reachable broker reported unhealthy: %v", err)
	}

	dead := BrokerCheck("127.0.0.1:1", 100*time.Millisecond)
	if err := dead(context.Background()); err == nil {
		t.Error("unreachable broker reported healthy")
	}
}

func TestReadinessFailsWhenDegraded(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("broken", func(ctx context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest("GET", "/ready", nil))

	if rec.Code != 503 {
		t.Errorf("readiness status = %d, want 503", rec.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	h := StatusHandler(
		func() int64 { return 7 },
		func() (int, int) { return 2, 3 },
	)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/status", nil))

	var body map[string]int64
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["client_sessions"] != 7 || body["upstream_idle"] != 2 || body["upstream_leased"] != 3 {
		t.Errorf("unexpected status body: %v", body)
	}
}
