// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"
)

var errDial = errors.New("dial failed")

func TestBreakerOpensAfterFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return errDial }); !errors.Is(err, errDial) {
			t.Fatalf("call %d: got %v, want dial error", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	if err := cb.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker should fail fast, got %v", err)
	}
}

func TestBreakerRecovers(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, SuccessThreshold: 2})

	if err := cb.Call(func() error { return errDial }); !errors.Is(err, errDial) {
		t.Fatal(err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	// First probe moves to half-open; two successes close the circuit.
	for i := 0; i < 2; i++ {
		if err := cb.Call(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})

	_ = cb.Call(func() error { return errDial })
	time.Sleep(20 * time.Millisecond)

	if err := cb.Call(func() error { return errDial }); !errors.Is(err, errDial) {
		t.Fatal(err)
	}

	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after half-open failure", cb.State())
	}
}
