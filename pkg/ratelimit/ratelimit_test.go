// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucketAllow(t *testing.T) {
	tb := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	if tb.Allow() {
		t.Error("fourth request should be rejected")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	tb := NewTokenBucket(1, 1000)

	if !tb.Allow() {
		t.Fatal("first request should be allowed")
	}
	if tb.Allow() {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(10 * time.Millisecond)

	if !tb.Allow() {
		t.Error("bucket should have refilled")
	}
}

func TestTokenBucketCapacityCap(t *testing.T) {
	tb := NewTokenBucket(2, 1000)
	time.Sleep(20 * time.Millisecond)

	if got := tb.Available(); got > 2 {
		t.Errorf("available = %d, want at most capacity 2", got)
	}
}

func TestLimiterPerClient(t *testing.T) {
	l := NewLimiter(1, 1, time.Minute)
	defer l.Close()

	if !l.Allow("10.0.0.1") {
		t.Error("first connect from client A should be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Error("second connect from client A should be rejected")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("client B has its own bucket")
	}

	if got := l.Clients(); got != 2 {
		t.Errorf("tracked clients = %d, want 2", got)
	}
}
