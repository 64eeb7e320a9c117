// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"testing"
)

func TestNoopHandler(t *testing.T) {
	handler := &NoopHandler{}
	ctx := context.Background()
	hctx := &Context{
		SessionID:  "test-session",
		Username:   "testuser",
		Password:   []byte("testpass"),
		VHost:      "/",
		RemoteAddr: "127.0.0.1:1234",
	}

	tests := []struct {
		name string
		fn   func() error
	}{
		{
			name: "AuthConnect",
			fn:   func() error { return handler.AuthConnect(ctx, hctx) },
		},
		{
			name: "OnConnect",
			fn:   func() error { return handler.OnConnect(ctx, hctx) },
		},
		{
			name: "OnChannelOpen",
			fn:   func() error { return handler.OnChannelOpen(ctx, hctx, 1, 17) },
		},
		{
			name: "OnDisconnect",
			fn:   func() error { return handler.OnDisconnect(ctx, hctx) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Errorf("%s() returned error: %v", tt.name, err)
			}
		})
	}
}

// MockHandler is a mock implementation for testing.
type MockHandler struct {
	ConnectErr error

	ConnectCalled      bool
	OnConnectCalled    bool
	OnChannelCalled    bool
	OnDisconnectCalled bool

	LastClientChannel   uint16
	LastUpstreamChannel uint16
}

func (m *MockHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	m.ConnectCalled = true
	return m.ConnectErr
}

func (m *MockHandler) OnConnect(ctx context.Context, hctx *Context) error {
	m.OnConnectCalled = true
	return nil
}

func (m *MockHandler) OnChannelOpen(ctx context.Context, hctx *Context, clientChannel, upstreamChannel uint16) error {
	m.OnChannelCalled = true
	m.LastClientChannel = clientChannel
	m.LastUpstreamChannel = upstreamChannel
	return nil
}

func (m *MockHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	m.OnDisconnectCalled = true
	return nil
}

func TestMockHandler(t *testing.T) {
	mock := &MockHandler{
		ConnectErr: errors.New("connection error"),
	}

	ctx := context.Background()
	hctx := &Context{
		SessionID: "test",
		Username:  "user",
	}

	err := mock.AuthConnect(ctx, hctx)
	if err == nil {
		t.Error("Expected error from AuthConnect")
	}
	if !mock.ConnectCalled {
		t.Error("Expected ConnectCalled to be true")
	}

	if err := mock.OnChannelOpen(ctx, hctx, 1, 42); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if mock.LastClientChannel != 1 || mock.LastUpstreamChannel != 42 {
		t.Errorf("Expected channel pair (1, 42), got (%d, %d)",
			mock.LastClientChannel, mock.LastUpstreamChannel)
	}

	if err := mock.OnDisconnect(ctx, hctx); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if !mock.OnDisconnectCalled {
		t.Error("Expected OnDisconnectCalled to be true")
	}
}
