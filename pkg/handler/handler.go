// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"
)

// Context contains connection metadata and the credentials extracted
// from the client's handshake. It is passed to Handler methods to
// provide auth context.
type Context struct {
	// SessionID is a unique identifier for this client session
	SessionID string

	// Username extracted from the SASL response in start-ok
	Username string

	// Password extracted from the SASL response (raw, not hashed)
	Password []byte

	// VHost is the virtual host requested in connection.open
	VHost string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Cert is the client's TLS certificate (if using mTLS)
	Cert *x509.Certificate
}

// Handler defines authorization and notification callbacks for session
// lifecycle events. The proxy never decodes message payloads, so hooks
// exist only for the events a transparent relay can observe.
//
// AuthConnect is called BEFORE an upstream lease is requested and can
// reject the client. The On* methods are notifications; their errors
// are logged but never tear a session down.
type Handler interface {
	// AuthConnect authorizes a client connection attempt after the
	// handshake has produced credentials and a virtual host.
	// Return an error to reject the connection.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnConnect is called after the session is open and leased.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnChannelOpen is called when a client channel is mapped to an
	// upstream channel id.
	OnChannelOpen(ctx context.Context, hctx *Context, clientChannel, upstreamChannel uint16) error

	// OnDisconnect is called when a client session ends, gracefully or
	// not.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows all connections.
// Useful for testing or when no authorization is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnChannelOpen(ctx context.Context, hctx *Context, clientChannel, upstreamChannel uint16) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
