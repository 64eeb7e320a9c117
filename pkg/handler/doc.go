// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

// Package handler links the client session state machine to
// application-level authorization and audit logic.
//
// A session calls AuthConnect once its handshake has produced the
// client's credentials and requested virtual host, but before an
// upstream lease is requested; returning an error rejects the client
// with ACCESS_REFUSED and never touches the pool. The On* methods are
// pure notifications (connect, channel mapping, disconnect) for audit
// logging, metrics or rate-limiter bookkeeping; their errors are logged
// and otherwise ignored.
//
// Because the proxy forwards message payloads without decoding them,
// there are deliberately no publish/subscribe hooks: the relay cannot
// observe those operations without inspecting basic-class frames.
//
// NoopHandler allows everything and is the default for a transparent
// deployment.
package handler
