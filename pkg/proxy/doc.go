// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

// Package proxy assembles the AMQP connection-pooling proxy.
//
// It wires the client-facing TCP listener, the per-client session
// state machines and the upstream connection pool, and exposes the
// drain controls (StopAccepting, CloseSessions, LiveSessions) the
// shutdown coordinator drives.
//
//	client ──> tcp.Server ──> session.Session ──> pool.Pool ──> broker
//
// Sessions terminate each client's handshake, so credentials and the
// virtual host are known before an upstream connection is leased, and
// clients sharing an identity reuse pooled broker connections.
package proxy
