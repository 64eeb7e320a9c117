// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

// Package session implements the per-client protocol state machine.
//
// A session terminates its client's AMQP handshake, so credentials and
// the virtual host are known before any upstream traffic happens. It
// then leases a matching broker connection from the pool and switches
// to relay mode: frames pass through with only the channel id
// rewritten, payloads byte-for-byte intact. Client heartbeats never
// reach the broker; the proxy answers them itself, and the pooled
// connection's own keepalive runs independently of any lease.
//
// A protocol violation closes only the offending session. The upstream
// connection is released back to the pool if healthy and evicted if
// the broker side failed.
package session
