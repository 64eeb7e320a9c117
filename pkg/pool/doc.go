// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

// Package pool manages the proxy's upstream AMQP connections.
//
// Connections are keyed by Identity: host, port, TLS mode, virtual
// host and credentials. A session leases a connection matching its
// client's identity, multiplexes channels onto it, and releases it on
// disconnect. Released connections go back on a per-identity stack,
// most recent on top, so a burst of reconnecting clients reuses warm
// connections while stale ones age out and are retired by the sweeper.
//
// Each connection runs a read pump goroutine for its entire lifetime.
// While leased, the pump delivers broker frames to the session's
// FrameSink; while idle, it absorbs heartbeats and leftover close-ok
// confirmations. Channel ids handed to a session stay reserved after
// the session ends until the broker confirms each channel.close, which
// keeps a successor session from colliding with in-flight channels.
package pool
