// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

// Package amqp implements the AMQP 0-9-1 framing layer used on both
// legs of the proxy.
//
// The codec is deliberately shallow: it understands the frame envelope
// (type, channel, size, payload, end marker) and the handful of
// connection- and channel-class methods the proxy must intercept during
// handshakes and teardown. Everything else - content headers, bodies,
// basic-class traffic - is carried as opaque payload bytes and is never
// decoded or mutated.
//
// ReadFrame/WriteFrame are pure transforms with no session or pool
// state; client sessions and upstream connections share them for both
// read and write paths. WriteFrame emits each frame as a single Write
// so that callers serializing on a mutex cannot interleave partial
// frames from concurrent writers.
package amqp
