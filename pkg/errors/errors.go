// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the proxy's error taxonomy.
package errors

import (
	"errors"
	"fmt"

	"github.com/ArieGato/amqproxy/pkg/amqp"
)

// Common error types
var (
	// ErrUnauthorized indicates a rejected connect attempt.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrProtocolViolation indicates a malformed or out-of-sequence
	// frame from a client. Closes only the offending session.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUpstreamUnavailable indicates connect/TLS/handshake failure
	// while establishing an upstream connection for a lease.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamBroken indicates the broker reset or closed a pooled
	// connection, idle or leased.
	ErrUpstreamBroken = errors.New("upstream connection broken")

	// ErrConnectionClosed indicates the peer closed the connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrShutdownTimeout indicates clients failed to drain within the
	// configured hard term timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrRateLimited indicates a connect rejected by rate limiting.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrChannelExhausted indicates an upstream connection ran out of
	// channel ids.
	ErrChannelExhausted = errors.New("no free upstream channel id")
)

// SessionError wraps an error with session context.
type SessionError struct {
	Op         string // Operation that failed
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// New creates a new SessionError.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// ReplyCode maps an error to the AMQP connection.close reply code the
// session sends to its client.
func ReplyCode(err error) uint16 {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrRateLimited):
		return amqp.ReplyAccessRefused
	case errors.Is(err, amqp.ErrMalformedFrame), errors.Is(err, amqp.ErrFrameTooLarge):
		return amqp.ReplyFrameError
	case errors.Is(err, ErrProtocolViolation):
		return amqp.ReplyCommandInvalid
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrUpstreamBroken):
		return amqp.ReplyConnectionForced
	default:
		return amqp.ReplyInternalError
	}
}
