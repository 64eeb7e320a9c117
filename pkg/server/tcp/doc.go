// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

// Package tcp provides the proxy's listener.
//
// The server accepts connections, applies per-client rate limiting and
// the optional connection cap, and hands each admitted socket to a
// session built by the configured Factory. It exposes the drain
// controls the shutdown coordinator needs: StopAccepting closes the
// listener without touching live sessions, CloseSessions asks every
// session to finish, and LiveSessions reports how many remain.
package tcp
