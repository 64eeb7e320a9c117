// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"fmt"
	"net"
	"strconv"
)

// Identity is the immutable key grouping pooled upstream connections.
// Two identities are equal iff every field matches exactly, so a
// connection opened for one tenant's credentials can never be leased to
// a client presenting different ones.
type Identity struct {
	Host     string
	Port     int
	TLS      bool
	VHost    string
	Username string
	Password string
}

// Addr returns the dial address for this identity.
func (i Identity) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// String renders the identity for logs, credentials elided.
func (i Identity) String() string {
	scheme := "amqp"
	if i.TLS {
		scheme = "amqps"
	}
	return fmt.Sprintf("%s://%s@%s/%s", scheme, i.Username, i.Addr(), i.VHost)
}
