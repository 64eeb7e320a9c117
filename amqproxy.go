// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

// Package amqproxy provides environment-driven configuration for the
// AMQP connection-pooling proxy.
package amqproxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/ArieGato/amqproxy/pkg/session"
)

// Config holds the proxy's listener and upstream settings, loaded from
// the environment.
type Config struct {
	// Host and Port form the client-facing listen address.
	Host string `env:"HOST" envDefault:""`
	Port string `env:"PORT" envDefault:"5673"`

	// UpstreamURL locates the broker: amqp://host:port or
	// amqps://host:port. Credentials and vhost always come from each
	// client's handshake, so a userinfo or path here is rejected.
	UpstreamURL string `env:"UPSTREAM_URL" envDefault:"amqp://localhost:5672"`

	// Listener TLS. Both files must be set to enable it.
	CertFile     string `env:"CERT_FILE" envDefault:""`
	KeyFile      string `env:"KEY_FILE"  envDefault:""`
	ClientCAFile string `env:"CLIENT_CA_FILE" envDefault:""`

	// TLSConfig is built from the files above by NewConfig.
	TLSConfig *tls.Config
}

// NewConfig loads configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return Config{}, fmt.Errorf("loading certificate: %w", err)
		}
		c.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}

		if c.ClientCAFile != "" {
			ca, err := os.ReadFile(c.ClientCAFile)
			if err != nil {
				return Config{}, fmt.Errorf("loading client CA: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(ca) {
				return Config{}, fmt.Errorf("no certificates found in %s", c.ClientCAFile)
			}
			c.TLSConfig.ClientCAs = pool
			c.TLSConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	return c, nil
}

// Address returns the listen address.
func (c Config) Address() string {
	return c.Host + ":" + c.Port
}

// Target parses UpstreamURL into a broker target. The default port
// follows the scheme: 5672 for amqp, 5671 for amqps.
func (c Config) Target() (session.Target, error) {
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return session.Target{}, fmt.Errorf("parsing upstream URL: %w", err)
	}

	var t session.Target
	switch u.Scheme {
	case "amqp":
		t.Port = 5672
	case "amqps":
		t.TLS = true
		t.Port = 5671
	default:
		return session.Target{}, fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}

	if u.User != nil {
		return session.Target{}, fmt.Errorf("upstream URL must not carry credentials, clients supply their own")
	}
	if strings.Trim(u.Path, "/") != "" {
		return session.Target{}, fmt.Errorf("upstream URL must not carry a vhost, clients supply their own")
	}

	t.Host = u.Hostname()
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return session.Target{}, fmt.Errorf("parsing upstream port: %w", err)
		}
		t.Port = port
	}
	if t.Host == "" {
		return session.Target{}, fmt.Errorf("upstream URL %q has no host", c.UpstreamURL)
	}

	return t, nil
}
