// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	perrors "github.com/ArieGato/amqproxy/pkg/errors"
	"github.com/ArieGato/amqproxy/pkg/handler"
)

// auditHandler logs every session lifecycle event with enough context
// to reconstruct who connected where.
type auditHandler struct {
	logger *slog.Logger
}

func newAuditHandler(logger *slog.Logger) *auditHandler {
	return &auditHandler{logger: logger}
}

// AuthConnect implements handler.Handler.
func (h *auditHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	h.logger.Info("client authenticating",
		slog.String("session", hctx.SessionID),
		slog.String("username", hctx.Username),
		slog.String("vhost", hctx.VHost),
		slog.String("remote", hctx.RemoteAddr))
	return nil
}

// OnConnect implements handler.Handler.
func (h *auditHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.logger.Info("client connected",
		slog.String("session", hctx.SessionID),
		slog.String("username", hctx.Username),
		slog.String("vhost", hctx.VHost))
	return nil
}

// OnChannelOpen implements handler.Handler.
func (h *auditHandler) OnChannelOpen(ctx context.Context, hctx *handler.Context, clientChannel, upstreamChannel uint16) error {
	h.logger.Debug("channel opened",
		slog.String("session", hctx.SessionID),
		slog.Int("client_channel", int(clientChannel)),
		slog.Int("upstream_channel", int(upstreamChannel)))
	return nil
}

// OnDisconnect implements handler.Handler.
func (h *auditHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.logger.Info("client disconnected",
		slog.String("session", hctx.SessionID),
		slog.String("username", hctx.Username))
	return nil
}

// vhostFilterHandler restricts which virtual hosts and users may pass
// through the proxy. The allowlists come from ALLOWED_VHOSTS and
// ALLOWED_USERS (comma separated); an empty list allows everything.
type vhostFilterHandler struct {
	next          handler.Handler
	allowedVHosts map[string]struct{}
	allowedUsers  map[string]struct{}
	logger        *slog.Logger
}

func newVHostFilterHandler(next handler.Handler, logger *slog.Logger) *vhostFilterHandler {
	return &vhostFilterHandler{
		next:          next,
		allowedVHosts: parseAllowlist(os.Getenv("ALLOWED_VHOSTS")),
		allowedUsers:  parseAllowlist(os.Getenv("ALLOWED_USERS")),
		logger:        logger,
	}
}

func parseAllowlist(raw string) map[string]struct{} {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	set := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			set[entry] = struct{}{}
		}
	}
	return set
}

// AuthConnect implements handler.Handler with allowlist enforcement.
func (h *vhostFilterHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	if h.allowedVHosts != nil {
		if _, ok := h.allowedVHosts[hctx.VHost]; !ok {
			h.logger.Warn("vhost not allowed",
				slog.String("vhost", hctx.VHost),
				slog.String("remote", hctx.RemoteAddr))
			return fmt.Errorf("%w: vhost %q", perrors.ErrUnauthorized, hctx.VHost)
		}
	}
	if h.allowedUsers != nil {
		if _, ok := h.allowedUsers[hctx.Username]; !ok {
			h.logger.Warn("user not allowed",
				slog.String("username", hctx.Username),
				slog.String("remote", hctx.RemoteAddr))
			return fmt.Errorf("%w: user %q", perrors.ErrUnauthorized, hctx.Username)
		}
	}
	return h.next.AuthConnect(ctx, hctx)
}

// OnConnect implements handler.Handler.
func (h *vhostFilterHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.next.OnConnect(ctx, hctx)
}

// OnChannelOpen implements handler.Handler.
func (h *vhostFilterHandler) OnChannelOpen(ctx context.Context, hctx *handler.Context, clientChannel, upstreamChannel uint16) error {
	return h.next.OnChannelOpen(ctx, hctx, clientChannel, upstreamChannel)
}

// OnDisconnect implements handler.Handler.
func (h *vhostFilterHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	return h.next.OnDisconnect(ctx, hctx)
}
