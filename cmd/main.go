// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ArieGato/amqproxy"
	"github.com/ArieGato/amqproxy/examples/simple"
	"github.com/ArieGato/amqproxy/pkg/proxy"
)

const envPrefix = "AMQPROXY_"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	logger := slog.New(logHandler)

	// Create handler
	h := simple.New(logger)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	cfg, err := amqproxy.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	target, err := cfg.Target()
	if err != nil {
		logger.Error("invalid upstream URL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	p := proxy.New(proxy.Config{
		Address:         cfg.Address(),
		Target:          target,
		TLSConfig:       cfg.TLSConfig,
		ShutdownTimeout: 30 * time.Second,
		Logger:          logger,
	}, h)

	g.Go(func() error {
		logger.Info("AMQP proxy started",
			slog.String("address", cfg.Address()),
			slog.String("upstream", cfg.UpstreamURL))
		return p.Listen(ctx)
	})

	// Signal handler
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("amqproxy service terminated with error: %s", err))
	} else {
		logger.Info("amqproxy service stopped")
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
