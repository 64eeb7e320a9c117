// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

// Package main provides a production amqproxy deployment with metrics,
// health checks, circuit breaking, rate limiting and phased shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ArieGato/amqproxy"
	"github.com/ArieGato/amqproxy/pkg/breaker"
	"github.com/ArieGato/amqproxy/pkg/health"
	"github.com/ArieGato/amqproxy/pkg/metrics"
	"github.com/ArieGato/amqproxy/pkg/proxy"
	"github.com/ArieGato/amqproxy/pkg/ratelimit"
	"github.com/ArieGato/amqproxy/pkg/shutdown"
)

// Config holds the application configuration.
type Config struct {
	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Resource limits
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"10000"`
	MaxGoroutines  int `env:"MAX_GOROUTINES"  envDefault:"50000"`

	// Upstream pool
	PoolIdleTimeout   time.Duration `env:"POOL_IDLE_TIMEOUT"  envDefault:"5m"`
	DialTimeout       time.Duration `env:"DIAL_TIMEOUT"       envDefault:"10s"`
	UpstreamHeartbeat time.Duration `env:"UPSTREAM_HEARTBEAT" envDefault:"60s"`
	TLSSkipVerify     bool          `env:"TLS_SKIP_VERIFY"    envDefault:"false"`

	// Client leg
	ClientHeartbeat  time.Duration `env:"CLIENT_HEARTBEAT"  envDefault:"60s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`

	// Circuit breaker for upstream dials
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`

	// Per-client connect rate limiting
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"100"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"10"`

	// Shutdown phases: close the listener, wait GracePeriod for clients
	// to leave, send connection.close, then give up after TermTimeout.
	GracePeriod time.Duration `env:"GRACE_PERIOD" envDefault:"15s"`
	TermTimeout time.Duration `env:"TERM_TIMEOUT" envDefault:"10s"`
}

func main() {
	cfg := Config{}
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	proxyCfg, err := amqproxy.NewConfig(env.Options{Prefix: "AMQPROXY_"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse proxy config: %v\n", err)
		os.Exit(1)
	}
	target, err := proxyCfg.Target()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid upstream URL: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting amqproxy in production mode",
		slog.String("address", proxyCfg.Address()),
		slog.String("upstream", proxyCfg.UpstreamURL),
		slog.Int("max_connections", cfg.MaxConnections))

	m := metrics.New("amqproxy", prometheus.DefaultRegisterer)
	go startMetricsServer(cfg.MetricsPort, logger)

	// Per-client-address connect rate limiting, enforced at accept.
	limiter := ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, 10*time.Minute)
	defer limiter.Close()

	cb := breaker.New(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("upstream dial breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.BreakerState.Set(float64(to))
	})

	baseHandler := newAuditHandler(logger)
	vhostHandler := newVHostFilterHandler(baseHandler, logger)

	p := proxy.New(proxy.Config{
		Address:           proxyCfg.Address(),
		Target:            target,
		TLSConfig:         proxyCfg.TLSConfig,
		MaxConnections:    cfg.MaxConnections,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		ClientHeartbeat:   cfg.ClientHeartbeat,
		UpstreamHeartbeat: cfg.UpstreamHeartbeat,
		DialTimeout:       cfg.DialTimeout,
		IdleTimeout:       cfg.PoolIdleTimeout,
		TLSSkipVerify:     cfg.TLSSkipVerify,
		ShutdownTimeout:   cfg.GracePeriod + cfg.TermTimeout,
		Limiter:           limiter,
		Breaker:           cb,
		Logger:            logger,
		Metrics:           m,
	}, vhostHandler)

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("upstream_broker", health.BrokerCheck(target.Addr(), cfg.DialTimeout))
	healthChecker.Register("goroutines", func(ctx context.Context) error {
		if count := runtime.NumGoroutine(); count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})
	go startHealthServer(cfg.HealthPort, healthChecker, p, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Listen(gctx)
	})

	coordinator := shutdown.New(p, shutdown.Config{
		GracePeriod: cfg.GracePeriod,
		TermTimeout: cfg.TermTimeout,
		Logger:      logger,
	})

	drainErr := coordinator.Run(ctx)
	cancel()

	if err := g.Wait(); err != nil {
		logger.Error("proxy terminated with error", slog.String("error", err.Error()))
	}

	if drainErr != nil {
		logger.Error("shutdown was not clean", slog.String("error", drainErr.Error()))
		os.Exit(1)
	}
	logger.Info("graceful shutdown completed")
}

// setupLogger creates a structured logger with the specified level and
// format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health and status HTTP server.
func startHealthServer(port int, checker *health.Checker, p *proxy.Proxy, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	mux.HandleFunc("/status", health.StatusHandler(p.LiveSessions, p.PoolStats))

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", slog.String("error", err.Error()))
	}
}
