// Package main is the entry point for the resilient call service. It loads
// configuration, builds one guarded pipeline per destination, starts the
// HTTP server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/dskow/resilience-core/internal/auth"
	"github.com/dskow/resilience-core/internal/config"
	"github.com/dskow/resilience-core/internal/logging"
	"github.com/dskow/resilience-core/internal/metrics"
	"github.com/dskow/resilience-core/internal/middleware"
	"github.com/dskow/resilience-core/internal/pipeline"
	"github.com/dskow/resilience-core/internal/retry"
	"github.com/dskow/resilience-core/internal/server"
	"github.com/dskow/resilience-core/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/resilience.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var logOut io.Writer = os.Stdout
	var logFile *logging.RotatingWriter
	switch cfg.Logging.Output {
	case "stdout":
	case "stderr":
		logOut = os.Stderr
	default:
		logFile, err = logging.NewRotatingWriter(cfg.Logging.Output, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer logFile.Close()
		logOut = logFile
	}

	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: slog.LevelInfo}))

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"destinations", len(cfg.Destinations),
		"auth_enabled", cfg.Auth.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"log_output", cfg.Logging.Output,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	pipelines, scenarios, err := buildPipelines(cfg, logger)
	if err != nil {
		logger.Error("failed to build pipelines", "error", err)
		os.Exit(1)
	}

	guard := auth.Guard(cfg.Auth, logger)

	var logReader server.LogReader
	if logFile != nil {
		logReader = logFile
	}
	handler := server.New(pipelines, scenarios, guard, logReader, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	var root http.Handler = mux
	root = middleware.Logging(logger)(root)
	root = middleware.RequestID(root)
	root = middleware.Recovery(logger)(root)

	// Hot-reload: rate limit and breaker settings apply to live pipelines.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	byName := make(map[string]*pipeline.Client, len(pipelines))
	for _, p := range pipelines {
		byName[p.Destination()] = p
	}
	reloader.OnReload(func(newCfg *config.Config) {
		for _, d := range newCfg.Destinations {
			p, ok := byName[d.Name]
			if !ok {
				logger.Warn("reload: new destinations require a restart", "destination", d.Name)
				continue
			}
			p.UpdateConfig(d.RateLimit.RequestsPerSecond, d.RateLimit.Burst,
				d.Breaker.FailureThreshold, d.Breaker.ResetTimeout)
		}
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting resilience service", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("service stopped gracefully")
}

// buildPipelines constructs one transport and pipeline per configured
// destination.
func buildPipelines(cfg *config.Config, logger *slog.Logger) ([]*pipeline.Client, map[string]config.ScenarioConfig, error) {
	pipelines := make([]*pipeline.Client, 0, len(cfg.Destinations))
	scenarios := make(map[string]config.ScenarioConfig, len(cfg.Destinations))

	for _, d := range cfg.Destinations {
		opts := transport.Options{RetryableStatuses: d.RetryableStatuses}
		if d.ConnectionPool != nil {
			opts.MaxIdleConns = d.ConnectionPool.MaxIdleConns
			opts.MaxIdlePerHost = d.ConnectionPool.MaxIdlePerHost
			opts.IdleTimeout = d.ConnectionPool.IdleTimeout
		}
		tr, err := transport.NewHTTP(d.Name, d.BaseURL, opts)
		if err != nil {
			return nil, nil, err
		}

		p, err := pipeline.New(pipeline.Config{
			Destination:       d.Name,
			RatePerSecond:     d.RateLimit.RequestsPerSecond,
			Burst:             d.RateLimit.Burst,
			RejectOnRateLimit: d.OnRateLimit == "reject",
			MaxConcurrent:     d.Bulkhead.MaxConcurrent,
			AcquireTimeout:    d.Bulkhead.AcquireTimeout,
			FailureThreshold:  d.Breaker.FailureThreshold,
			ResetTimeout:      d.Breaker.ResetTimeout,
			Retry: retry.Policy{
				MaxAttempts:       d.Retry.MaxAttempts,
				PerAttemptTimeout: d.Retry.PerAttemptTimeout,
				BaseBackoff:       d.Retry.BaseBackoff,
				Multiplier:        d.Retry.Multiplier,
				MaxBackoff:        d.Retry.MaxBackoff,
				Jitter:            d.Retry.Jitter,
			},
			FallbackBody: []byte(d.FallbackBody),
		}, tr, logger)
		if err != nil {
			return nil, nil, err
		}

		pipelines = append(pipelines, p)
		scenarios[d.Name] = d.Scenarios
	}

	return pipelines, scenarios, nil
}
