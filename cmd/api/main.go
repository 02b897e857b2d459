// Command api runs the external HTTP front door: session provisioning, job
// submission, and status/metrics lookups, backed by the same durable
// collaborators the worker process uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaydispatch/dispatch-engine/internal/config"
	"github.com/relaydispatch/dispatch-engine/internal/httpapi"
	"github.com/relaydispatch/dispatch-engine/internal/observability"
	"github.com/relaydispatch/dispatch-engine/internal/queue"
	"github.com/relaydispatch/dispatch-engine/internal/store"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "api: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.GetLoggerFromEnv(cfg.LogLevel)
	defer logger.Sync()

	if cfg.MetricsEnabled {
		shutdownOtel, err := observability.SetupOpenTelemetry("dispatch-api", logger)
		if err != nil {
			return fmt.Errorf("setup opentelemetry: %w", err)
		}
		defer shutdownOtel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctxStore, err := store.New(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connect context store: %w", err)
	}
	defer ctxStore.Close()

	db, err := queue.Connect(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect job queue: %w", err)
	}
	defer db.Close()
	if err := queue.RunMigrations(db, cfg.MigrationsPath); err != nil {
		return fmt.Errorf("run job queue migrations: %w", err)
	}
	jobQueue := queue.New(db)

	server := httpapi.New(httpapi.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		SessionTTL:   cfg.SessionTTL,
	}, ctxStore, ctxStore, jobQueue, nil, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Listen(":" + cfg.Port) }()

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	return server.Shutdown()
}
