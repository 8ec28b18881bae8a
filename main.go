package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"medrag/apps/ingest/internal/app"
	"medrag/apps/ingest/internal/config"
	"medrag/apps/ingest/internal/logger"
)

func main() {
	// Initialize structured logger with correlation id propagation
	jsonHandler := slog.NewJSONHandler(os.Stdout, nil)
	log := slog.New(logger.NewContextHandler(jsonHandler))
	slog.SetDefault(log)

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. External Dependencies (Postgres, migrations, NSQ, pipeline client)
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("failed to bootstrap dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.DB.Close()
	defer deps.NSQProducer.Stop()
	slog.Info("migrations applied successfully")

	// 3. Application Wiring
	a, err := app.New(cfg, deps.DB, deps.Pipeline, deps.NSQProducer, log)
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	// 4. Serve
	if err := a.Run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
