package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/feedlot-etl/internal/config"
	"github.com/JonMunkholm/feedlot-etl/internal/etl"
	"github.com/JonMunkholm/feedlot-etl/internal/logging"
	"github.com/JonMunkholm/feedlot-etl/internal/rules"
	"github.com/JonMunkholm/feedlot-etl/internal/store"
	"github.com/JonMunkholm/feedlot-etl/internal/web"
)

func main() {
	// Overload lets a local .env win over the shell environment
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.RequireDatabase(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	r, err := rules.Load(cfg.Pipeline.RulesFile)
	if err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rules loaded",
		"archetypes", len(r.Archetypes),
		"file", cfg.Pipeline.RulesFile,
	)

	ctx := context.Background()
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	pipeline := etl.New(store.NewPostgres(pool), r, etl.Options{
		BatchSize:           cfg.Pipeline.BatchSize,
		LookupBatch:         cfg.Pipeline.DimensionLookupBatch,
		SampleSize:          cfg.Pipeline.SampleSize,
		PreviewRows:         cfg.Pipeline.PreviewRows,
		AutoDimensionFilter: cfg.Pipeline.AutoDimensionFilter,
	})
	server := web.NewServer(pipeline, cfg)

	idle := make(chan struct{})
	go func() {
		defer close(idle)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-idle
	slog.Info("server stopped")
}
