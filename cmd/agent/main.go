package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/XueJourney/mail-agent/internal/config"
	"github.com/XueJourney/mail-agent/internal/database"
	"github.com/XueJourney/mail-agent/internal/imap"
	"github.com/XueJourney/mail-agent/internal/ingest"
	"github.com/XueJourney/mail-agent/internal/server"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mail agent", "accounts", len(cfg.Accounts))

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	// Create components
	normalizer := ingest.NewNormalizer()
	orchestrator := imap.NewOrchestrator(
		cfg.Accounts,
		imap.Dialer(cfg.IMAPDialTimeout, logger),
		db,
		normalizer,
		imap.Options{
			RenewInterval:    cfg.IMAPRenewInterval,
			ReconnectMin:     cfg.ReconnectMin,
			ReconnectMax:     cfg.ReconnectMax,
			IncrementalCount: cfg.IncrementalCount,
		},
		logger,
	)
	srv := server.New(db, normalizer, cfg.APIToken, logger)

	// Start account watchers
	orchestrator.StartAll()

	// Setup graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("received shutdown signal", "signal", sig)

		orchestrator.StopAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	// Serve the API and webhook until shutdown
	logger.Info("listening", "addr", cfg.ListenAddr)
	if err := srv.Listen(cfg.ListenAddr); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("mail agent stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
