package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/auth"
	"github.com/nebulachat/sync-api/internal/config"
	"github.com/nebulachat/sync-api/internal/db"
	"github.com/nebulachat/sync-api/internal/envelope"
	"github.com/nebulachat/sync-api/internal/httpapi"
	"github.com/nebulachat/sync-api/internal/reaper"
	"github.com/nebulachat/sync-api/internal/service/syncservice"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "sync-api").Logger()

	cfg := config.Load()

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection and schema
	sqlDB, dialect, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer sqlDB.Close()

	if err := db.Migrate(sqlDB, dialect); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	sealer, err := envelope.New(cfg.KEK())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize envelope encryption")
	}

	svc := syncservice.New(sqlDB, sealer, time.Duration(cfg.RecycleBinDays)*24*time.Hour)

	// Background cleanup of expired recycle-bin rows and stale
	// idempotency records
	go reaper.New(svc).Run(ctx)

	// HTTP server setup
	srv := &httpapi.Server{DB: sqlDB, Sync: svc, Cfg: cfg}

	jwtCfg := auth.JWTCfg{
		HS256Secret: cfg.JWTSecret,
		DevMode:     cfg.Env == "dev",
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(jwtCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("env", cfg.Env).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
