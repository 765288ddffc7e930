package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"valuationd/internal/config"
	"valuationd/internal/httpapi"
	"valuationd/internal/orchestrator"
	"valuationd/internal/queue"
	"valuationd/internal/scenario"
	"valuationd/internal/snapshot"
	"valuationd/internal/statemachine"
	"valuationd/internal/store"
)

func main() {
	_ = godotenv.Load()
	zerolog.TimeFieldFormat = time.RFC3339
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Str("component", "server").Logger()

	start := time.Now()
	cfg := config.LoadServer()

	logger.Info().Str("addr", cfg.HTTPAddr).Bool("migrate", cfg.Migrate).Msg("startup begin")

	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer startCancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database url failed")
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = 1
	poolCfg.HealthCheckPeriod = 10 * time.Second
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(startCtx, poolCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()

	if err := pool.Ping(startCtx); err != nil {
		logger.Fatal().Err(err).Msg("db ping failed")
	}

	if cfg.Migrate {
		if err := store.Migrate(startCtx, pool, logger); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
	} else {
		logger.Info().Msg("migrations disabled")
	}

	snapshots := snapshot.New(pool)
	scenarios := scenario.New()
	orch := orchestrator.New(pool, snapshots, scenarios, cfg.RunTaskMaxAttempts)
	q := queue.New(pool)
	machine := statemachine.New(pool)

	h := httpapi.NewHandlers(pool, snapshots, orch, q, machine, scenarios, logger)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.Router(h),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().
			Dur("elapsed", time.Since(start).Truncate(time.Millisecond)).
			Str("addr", cfg.HTTPAddr).
			Msg("ready")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}
