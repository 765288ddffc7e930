package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/urfave/cli/v2"

	"valuationd/internal/config"
	"valuationd/internal/pricer"
	"valuationd/internal/queue"
	"valuationd/internal/result"
	"valuationd/internal/scenario"
	"valuationd/internal/snapshot"
	"valuationd/internal/statemachine"
	"valuationd/internal/worker"
)

// Exit codes for the worker daemon: 0 on a clean shutdown signal,
// 1 on a configuration error, 2 on an unrecoverable runtime error.
const (
	exitOK            = 0
	exitConfig        = 1
	exitRuntimeFailed = 2
)

func main() {
	app := &cli.App{
		Name:  "valuationd-worker",
		Usage: "claims and prices valuation tasks from the run_task queue",
		Action: func(c *cli.Context) error {
			return run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("worker exited with error")
		os.Exit(exitConfig)
	}
}

func run() error {
	_ = godotenv.Load()
	zerolog.TimeFieldFormat = time.RFC3339
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Str("component", "worker").Logger()

	cfg := config.LoadWorker()
	logger = logger.With().Str("worker_id", cfg.WorkerID).Logger()

	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer startCancel()

	pool, err := pgxpool.New(startCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Error().Err(err).Msg("db connect failed")
		os.Exit(exitConfig)
	}
	defer pool.Close()

	if err := pool.Ping(startCtx); err != nil {
		logger.Error().Err(err).Msg("db ping failed")
		os.Exit(exitRuntimeFailed)
	}

	snapshots := snapshot.New(pool)
	scenarios := scenario.New()
	registry := pricer.Bootstrap()
	results := result.New(pool)
	machine := statemachine.New(pool)
	q := queue.New(pool)

	w := worker.New(pool, snapshots, scenarios, registry, results, machine, worker.Config{
		WorkerID:      cfg.WorkerID,
		LeaseDuration: time.Duration(cfg.LeaseSeconds) * time.Second,
		IdleSleep:     time.Duration(cfg.IdleSleepSeconds * float64(time.Second)),
		CacheSize:     32,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper := cron.New()
	_, err = reaper.AddFunc("@every 10s", func() {
		n, err := q.Reap(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("lease reap failed")
			return
		}
		if n > 0 {
			logger.Info().Int64("reclaimed", n).Msg("reaped expired leases")
		}
	})
	if err != nil {
		logger.Error().Err(err).Msg("schedule reaper failed")
		os.Exit(exitConfig)
	}
	reaper.Start()
	defer reaper.Stop()

	healthSrv := newHealthServer(cfg.HealthAddr, logger)
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthSrv.Shutdown(shutdownCtx)
	}()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	logger.Info().Msg("worker ready")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
		<-done
		return nil
	case err := <-done:
		if err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("worker loop exited with error")
			os.Exit(exitRuntimeFailed)
		}
		return nil
	}
}

func newHealthServer(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
		if err != nil || len(cpuPercent) == 0 {
			cpuPercent = []float64{0}
		}
		memStat, err := mem.VirtualMemory()
		ramPercent := 0.0
		if err == nil {
			ramPercent = memStat.UsedPercent
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(
			`{"status":"ok","cpu_percent":` + formatPercent(cpuPercent[0]) + `,"ram_percent":` + formatPercent(ramPercent) + `}`,
		))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
