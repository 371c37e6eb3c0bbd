package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dmdorta1111/gridbase-extract/internal/bootstrap"
	"github.com/dmdorta1111/gridbase-extract/internal/config"
	"github.com/dmdorta1111/gridbase-extract/internal/storage"
	"github.com/dmdorta1111/gridbase-extract/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db pool: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("db ping: %v", err)
	}

	registry, err := bootstrap.BuildRegistry(cfg, logger)
	if err != nil {
		log.Fatalf("extractors: %v", err)
	}

	jobs := storage.NewPostgresStore(pool, logger)
	exec := worker.NewExecutor(jobs, registry, logger, cfg.HeartbeatInterval)

	host, _ := os.Hostname()
	workerID := host + "-" + uuid.NewString()[:8]

	w := worker.New(workerID, jobs, exec, cfg.PollInterval, logger)
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("worker: %v", err)
	}
}
