package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dmdorta1111/gridbase-extract/internal/config"
	"github.com/dmdorta1111/gridbase-extract/internal/reaper"
	"github.com/dmdorta1111/gridbase-extract/internal/storage"
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

	jobs := storage.NewPostgresStore(pool, logger)
	r := reaper.New(jobs, cfg.ReaperInterval, cfg.HeartbeatTimeout, logger)
	if err := r.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("reaper: %v", err)
	}
}
