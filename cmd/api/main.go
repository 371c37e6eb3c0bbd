package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dmdorta1111/gridbase-extract/internal/blob"
	"github.com/dmdorta1111/gridbase-extract/internal/bootstrap"
	"github.com/dmdorta1111/gridbase-extract/internal/bulk"
	"github.com/dmdorta1111/gridbase-extract/internal/config"
	"github.com/dmdorta1111/gridbase-extract/internal/httpapi"
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

	if err := migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db pool: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("db ping: %v", err)
	}

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()

	jobs := storage.NewPostgresStore(pool, logger)
	bulks := bulk.NewRedisStore(rdb)
	registry, err := bootstrap.BuildRegistry(cfg, logger)
	if err != nil {
		log.Fatalf("extractors: %v", err)
	}
	exec := worker.NewExecutor(jobs, registry, logger, cfg.HeartbeatInterval)
	orch := bulk.NewOrchestrator(jobs, bulks, exec, bulk.NewLogImporter(logger), cfg.BulkParallelism, logger)

	srv := &httpapi.Server{
		Jobs:       jobs,
		Orch:       orch,
		Blobs:      blob.LocalFS{Root: cfg.UploadDir},
		Log:        logger,
		MaxRetries: cfg.DefaultMaxRetries,
	}

	httpServer := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("api serving on %s", cfg.APIAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func migrate(dsn, dir string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, dir)
}
