package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dmdorta1111/gridbase-extract/internal/storage"
)

// Worker runs the {poll, claim, execute} loop. Any number of workers may run
// against the same store; the atomic claim serializes them.
type Worker struct {
	id           string
	store        storage.Store
	exec         *Executor
	pollInterval time.Duration
	log          *zap.Logger
}

func New(id string, store storage.Store, exec *Executor, pollInterval time.Duration, log *zap.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		id:           id,
		store:        store,
		exec:         exec,
		pollInterval: pollInterval,
		log:          log,
	}
}

// Run blocks until ctx is cancelled. When no eligible work exists the worker
// backs off for pollInterval before polling again.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", zap.String("worker_id", w.id))
	for {
		if err := ctx.Err(); err != nil {
			w.log.Info("worker stopped", zap.String("worker_id", w.id))
			return err
		}

		job, ok, err := w.store.ClaimNext(ctx, w.id, time.Now().UTC())
		if err != nil {
			w.log.Error("claim failed", zap.Error(err))
			ok = false
		}
		if !ok {
			select {
			case <-ctx.Done():
				continue
			case <-time.After(w.pollInterval):
				continue
			}
		}

		if err := w.exec.Execute(ctx, job, w.id); err != nil {
			w.log.Error("execute failed",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
		}
	}
}
