// Package reaper returns jobs with stale heartbeats to the pending pool. It
// is the backstop that guarantees forward progress when a worker dies holding
// a claim: no error path may leave a job stuck in processing forever.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dmdorta1111/gridbase-extract/internal/storage"
)

type Reaper struct {
	store    storage.Store
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

// New builds a reaper sweeping every interval for claims whose heartbeat is
// older than timeout. The timeout should be at least 3x the heartbeat
// interval so transient scheduling delays don't reclaim live jobs.
func New(store storage.Store, interval, timeout time.Duration, log *zap.Logger) *Reaper {
	return &Reaper{store: store, interval: interval, timeout: timeout, log: log}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	r.log.Info("reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("timeout", r.timeout),
	)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return ctx.Err()
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep performs one pass and returns the number of reclaimed jobs.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-r.timeout)
	return r.store.ReapStale(ctx, cutoff)
}
