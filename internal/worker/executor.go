// Package worker drives claimed jobs through the state machine: invoke the
// extractor for the job's format, then finalize or hand the failure to the
// retry policy. Workers share nothing in-process; all coordination goes
// through the job store.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dmdorta1111/gridbase-extract/internal/domain"
	"github.com/dmdorta1111/gridbase-extract/internal/extract"
	"github.com/dmdorta1111/gridbase-extract/internal/retry"
	"github.com/dmdorta1111/gridbase-extract/internal/storage"
)

type Executor struct {
	store             storage.Store
	registry          *extract.Registry
	log               *zap.Logger
	heartbeatInterval time.Duration
}

func NewExecutor(store storage.Store, registry *extract.Registry, log *zap.Logger, heartbeatInterval time.Duration) *Executor {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &Executor{
		store:             store,
		registry:          registry,
		log:               log,
		heartbeatInterval: heartbeatInterval,
	}
}

// Execute runs one claimed job to its next transition. The caller must hold
// the claim under workerID. A lost claim (cancel or reap) is not an error:
// the attempt is discarded and the store's state stands.
func (e *Executor) Execute(ctx context.Context, job domain.Job, workerID string) error {
	log := e.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("worker_id", workerID),
		zap.String("format", string(job.Format)),
	)

	// The heartbeat loop proves liveness and doubles as the cooperative
	// cancellation checkpoint: once a cancel or reap clears the claim, the
	// next heartbeat returns ErrClaimLost and we abort the extractor.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var claimLost bool
	var wg sync.WaitGroup
	hbDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(e.heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-runCtx.Done():
				return
			case <-t.C:
				if err := e.store.Heartbeat(runCtx, job.ID, workerID); err != nil {
					if errors.Is(err, storage.ErrClaimLost) {
						claimLost = true
						log.Info("claim lost, aborting attempt")
						cancelRun()
						return
					}
					log.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	stopHeartbeat := func() {
		close(hbDone)
		wg.Wait()
	}

	result, extractErr := e.run(runCtx, job)
	stopHeartbeat()

	if claimLost {
		return nil
	}

	if extractErr == nil {
		payload, err := json.Marshal(result)
		if err != nil {
			extractErr = extract.Errorf(extract.KindUnknown, "encode result: %v", err)
		} else {
			err := e.store.Complete(ctx, job.ID, workerID, payload)
			if errors.Is(err, storage.ErrClaimLost) {
				log.Info("claim lost before completion, result discarded")
				return nil
			}
			return err
		}
	}

	decision := retry.Decide(extractErr, job.RetryCount, job.MaxRetries, time.Now().UTC())
	var err error
	if decision.Retry {
		err = e.store.ReleaseForRetry(ctx, job.ID, workerID, decision.RetryCount, decision.NextRetryAt, decision.Reason)
	} else {
		err = e.store.Fail(ctx, job.ID, workerID, decision.RetryCount, decision.Reason)
	}
	if errors.Is(err, storage.ErrClaimLost) {
		log.Info("claim lost before finalize, attempt discarded")
		return nil
	}
	return err
}

func (e *Executor) run(ctx context.Context, job domain.Job) (*extract.Result, *extract.Error) {
	ex, xerr := e.registry.For(job.Format)
	if xerr != nil {
		return nil, xerr
	}
	result, err := ex.Extract(ctx, job.SourceRef)
	if err != nil {
		return nil, extract.Classify(err)
	}
	if result == nil {
		return nil, extract.Errorf(extract.KindUnknown, "extractor returned no result")
	}
	return result, nil
}
