// Package storage is the data-access layer for extraction jobs. The job table
// is the only shared mutable resource in the system; every mutation here is a
// single-row update guarded by a state predicate, which is what makes the
// claim protocol race-free without an external lock manager.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dmdorta1111/gridbase-extract/internal/domain"
)

var (
	// ErrNotFound is returned when no job exists for the given id.
	ErrNotFound = errors.New("job not found")

	// ErrConflict is returned for transitions that are invalid from the
	// job's current state, e.g. cancelling a terminal job.
	ErrConflict = errors.New("conflicting job state")

	// ErrClaimLost is returned by owner-predicated updates that matched zero
	// rows: the caller no longer holds the claim (cancelled, reaped, or
	// completed elsewhere) and must discard its attempt.
	ErrClaimLost = errors.New("claim lost")
)

// Store is implemented by the Postgres store and by an in-memory store used
// in tests and single-process development.
type Store interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	// CreateJobs inserts all jobs atomically; used by bulk submission.
	CreateJobs(ctx context.Context, jobs []*domain.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error)
	ListByBulk(ctx context.Context, bulkID uuid.UUID) ([]domain.Job, error)

	// ClaimNext atomically claims the oldest eligible pending job for
	// workerID. ok is false when no eligible job exists or another worker
	// won the race.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (job domain.Job, ok bool, err error)

	// ClaimJob is ClaimNext scoped to a specific job; the bulk orchestrator
	// uses it to drive its own members.
	ClaimJob(ctx context.Context, id uuid.UUID, workerID string, now time.Time) (job domain.Job, ok bool, err error)

	// Heartbeat proves liveness for a held claim. ErrClaimLost doubles as
	// the cooperative-cancellation signal: a cancel or reap clears the claim
	// fields, so the owner's next heartbeat matches zero rows.
	Heartbeat(ctx context.Context, id uuid.UUID, workerID string) error

	Complete(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage) error
	ReleaseForRetry(ctx context.Context, id uuid.UUID, workerID string, retryCount int, nextRetryAt time.Time, lastError string) error
	Fail(ctx context.Context, id uuid.UUID, workerID string, retryCount int, lastError string) error

	// Cancel transitions a pending or processing job to cancelled, clearing
	// any claim. Terminal jobs return ErrConflict.
	Cancel(ctx context.Context, id uuid.UUID) error

	// ReapStale returns every processing job whose heartbeat is older than
	// cutoff to the pending pool, leaving retry_count untouched: a dead
	// worker is an infrastructure failure, not an extraction failure.
	ReapStale(ctx context.Context, cutoff time.Time) (int64, error)

	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
}
