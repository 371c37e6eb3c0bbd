package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dmdorta1111/gridbase-extract/internal/domain"
)

const jobColumns = `id, bulk_id, source_ref, filename, format, status,
claimed_by, claimed_at, heartbeat, retry_count, max_retries, next_retry_at,
last_error, result, created_at, updated_at`

// PostgresStore persists jobs in the shared relational store. The claim is a
// single conditional update; Postgres row-level atomicity serializes racing
// workers.
type PostgresStore struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

func NewPostgresStore(db *pgxpool.Pool, log *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log}
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := s.db.Exec(ctx, `
		insert into extraction_jobs (`+jobColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		job.ID, job.BulkID, job.SourceRef, job.Filename, job.Format, job.Status,
		job.ClaimedBy, job.ClaimedAt, job.Heartbeat, job.RetryCount, job.MaxRetries,
		job.NextRetryAt, job.LastError, job.Result, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert job")
	}
	s.log.Info("job created",
		zap.String("job_id", job.ID.String()),
		zap.String("format", string(job.Format)),
		zap.String("filename", job.Filename),
	)
	return nil
}

func (s *PostgresStore) CreateJobs(ctx context.Context, jobs []*domain.Job) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for _, job := range jobs {
		job.CreatedAt = now
		job.UpdatedAt = now
		if _, err := tx.Exec(ctx, `
			insert into extraction_jobs (`+jobColumns+`)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			job.ID, job.BulkID, job.SourceRef, job.Filename, job.Format, job.Status,
			job.ClaimedBy, job.ClaimedAt, job.Heartbeat, job.RetryCount, job.MaxRetries,
			job.NextRetryAt, job.LastError, job.Result, job.CreatedAt, job.UpdatedAt,
		); err != nil {
			return errors.Wrapf(err, "insert job %s", job.ID)
		}
	}
	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from extraction_jobs where id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, errors.Wrap(err, "get job")
	}
	return job, nil
}

func (s *PostgresStore) ListByBulk(ctx context.Context, bulkID uuid.UUID) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx, `
		select `+jobColumns+` from extraction_jobs
		where bulk_id = $1
		order by created_at asc, id asc`, bulkID)
	if err != nil {
		return nil, errors.Wrap(err, "list by bulk")
	}
	defer rows.Close()

	out := make([]domain.Job, 0, 8)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ClaimNext selects the oldest eligible pending job and flips it to
// processing in one statement. SKIP LOCKED keeps concurrent claimants from
// blocking on each other; the losing worker simply sees no row.
func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string, now time.Time) (domain.Job, bool, error) {
	row := s.db.QueryRow(ctx, `
		update extraction_jobs set
			status = 'processing',
			claimed_by = $1,
			claimed_at = $2,
			heartbeat = $2,
			updated_at = $2
		where id = (
			select id from extraction_jobs
			where status = 'pending'
			  and (next_retry_at is null or next_retry_at <= $2)
			order by created_at asc
			for update skip locked
			limit 1
		)
		returning `+jobColumns,
		workerID, now.UTC(),
	)
	return s.scanClaim(row, workerID)
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID, workerID string, now time.Time) (domain.Job, bool, error) {
	row := s.db.QueryRow(ctx, `
		update extraction_jobs set
			status = 'processing',
			claimed_by = $2,
			claimed_at = $3,
			heartbeat = $3,
			updated_at = $3
		where id = $1
		  and status = 'pending'
		  and (next_retry_at is null or next_retry_at <= $3)
		returning `+jobColumns,
		id, workerID, now.UTC(),
	)
	return s.scanClaim(row, workerID)
}

func (s *PostgresStore) scanClaim(row pgx.Row, workerID string) (domain.Job, bool, error) {
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, errors.Wrap(err, "claim job")
	}
	s.log.Info("job claimed",
		zap.String("job_id", job.ID.String()),
		zap.String("worker_id", workerID),
		zap.Int("retry_count", job.RetryCount),
	)
	return job, true, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id uuid.UUID, workerID string) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		update extraction_jobs set heartbeat = $3, updated_at = $3
		where id = $1 and claimed_by = $2 and status = 'processing'`,
		id, workerID, now,
	)
	if err != nil {
		return errors.Wrap(err, "heartbeat")
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		update extraction_jobs set
			status = 'completed',
			result = $3,
			claimed_by = null, claimed_at = null, heartbeat = null,
			next_retry_at = null,
			updated_at = $4
		where id = $1 and claimed_by = $2 and status = 'processing'`,
		id, workerID, result, now,
	)
	if err != nil {
		return errors.Wrap(err, "complete job")
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	s.log.Info("job completed", zap.String("job_id", id.String()), zap.String("worker_id", workerID))
	return nil
}

func (s *PostgresStore) ReleaseForRetry(ctx context.Context, id uuid.UUID, workerID string, retryCount int, nextRetryAt time.Time, lastError string) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		update extraction_jobs set
			status = 'pending',
			retry_count = $3,
			next_retry_at = $4,
			last_error = $5,
			claimed_by = null, claimed_at = null, heartbeat = null,
			updated_at = $6
		where id = $1 and claimed_by = $2 and status = 'processing'`,
		id, workerID, retryCount, nextRetryAt.UTC(), lastError, now,
	)
	if err != nil {
		return errors.Wrap(err, "release for retry")
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	s.log.Warn("job released for retry",
		zap.String("job_id", id.String()),
		zap.Int("retry_count", retryCount),
		zap.Time("next_retry_at", nextRetryAt),
		zap.String("last_error", lastError),
	)
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, id uuid.UUID, workerID string, retryCount int, lastError string) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		update extraction_jobs set
			status = 'failed',
			retry_count = $3,
			last_error = $4,
			claimed_by = null, claimed_at = null, heartbeat = null,
			next_retry_at = null,
			updated_at = $5
		where id = $1 and claimed_by = $2 and status = 'processing'`,
		id, workerID, retryCount, lastError, now,
	)
	if err != nil {
		return errors.Wrap(err, "fail job")
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	s.log.Warn("job failed", zap.String("job_id", id.String()), zap.String("last_error", lastError))
	return nil
}

func (s *PostgresStore) Cancel(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		update extraction_jobs set
			status = 'cancelled',
			claimed_by = null, claimed_at = null, heartbeat = null,
			next_retry_at = null,
			updated_at = $2
		where id = $1 and status in ('pending', 'processing')`,
		id, now,
	)
	if err != nil {
		return errors.Wrap(err, "cancel job")
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from terminal for the API's 404 vs 409.
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	s.log.Info("job cancelled", zap.String("job_id", id.String()))
	return nil
}

func (s *PostgresStore) ReapStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		update extraction_jobs set
			status = 'pending',
			claimed_by = null, claimed_at = null, heartbeat = null,
			updated_at = $2
		where status = 'processing' and heartbeat < $1`,
		cutoff.UTC(), now,
	)
	if err != nil {
		return 0, errors.Wrap(err, "reap stale claims")
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Warn("reclaimed stale jobs", zap.Int64("count", n), zap.Time("cutoff", cutoff))
		return n, nil
	}
	return 0, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.Query(ctx, `select status, count(1) from extraction_jobs group by status`)
	if err != nil {
		return nil, errors.Wrap(err, "count by status")
	}
	defer rows.Close()

	out := make(map[domain.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[domain.Status(st)] = n
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.BulkID, &j.SourceRef, &j.Filename, &j.Format, &j.Status,
		&j.ClaimedBy, &j.ClaimedAt, &j.Heartbeat, &j.RetryCount, &j.MaxRetries,
		&j.NextRetryAt, &j.LastError, &j.Result, &j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}
