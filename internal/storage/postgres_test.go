package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dmdorta1111/gridbase-extract/internal/domain"
)

// Integration tests run only against a migrated database named by
// GRIDBASE_TEST_POSTGRES_DSN. They clean up the rows they create.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("GRIDBASE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GRIDBASE_TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func createTestJob(t *testing.T, s *PostgresStore) domain.Job {
	t.Helper()
	ctx := context.Background()
	job := &domain.Job{
		ID:         uuid.New(),
		SourceRef:  "/tmp/uploads/" + uuid.NewString() + ".pdf",
		Filename:   "plan.pdf",
		Format:     domain.FormatPDF,
		Status:     domain.StatusPending,
		MaxRetries: 3,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.Exec(context.Background(), `delete from extraction_jobs where id = $1`, job.ID)
	})
	return *job
}

func TestPostgresClaimLifecycle(t *testing.T) {
	pool := testPool(t)
	s := NewPostgresStore(pool, zap.NewNop())
	ctx := context.Background()

	job := createTestJob(t, s)

	got, ok, err := s.ClaimJob(ctx, job.ID, "w1", time.Now())
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if got.Status != domain.StatusProcessing || got.ClaimedBy == nil || *got.ClaimedBy != "w1" {
		t.Fatalf("claimed job: %+v", got)
	}

	// The row is taken; a second claim by id matches nothing.
	if _, ok, err := s.ClaimJob(ctx, job.ID, "w2", time.Now()); err != nil || ok {
		t.Fatalf("double claim: ok=%v err=%v", ok, err)
	}

	if err := s.Heartbeat(ctx, job.ID, "w2"); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("foreign heartbeat: %v, want ErrClaimLost", err)
	}
	if err := s.Heartbeat(ctx, job.ID, "w1"); err != nil {
		t.Fatalf("owner heartbeat: %v", err)
	}

	if err := s.Complete(ctx, job.ID, "w1", json.RawMessage(`{"fields":[]}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	final, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != domain.StatusCompleted || final.ClaimedBy != nil {
		t.Fatalf("final job: %+v", final)
	}

	if err := s.Cancel(ctx, job.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel completed: %v, want ErrConflict", err)
	}
}

func TestPostgresRetryAndReap(t *testing.T) {
	pool := testPool(t)
	s := NewPostgresStore(pool, zap.NewNop())
	ctx := context.Background()

	job := createTestJob(t, s)

	if _, ok, err := s.ClaimJob(ctx, job.ID, "w1", time.Now()); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	next := time.Now().Add(30 * time.Second)
	if err := s.ReleaseForRetry(ctx, job.ID, "w1", 1, next, "timeout: upstream slow"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, ok, _ := s.ClaimNext(ctx, "w2", time.Now()); ok {
		t.Fatal("claimed a job still inside its backoff window")
	}
	got, ok, err := s.ClaimJob(ctx, job.ID, "w2", next.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("claim after backoff: ok=%v err=%v", ok, err)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}

	// Simulate the worker dying: reap with a cutoff ahead of its heartbeat.
	n, err := s.ReapStale(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n < 1 {
		t.Fatalf("reaped %d, want at least 1", n)
	}
	after, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != domain.StatusPending || after.RetryCount != 1 {
		t.Fatalf("after reap: status=%s retry_count=%d", after.Status, after.RetryCount)
	}
}

func TestPostgresGetMissing(t *testing.T) {
	pool := testPool(t)
	s := NewPostgresStore(pool, zap.NewNop())
	if _, err := s.GetJob(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: %v, want ErrNotFound", err)
	}
}
