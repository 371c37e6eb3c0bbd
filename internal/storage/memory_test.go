package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dmdorta1111/gridbase-extract/internal/domain"
)

func newJob(t *testing.T, m *MemoryStore) domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:         uuid.New(),
		SourceRef:  "/tmp/uploads/plan.pdf",
		Filename:   "plan.pdf",
		Format:     domain.FormatPDF,
		Status:     domain.StatusPending,
		MaxRetries: 3,
	}
	if err := m.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return *job
}

func TestClaimNextFIFO(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		ids = append(ids, newJob(t, m).ID)
		time.Sleep(time.Millisecond)
	}

	for i, want := range ids {
		got, ok, err := m.ClaimNext(ctx, "w1", time.Now())
		if err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}
		if got.ID != want {
			t.Fatalf("claim %d: got %s, want %s (oldest first)", i, got.ID, want)
		}
		if got.Status != domain.StatusProcessing || got.ClaimedBy == nil || *got.ClaimedBy != "w1" {
			t.Fatalf("claim %d: job not marked processing for claimant: %+v", i, got)
		}
		if got.Heartbeat == nil {
			t.Fatalf("claim %d: heartbeat not initialized", i)
		}
	}

	if _, ok, _ := m.ClaimNext(ctx, "w1", time.Now()); ok {
		t.Fatal("claim on empty queue returned a job")
	}
}

func TestClaimNextRespectsBackoff(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	job := newJob(t, m)

	// Park the job behind a future next_retry_at.
	if _, ok, _ := m.ClaimJob(ctx, job.ID, "w1", time.Now()); !ok {
		t.Fatal("initial claim failed")
	}
	next := time.Now().Add(30 * time.Second)
	if err := m.ReleaseForRetry(ctx, job.ID, "w1", 1, next, "timeout: upstream slow"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, ok, _ := m.ClaimNext(ctx, "w2", time.Now()); ok {
		t.Fatal("claimed a job still inside its backoff window")
	}
	got, ok, _ := m.ClaimNext(ctx, "w2", next.Add(time.Second))
	if !ok {
		t.Fatal("job not claimable after backoff elapsed")
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
}

func TestClaimExactlyOnce(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newJob(t, m)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			if _, ok, err := m.ClaimNext(ctx, id, time.Now()); err != nil {
				t.Errorf("worker %s: %v", id, err)
			} else if ok {
				wins <- id
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("job claimed by %d workers: %v", len(winners), winners)
	}
}

func TestOwnerPredicatedUpdates(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	job := newJob(t, m)

	if _, ok, _ := m.ClaimJob(ctx, job.ID, "w1", time.Now()); !ok {
		t.Fatal("claim failed")
	}

	// A non-owner can neither heartbeat nor complete.
	if err := m.Heartbeat(ctx, job.ID, "w2"); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("foreign heartbeat: err = %v, want ErrClaimLost", err)
	}
	if err := m.Complete(ctx, job.ID, "w2", json.RawMessage(`{}`)); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("foreign complete: err = %v, want ErrClaimLost", err)
	}

	if err := m.Heartbeat(ctx, job.ID, "w1"); err != nil {
		t.Fatalf("owner heartbeat: %v", err)
	}
	if err := m.Complete(ctx, job.ID, "w1", json.RawMessage(`{"fields":[]}`)); err != nil {
		t.Fatalf("owner complete: %v", err)
	}

	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ClaimedBy != nil || got.Heartbeat != nil {
		t.Fatal("claim fields not cleared on completion")
	}
}

func TestCancelSignalsOwnerViaHeartbeat(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	job := newJob(t, m)

	if _, ok, _ := m.ClaimJob(ctx, job.ID, "w1", time.Now()); !ok {
		t.Fatal("claim failed")
	}
	if err := m.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel processing job: %v", err)
	}

	if err := m.Heartbeat(ctx, job.ID, "w1"); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("heartbeat after cancel: err = %v, want ErrClaimLost", err)
	}
	if err := m.Complete(ctx, job.ID, "w1", json.RawMessage(`{}`)); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("complete after cancel: err = %v, want ErrClaimLost", err)
	}

	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.Result != nil {
		t.Fatal("cancelled job must not carry a result")
	}
}

func TestCancelTerminalConflicts(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	job := newJob(t, m)

	if _, ok, _ := m.ClaimJob(ctx, job.ID, "w1", time.Now()); !ok {
		t.Fatal("claim failed")
	}
	if err := m.Complete(ctx, job.ID, "w1", json.RawMessage(`{"fields":[]}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := m.Cancel(ctx, job.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel completed job: err = %v, want ErrConflict", err)
	}
	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != domain.StatusCompleted || got.Result == nil {
		t.Fatal("failed cancel must leave the completed job untouched")
	}

	if err := m.Cancel(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel unknown job: err = %v, want ErrNotFound", err)
	}
}

func TestFailRecordsErrorAndCount(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	job := newJob(t, m)

	if _, ok, _ := m.ClaimJob(ctx, job.ID, "w1", time.Now()); !ok {
		t.Fatal("claim failed")
	}
	if err := m.Fail(ctx, job.ID, "w1", 0, "corrupt_file: bad xref table"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError == nil || *got.LastError != "corrupt_file: bad xref table" {
		t.Fatalf("last_error = %v", got.LastError)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry_count = %d, permanent failure must not consume budget", got.RetryCount)
	}
}

func TestReapStaleLeavesRetryCount(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	stale := newJob(t, m)
	if _, ok, _ := m.ClaimJob(ctx, stale.ID, "w-dead", time.Now()); !ok {
		t.Fatal("claim failed")
	}
	// Bump the count so we can see the reaper leave it alone.
	next := time.Now().Add(-time.Minute)
	if err := m.ReleaseForRetry(ctx, stale.ID, "w-dead", 2, next, "timeout: slow"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := m.ClaimJob(ctx, stale.ID, "w-dead", time.Now()); !ok {
		t.Fatal("reclaim failed")
	}

	fresh := newJob(t, m)
	if _, ok, _ := m.ClaimJob(ctx, fresh.ID, "w-alive", time.Now()); !ok {
		t.Fatal("claim failed")
	}

	// Cutoff ahead of the stale claim's heartbeat but behind the fresh one.
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	if err := m.Heartbeat(ctx, fresh.ID, "w-alive"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	n, err := m.ReapStale(ctx, cutoff)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d jobs, want 1", n)
	}

	got, _ := m.GetJob(ctx, stale.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("stale job status = %s, want pending", got.Status)
	}
	if got.ClaimedBy != nil {
		t.Fatal("stale job claim not cleared")
	}
	if got.RetryCount != 2 {
		t.Fatalf("retry_count = %d after reap, want 2 (reap is not a failure)", got.RetryCount)
	}

	live, _ := m.GetJob(ctx, fresh.ID)
	if live.Status != domain.StatusProcessing {
		t.Fatalf("fresh job status = %s, want processing", live.Status)
	}

	// A dead worker's late write is rejected after the reap.
	if err := m.Complete(ctx, stale.ID, "w-dead", json.RawMessage(`{}`)); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("late complete after reap: err = %v, want ErrClaimLost", err)
	}
}

func TestCountByStatus(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	a := newJob(t, m)
	newJob(t, m)
	if _, ok, _ := m.ClaimJob(ctx, a.ID, "w1", time.Now()); !ok {
		t.Fatal("claim failed")
	}

	counts, err := m.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[domain.StatusPending] != 1 || counts[domain.StatusProcessing] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}
