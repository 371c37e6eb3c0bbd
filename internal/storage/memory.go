package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmdorta1111/gridbase-extract/internal/domain"
)

// MemoryStore is a mutex-guarded Store for tests and single-process
// development. It mirrors the Postgres store's predicate semantics exactly:
// owner-predicated updates that match nothing return ErrClaimLost.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]domain.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]domain.Job)}
}

func (m *MemoryStore) CreateJob(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryStore) CreateJobs(ctx context.Context, jobs []*domain.Job) error {
	for _, job := range jobs {
		if err := m.CreateJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *MemoryStore) ListByBulk(_ context.Context, bulkID uuid.UUID) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Job, 0, 8)
	for _, j := range m.jobs {
		if j.BulkID != nil && *j.BulkID == bulkID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ClaimNext(_ context.Context, workerID string, now time.Time) (domain.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidate *domain.Job
	for id := range m.jobs {
		j := m.jobs[id]
		if !j.Eligible(now) {
			continue
		}
		if candidate == nil || j.CreatedAt.Before(candidate.CreatedAt) {
			jc := j
			candidate = &jc
		}
	}
	if candidate == nil {
		return domain.Job{}, false, nil
	}
	return m.claimLocked(*candidate, workerID, now), true, nil
}

func (m *MemoryStore) ClaimJob(_ context.Context, id uuid.UUID, workerID string, now time.Time) (domain.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !j.Eligible(now) {
		return domain.Job{}, false, nil
	}
	return m.claimLocked(j, workerID, now), true, nil
}

func (m *MemoryStore) claimLocked(j domain.Job, workerID string, now time.Time) domain.Job {
	now = now.UTC()
	j.Status = domain.StatusProcessing
	j.ClaimedBy = &workerID
	j.ClaimedAt = &now
	j.Heartbeat = &now
	j.UpdatedAt = now
	m.jobs[j.ID] = j
	return j
}

func (m *MemoryStore) Heartbeat(_ context.Context, id uuid.UUID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.StatusProcessing || j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return ErrClaimLost
	}
	now := time.Now().UTC()
	j.Heartbeat = &now
	j.UpdatedAt = now
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) Complete(_ context.Context, id uuid.UUID, workerID string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.StatusProcessing || j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return ErrClaimLost
	}
	j.Status = domain.StatusCompleted
	j.Result = result
	clearClaim(&j)
	j.NextRetryAt = nil
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) ReleaseForRetry(_ context.Context, id uuid.UUID, workerID string, retryCount int, nextRetryAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.StatusProcessing || j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return ErrClaimLost
	}
	j.Status = domain.StatusPending
	j.RetryCount = retryCount
	at := nextRetryAt.UTC()
	j.NextRetryAt = &at
	j.LastError = &lastError
	clearClaim(&j)
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, id uuid.UUID, workerID string, retryCount int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.StatusProcessing || j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return ErrClaimLost
	}
	j.Status = domain.StatusFailed
	j.RetryCount = retryCount
	j.LastError = &lastError
	clearClaim(&j)
	j.NextRetryAt = nil
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) Cancel(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return ErrConflict
	}
	j.Status = domain.StatusCancelled
	clearClaim(&j)
	j.NextRetryAt = nil
	j.UpdatedAt = time.Now().UTC()
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) ReapStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for id, j := range m.jobs {
		if j.Status != domain.StatusProcessing || j.Heartbeat == nil || !j.Heartbeat.Before(cutoff) {
			continue
		}
		j.Status = domain.StatusPending
		clearClaim(&j)
		j.UpdatedAt = now
		m.jobs[id] = j
		n++
	}
	return n, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[domain.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.Status]int)
	for _, j := range m.jobs {
		out[j.Status]++
	}
	return out, nil
}

func clearClaim(j *domain.Job) {
	j.ClaimedBy = nil
	j.ClaimedAt = nil
	j.Heartbeat = nil
}
