package bulk

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store for tests and single-process dev.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[uuid.UUID]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[uuid.UUID]Record)}
}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) MarkImported(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Imported {
		return ErrAlreadyImported
	}
	now := time.Now().UTC()
	rec.Imported = true
	rec.ImportedAt = &now
	s.recs[id] = rec
	return nil
}
