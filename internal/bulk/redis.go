package bulk

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// RedisStore keeps bulk records as JSON blobs keyed by correlation id, with a
// separate SETNX key as the atomic import guard.
type RedisStore struct {
	rdb *r.Client
}

func NewRedisStore(rdb *r.Client) *RedisStore { return &RedisStore{rdb} }

func recordKey(id uuid.UUID) string   { return "bulk:" + id.String() }
func importedKey(id uuid.UUID) string { return "bulk:" + id.String() + ":imported" }

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode bulk record")
	}
	return errors.Wrap(s.rdb.Set(ctx, recordKey(rec.ID), b, 0).Err(), "put bulk record")
}

func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	b, err := s.rdb.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, r.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "get bulk record")
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, errors.Wrap(err, "decode bulk record")
	}
	return rec, nil
}

func (s *RedisStore) MarkImported(ctx context.Context, id uuid.UUID) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, importedKey(id), "1", 0).Result()
	if err != nil {
		return errors.Wrap(err, "mark imported")
	}
	if !ok {
		return ErrAlreadyImported
	}
	now := time.Now().UTC()
	rec.Imported = true
	rec.ImportedAt = &now
	return s.Put(ctx, rec)
}
