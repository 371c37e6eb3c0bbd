// Package bulk fans a multi-file upload out into independent extraction jobs
// sharing a correlation id, drives them with bounded parallelism, and merges
// completed results for preview and import. The aggregate holds no state
// machine of its own: status is recomputed from member jobs on every read.
package bulk

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrNotFound        = errors.New("bulk job not found")
	ErrAlreadyImported = errors.New("bulk already imported")
	ErrNoResults       = errors.New("no completed results yet")
)

// Record is the durable footprint of a bulk submission: the correlation id,
// the ordered member job ids, and the import guard. Everything else derives
// from the member jobs.
type Record struct {
	ID              uuid.UUID   `json:"id"`
	JobIDs          []uuid.UUID `json:"job_ids"`
	ContinueOnError bool        `json:"continue_on_error"`
	Imported        bool        `json:"imported"`
	ImportedAt      *time.Time  `json:"imported_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Store keeps bulk records. It need not live in the relational store; the
// Redis implementation is the production one, the memory implementation
// serves tests and single-process development.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	// MarkImported atomically flips the import guard; a second call returns
	// ErrAlreadyImported. This is what makes import idempotent under
	// concurrent callers.
	MarkImported(ctx context.Context, id uuid.UUID) error
}
