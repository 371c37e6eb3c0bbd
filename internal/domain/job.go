package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Format string

const (
	FormatPDF       Format = "pdf"
	FormatDXF       Format = "dxf"
	FormatIFC       Format = "ifc"
	FormatSTEP      Format = "step"
	FormatAIDrawing Format = "ai_drawing"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatPDF, FormatDXF, FormatIFC, FormatSTEP, FormatAIDrawing:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// Job is the persisted extraction job, the single source of truth for
// orchestration state. ClaimedBy/ClaimedAt/Heartbeat are non-nil only while
// Status is processing.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	BulkID      *uuid.UUID      `json:"bulk_id,omitempty"`
	SourceRef   string          `json:"source_ref"`
	Filename    string          `json:"filename"`
	Format      Format          `json:"format"`
	Status      Status          `json:"status"`
	ClaimedBy   *string         `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	Heartbeat   *time.Time      `json:"heartbeat,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Eligible reports whether the job can be claimed at now.
func (j Job) Eligible(now time.Time) bool {
	if j.Status != StatusPending {
		return false
	}
	return j.NextRetryAt == nil || !j.NextRetryAt.After(now)
}

type AggregateStatus string

const (
	AggregateInProgress     AggregateStatus = "in_progress"
	AggregateAllComplete    AggregateStatus = "all_complete"
	AggregatePartialFailure AggregateStatus = "partial_failure"
)

// Aggregate folds constituent job statuses into the bulk-level status. The
// aggregate owns no state machine of its own; it is recomputed on every read.
func Aggregate(jobs []Job) AggregateStatus {
	for _, j := range jobs {
		if !j.Status.Terminal() {
			return AggregateInProgress
		}
	}
	for _, j := range jobs {
		if j.Status != StatusCompleted {
			return AggregatePartialFailure
		}
	}
	return AggregateAllComplete
}
