package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmdorta1111/gridbase-extract/internal/domain"
)

// ErrorKind classifies an extraction failure. The retry layer keys its
// permanent-vs-transient decision off this value alone.
type ErrorKind string

const (
	KindCorruptFile        ErrorKind = "corrupt_file"
	KindUnsupportedSchema  ErrorKind = "unsupported_schema"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindTimeout            ErrorKind = "timeout"
	KindResourceExhausted  ErrorKind = "resource_exhausted"
	KindUnknown            ErrorKind = "unknown"
)

// Error is the only error type extractors may return. Extractors classify
// their own failures; they never raise silently.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Classify coerces an arbitrary error into a classified one. Context
// cancellation maps to a timeout; anything unrecognized is KindUnknown,
// which the retry layer treats as retryable.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var xe *Error
	if errors.As(err, &xe) {
		return xe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}
	return &Error{Kind: KindUnknown, Message: err.Error()}
}

// FieldSuggestion is one proposed table column derived from a source file.
type FieldSuggestion struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Result is the structured payload an extractor produces. It is persisted
// verbatim on the job and merged across files for bulk previews.
type Result struct {
	Fields []FieldSuggestion `json:"fields"`
	Rows   []map[string]any  `json:"rows,omitempty"`
	Meta   map[string]any    `json:"meta,omitempty"`
}

// Extractor turns one uploaded file into a structured result. Implementations
// must tolerate at-least-once execution: a reclaimed job may re-run on another
// worker after a crash mid-extraction.
type Extractor interface {
	Extract(ctx context.Context, sourceRef string) (*Result, error)
}

// Registry maps file formats to their extractors.
type Registry struct {
	byFormat map[domain.Format]Extractor
}

func NewRegistry() *Registry {
	return &Registry{byFormat: make(map[domain.Format]Extractor)}
}

func (r *Registry) Register(f domain.Format, ex Extractor) {
	r.byFormat[f] = ex
}

// For returns the extractor for f. A format with no registered extractor is a
// permanent error: retrying cannot make one appear.
func (r *Registry) For(f domain.Format) (Extractor, *Error) {
	ex, ok := r.byFormat[f]
	if !ok {
		return nil, Errorf(KindInvalidInput, "no extractor registered for format %q", f)
	}
	return ex, nil
}
