// Package errs defines the error taxonomy shared by the ingestion and matching
// pipeline. Every component wraps one of these sentinels so callers can branch
// with errors.Is regardless of which layer produced the failure.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrParse marks malformed rule syntax. Batch callers skip the item.
	ErrParse = errors.New("parse error")
	// ErrDecode marks content that is not text. Batch callers skip it silently.
	ErrDecode = errors.New("decode error")
	// ErrNotFound marks a referenced rule, collection, binary or job that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a uniqueness violation on create.
	ErrConflict = errors.New("conflict")
	// ErrCompile marks a combined rule set that failed to compile.
	ErrCompile = errors.New("compile error")
	// ErrIndex marks a failed write to the search backend.
	ErrIndex = errors.New("index error")
	// ErrInvalidRequest marks a caller error such as an unscoped selection.
	ErrInvalidRequest = errors.New("invalid request")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrParse, "parse"},
	{ErrDecode, "decode"},
	{ErrNotFound, "not_found"},
	{ErrConflict, "conflict"},
	{ErrCompile, "compile"},
	{ErrIndex, "index"},
	{ErrInvalidRequest, "invalid_request"},
}

// Kind returns a short label for the taxonomy class of err, suitable for log
// fields and metric labels. Unclassified errors return "internal".
func Kind(err error) string {
	if err == nil {
		return "none"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// BatchResult summarizes a batch operation that isolates per-item failures.
type BatchResult struct {
	Total     int `json:"total" yaml:"total"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Failed    int `json:"failed" yaml:"failed"`
	Skipped   int `json:"skipped" yaml:"skipped"`
}

// Add folds another result into r.
func (r *BatchResult) Add(other BatchResult) {
	r.Total += other.Total
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.Skipped += other.Skipped
}

// Partial reports whether some but not all items failed.
func (r BatchResult) Partial() bool {
	return r.Failed > 0 && r.Succeeded > 0
}

func (r BatchResult) String() string {
	return fmt.Sprintf("%d/%d succeeded, %d failed, %d skipped", r.Succeeded, r.Total, r.Failed, r.Skipped)
}
