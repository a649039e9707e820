// Package extract runs the extraction worker pool that drains the queue and
// turns publications into structured facts.
package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/variomedb/variome/internal/model"
)

// ErrSkipped signals that a publication has no extractable text. The queue
// item completes with a skipped outcome instead of failing; skipping is a
// valid terminal result, not an error condition worth retrying.
var ErrSkipped = errors.New("extract: no extractable text")

// Error wraps an extraction failure with a retryability flag. Permanent
// failures (malformed publication, unsupported source) terminate the queue
// item immediately; transient ones go back through the retry policy.
type Error struct {
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e.Permanent {
		return fmt.Sprintf("extract: permanent: %v", e.Err)
	}
	return fmt.Sprintf("extract: transient: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable extraction failure.
func Permanent(err error) *Error { return &Error{Permanent: true, Err: err} }

// Transient wraps err as a retryable extraction failure.
func Transient(err error) *Error { return &Error{Err: err} }

// IsPermanent reports whether err carries the permanent flag.
func IsPermanent(err error) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Permanent
}

// Result is the payload a successful extraction produces.
type Result struct {
	Facts             []model.Fact
	TextSource        string
	DocumentReference *string
	Metadata          map[string]any
}

// Extractor derives structured facts from one publication for one source.
// Implementations return ErrSkipped when the publication carries nothing to
// extract, and *Error to control retry behavior for real failures.
type Extractor interface {
	Name() string
	Version() string
	Extract(ctx context.Context, pub model.Publication, src model.SourceConfig) (*Result, error)
}
