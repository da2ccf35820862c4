// -----------------------------------------------------------------------
// Error taxonomy shared by workers, queue redelivery, and the API layer
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
)

// ErrorKind partitions failures by how the system reacts to them.
type ErrorKind string

const (
	// ErrorKindTransient - network timeouts, 5xx, rate limits without quota
	// semantics. Retried locally with backoff, then surfaced to the broker
	// for delayed redelivery.
	ErrorKindTransient ErrorKind = "transient"

	// ErrorKindFatalJob - quota exhausted, permission denied, invalid
	// credential. The job fails immediately; no retry.
	ErrorKindFatalJob ErrorKind = "fatal_job"

	// ErrorKindFatalURL - 4xx responses other than 403/429. Recorded on the
	// submission row; the job continues with remaining URLs.
	ErrorKindFatalURL ErrorKind = "fatal_url"

	// ErrorKindInvalidInput - malformed sitemap or URL, unreachable root.
	ErrorKindInvalidInput ErrorKind = "invalid_input"

	// ErrorKindInvariant - internal consistency violations. Logged and
	// counted; never self-repaired.
	ErrorKindInvariant ErrorKind = "invariant_violation"
)

// Sentinel errors for failure cases callers match on.
var (
	ErrQuotaExhausted    = errors.New("daily quota exhausted")
	ErrPermissionDenied  = errors.New("PermissionDenied: service account lacks site ownership")
	ErrQuotaExceeded     = errors.New("QuotaExceeded: indexing API quota exceeded")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrInvalidSitemap    = errors.New("invalid sitemap")
	ErrConflict          = errors.New("an active job of this type already exists for the project")
	ErrNotFound          = errors.New("not found")
	ErrNothingToSubmit   = errors.New("no pending urls to submit")
)

// ClassifiedError attaches an ErrorKind to an underlying error so queue and
// job code can decide between redelivery and short-circuit without string
// matching.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with the given kind. A nil err returns nil.
func Classify(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// Transient wraps err as retryable.
func Transient(err error) error {
	return Classify(ErrorKindTransient, err)
}

// FatalJob wraps err as job-fatal.
func FatalJob(err error) error {
	return Classify(ErrorKindFatalJob, err)
}

// InvalidInput wraps err as an input failure.
func InvalidInput(err error) error {
	return Classify(ErrorKindInvalidInput, err)
}

// KindOf extracts the ErrorKind from err, walking wrapped errors. Unclassified
// errors default to transient so the broker keeps its redelivery budget.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrQuotaExhausted),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrQuotaExceeded),
		errors.Is(err, ErrInvalidCredential):
		return ErrorKindFatalJob
	case errors.Is(err, ErrInvalidSitemap):
		return ErrorKindInvalidInput
	}
	return ErrorKindTransient
}

// IsRetryable reports whether the broker should redeliver after err.
func IsRetryable(err error) bool {
	return KindOf(err) == ErrorKindTransient
}
