package faults

import (
	"errors"
	"fmt"
)

// Category classifies an engine error for propagation and UI handling.
type Category int

const (
	// CategoryDevice covers capture/playback device failures: permission
	// denied, device busy, unsupported. Non-retryable, surfaced to the user.
	CategoryDevice Category = iota

	// CategoryTransport covers network and timeout failures against any
	// remote collaborator. Retryable; absorbed by cache fallback when
	// cached data exists.
	CategoryTransport

	// CategoryPipelineStep covers empty results from a pipeline step
	// (transcription, generation, synthesis). Partial results are retained.
	CategoryPipelineStep

	// CategoryCacheCorruption covers malformed persisted cache entries.
	// Self-healing: the entry is deleted and treated as a miss.
	CategoryCacheCorruption

	// CategoryConcurrencyDiscard covers superseded switches and duplicate
	// stops. Silent, logged only.
	CategoryConcurrencyDiscard
)

// String returns the category name for logging.
func (c Category) String() string {
	switch c {
	case CategoryDevice:
		return "device"
	case CategoryTransport:
		return "transport"
	case CategoryPipelineStep:
		return "pipeline_step"
	case CategoryCacheCorruption:
		return "cache_corruption"
	case CategoryConcurrencyDiscard:
		return "concurrency_discard"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Error is a typed engine failure. Callers receive either data or an Error
// with a human-readable message and a retry flag; errors never escape the
// public API as panics.
type Error struct {
	Category    Category
	Code        string // stable machine code, e.g. "permission-denied"
	Message     string // human-readable message
	Remediation string // optional remediation text for device errors
	Retryable   bool
	Err         error // wrapped cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Device creates a non-retryable device error with remediation text.
func Device(code, message, remediation string) *Error {
	return &Error{
		Category:    CategoryDevice,
		Code:        code,
		Message:     message,
		Remediation: remediation,
	}
}

// Transport creates a retryable transport error wrapping the cause.
func Transport(code, message string, cause error) *Error {
	return &Error{
		Category:  CategoryTransport,
		Code:      code,
		Message:   message,
		Retryable: true,
		Err:       cause,
	}
}

// Step creates a pipeline step error. Step errors are not retryable as-is:
// the caller decides whether to re-run the whole turn.
func Step(code, message string) *Error {
	return &Error{
		Category: CategoryPipelineStep,
		Code:     code,
		Message:  message,
	}
}

// Corruption creates a cache corruption error wrapping the cause.
func Corruption(code, message string, cause error) *Error {
	return &Error{
		Category: CategoryCacheCorruption,
		Code:     code,
		Message:  message,
		Err:      cause,
	}
}

// Discard creates a concurrency discard marker. Never user-visible.
func Discard(code, message string) *Error {
	return &Error{
		Category: CategoryConcurrencyDiscard,
		Code:     code,
		Message:  message,
	}
}

// CategoryOf returns the category of err and true when err is (or wraps) a
// typed engine error.
func CategoryOf(err error) (Category, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return 0, false
}

// CanRetry reports whether the operation that produced err may be retried.
func CanRetry(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Is reports whether err is (or wraps) a typed engine error of the given
// category.
func Is(err error, category Category) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Category == category
	}
	return false
}
