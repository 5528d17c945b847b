package ingest

import (
	"errors"
	"fmt"
	"time"
)

// ConflictError signals a uniqueness violation: a second active download, or
// a duplicate ledger key. Callers recover locally by skipping.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Resource, e.Key)
}

// NotFoundError signals an unknown job or entry. Surfaced to the caller,
// never fatal.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

// RateLimitError is the structured "wait N seconds" signal from the remote
// source. The fetcher must wait at least RetryAfter before the next attempt.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// FetchError wraps a remote fetch failure. Retryable failures are retried
// internally by the fetcher; once surfaced they are final for the item.
type FetchError struct {
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("fetch failed (retryable): %v", e.Err)
	}
	return fmt.Sprintf("fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StorageError wraps a local write failure. DiskFull distinguishes exhausted
// disk space, which is surfaced rather than silently retried.
type StorageError struct {
	DiskFull bool
	Err      error
}

func (e *StorageError) Error() string {
	if e.DiskFull {
		return fmt.Sprintf("storage failed (disk full): %v", e.Err)
	}
	return fmt.Sprintf("storage failed: %v", e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// IsRetryable reports whether err may succeed on a later attempt. Rate-limit
// signals are always retryable; other fetch errors carry an explicit flag.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
