// Package errdefs defines the error kinds the engine distinguishes when
// deciding between retry and terminal failure.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL marks malformed input; surfaced to the caller immediately.
	ErrInvalidURL = errors.New("invalid URL")

	// ErrConnectionFailed marks a transport-level failure; retried with backoff.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrRangeNotSatisfiable marks an HTTP 416; the coordinator re-checks validators.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")

	// ErrServiceUnavailable marks an HTTP 503; retried with backoff.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrFileModified marks a validator mismatch at resume.
	ErrFileModified = errors.New("remote file modified")

	// ErrPaused signals a clean pause, not a failure.
	ErrPaused = errors.New("download paused")

	// ErrCancelled signals an explicit user cancel.
	ErrCancelled = errors.New("download cancelled")
)

// ServerError is a non-recoverable HTTP status other than 416/503.
type ServerError struct {
	Code int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned status %d", e.Code)
}

// StorageError wraps a destination file write or truncate failure; terminal.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure: %v", e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PersistenceError wraps a durable-store failure. The transfer keeps going;
// the coordinator enters degraded mode and retries on each save cycle.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsTransient reports whether a worker should retry err with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrServiceUnavailable)
}
