// Package storeerr defines the stable error taxonomy (§7) every component
// raises and the write pipeline re-raises after rolling back. Errors are
// plain sentinels wrapped with operation context via fmt.Errorf("%w", ...),
// matching the teacher pack's own errors.Is-based error handling (e.g.
// steveyegge-beads's internal/storage/sqlite/errors.go) rather than a
// custom exception hierarchy.
package storeerr

import (
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound: referenced key (or list) does not resolve to a live head.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists: attempted create collides with an existing live head.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConcurrencyConflict: optimistic check failed (expected vs actual version).
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrWriteFailed: UPDATE affected 0 rows despite a prior existence check
	// (an interleaved writer raced us between read and write).
	ErrWriteFailed = errors.New("write failed")

	// ErrValidationFailed: schema or constraint violation (check, null, type).
	ErrValidationFailed = errors.New("validation failed")

	// ErrNotSupported: operation requires a flag that is disabled.
	ErrNotSupported = errors.New("not supported")

	// ErrFormat: manifest invalid, checksum mismatch, or unknown file format.
	ErrFormat = errors.New("format error")

	// ErrCancelled: caller cancellation observed.
	ErrCancelled = errors.New("cancelled")
)

// Wrap attaches op context to err, converting sql.ErrNoRows to ErrNotFound
// so callers never need to special-case the database/sql sentinel.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func IsNotFound(err error) bool            { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool       { return errors.Is(err, ErrAlreadyExists) }
func IsConcurrencyConflict(err error) bool { return errors.Is(err, ErrConcurrencyConflict) }
func IsWriteFailed(err error) bool         { return errors.Is(err, ErrWriteFailed) }
func IsValidationFailed(err error) bool    { return errors.Is(err, ErrValidationFailed) }
func IsNotSupported(err error) bool        { return errors.Is(err, ErrNotSupported) }
func IsFormat(err error) bool              { return errors.Is(err, ErrFormat) }
func IsCancelled(err error) bool           { return errors.Is(err, ErrCancelled) }

// BatchError aggregates per-item failures from a batch operation (§4.W):
// one batch's failure never masks another's, and the caller can inspect
// every underlying cause.
type BatchError struct {
	Causes []ItemError
}

// ItemError pairs a failed item's identity with its cause.
type ItemError struct {
	Key string
	Err error
}

func (e *BatchError) Error() string {
	if len(e.Causes) == 1 {
		return fmt.Sprintf("batch: 1 item failed: %s: %v", e.Causes[0].Key, e.Causes[0].Err)
	}
	return fmt.Sprintf("batch: %d items failed", len(e.Causes))
}

// Unwrap exposes every underlying cause to errors.Is/errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Causes))
	for i, c := range e.Causes {
		errs[i] = c.Err
	}
	return errs
}
