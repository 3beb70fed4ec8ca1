// Package retry wraps command execution with exponential backoff (§4.R).
// Only transient backend errors (busy, locked, I/O) are retried; logical
// errors (constraint violations, concurrency conflicts, not-found) are
// never retried and propagate on the first attempt. Retries happen between
// commands, never across an already-open commit.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures the exponential backoff applied around a transient
// failure classification.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy mirrors the teacher's own server-retry backoff shape
// (bounded exponential growth, no unbounded retry storm).
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (p Policy) backoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxInterval = p.MaxDelay
	bo.MaxElapsedTime = 0 // bounded by MaxAttempts below, not wall-clock
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(0, p.MaxAttempts-1))), ctx)
}

// Do runs op, retrying it under policy while IsTransient(err) holds.
// Non-transient errors are wrapped in backoff.Permanent so they stop the
// retry loop and propagate unchanged to the caller.
func Do(ctx context.Context, policy Policy, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy.backoff(ctx))
}

// IsTransient classifies a backend error as transient (busy/locked/I-O),
// the only class this package retries. Logical errors — constraint
// violations, concurrency conflicts, not-found — are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"):
		return true
	case strings.Contains(msg, "database is busy"):
		return true
	case strings.Contains(msg, "busy"):
		return true
	case strings.Contains(msg, "sqlite_busy"):
		return true
	case strings.Contains(msg, "sqlite_locked"):
		return true
	case strings.Contains(msg, "disk i/o error"):
		return true
	case strings.Contains(msg, "driver: bad connection"):
		return true
	default:
		return false
	}
}

// Unwrap walks err looking for a backoff.PermanentError so callers can
// recover the original cause after Do returns.
func Unwrap(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
