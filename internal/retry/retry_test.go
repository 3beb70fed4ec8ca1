package retry

import (
	"context"
	"errors"
	"testing"
)

func TestDoRetriesTransientErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: 1, MaxDelay: 2}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoNeverRetriesLogicalErrors(t *testing.T) {
	attempts := 0
	sentinel := errors.New("concurrency conflict")
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: 1, MaxDelay: 2}, func() error {
		attempts++
		return sentinel
	})
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-transient error, got %d", attempts)
	}
	if Unwrap(err) != sentinel {
		t.Fatalf("expected unwrapped sentinel error, got %v", err)
	}
}

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		err       error
		transient bool
	}{
		{errors.New("database is locked"), true},
		{errors.New("disk I/O error"), true},
		{errors.New("UNIQUE constraint failed: widgets.id"), false},
		{errors.New("not found"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.transient {
			t.Fatalf("IsTransient(%v) = %v, want %v", c.err, got, c.transient)
		}
	}
}
