package query

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SlowQueryThreshold is the duration past which an operation is logged as
// slow (§4.Q: "operations taking more than 1 s are recorded in logs").
const SlowQueryThreshold = time.Second

// Observer is the supplemented slow-query logging hook: rather than leave
// "recorded in logs" as a vague note, it is a small zap-backed hook every
// Engine method calls on exit, matching the one-logger-per-component,
// one-line-call-at-operation-boundary style internal/audit's Writer uses.
type Observer struct {
	logger    *zap.Logger
	threshold time.Duration
}

// NewObserver wraps logger (nil becomes a no-op logger) as a query
// Observer. threshold <= 0 defaults to SlowQueryThreshold.
func NewObserver(logger *zap.Logger, threshold time.Duration) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold <= 0 {
		threshold = SlowQueryThreshold
	}
	return &Observer{logger: logger, threshold: threshold}
}

// Observe logs op against entityType at warn level when it ran at or past
// the observer's threshold; it is a no-op otherwise. ctx is accepted so a
// future revision can attach a request/trace id without changing callers.
func (o *Observer) Observe(_ context.Context, entityType, op string, elapsed time.Duration) {
	if elapsed < o.threshold {
		return
	}
	o.logger.Warn("slow query",
		zap.String("entity_type", entityType),
		zap.String("operation", op),
		zap.Duration("elapsed", elapsed),
		zap.Duration("threshold", o.threshold),
	)
}
