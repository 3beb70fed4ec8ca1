// Package txscope implements the deferred transaction scope (§4.T): queue
// commands while Active, mark commit/rollback intent, then — on Close —
// open exactly one backend connection and transaction and drain the queue
// FIFO. This is the simpler of the two shapes the design notes considered
// (queue-then-run, versus a BeforeCommit/AfterCommit hook surface); the
// hook surface added no behavior this spec's operations need.
package txscope

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/SimonWaldherr/entitystore/internal/command"
)

// State is one point in the scope's lifecycle: Active -> (Committing |
// RollingBack) -> (Committed | Failed).
type State int

const (
	StateActive State = iota
	StateCommitting
	StateRollingBack
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateCommitting:
		return "Committing"
	case StateRollingBack:
		return "RollingBack"
	case StateCommitted:
		return "Committed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ExecMode selects how a queued command is run against the backend
// transaction.
type ExecMode int

const (
	ExecNonQuery ExecMode = iota
	ExecScalar
	ExecReader
)

// AfterReadFunc receives the live *sql.Rows for an ExecReader operation; it
// must not retain rows past its own return.
type AfterReadFunc func(*sql.Rows) error

type queuedOp struct {
	cmd       *command.Command
	mode      ExecMode
	afterRead AfterReadFunc
	scalar    *any
}

// Scope is one transaction scope: one FIFO queue of commands, committed or
// rolled back as a unit on Close.
type Scope struct {
	mu     sync.Mutex
	db     *sql.DB
	state  State
	commit bool
	ops    []queuedOp
}

// New starts an Active scope over db. No connection is opened yet.
func New(db *sql.DB) *Scope {
	return &Scope{db: db, state: StateActive}
}

// State reports the current lifecycle state.
func (s *Scope) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddOperation enqueues cmd for execution on Close. Calling this once the
// scope has left Active is a usage error.
func (s *Scope) AddOperation(cmd *command.Command, mode ExecMode, afterRead AfterReadFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fmt.Errorf("txscope: cannot add operation while scope is %s", s.state)
	}
	s.ops = append(s.ops, queuedOp{cmd: cmd, mode: mode, afterRead: afterRead})
	return nil
}

// AddScalarOperation enqueues an ExecScalar command whose single result
// column is written into dest when the scope commits.
func (s *Scope) AddScalarOperation(cmd *command.Command, dest *any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fmt.Errorf("txscope: cannot add operation while scope is %s", s.state)
	}
	s.ops = append(s.ops, queuedOp{cmd: cmd, mode: ExecScalar, scalar: dest})
	return nil
}

// Commit marks commit intent; no execution happens until Close.
func (s *Scope) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fmt.Errorf("txscope: cannot commit while scope is %s", s.state)
	}
	s.state = StateCommitting
	s.commit = true
	return nil
}

// Rollback marks rollback intent; no execution happens until Close.
func (s *Scope) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fmt.Errorf("txscope: cannot roll back while scope is %s", s.state)
	}
	s.state = StateRollingBack
	s.commit = false
	return nil
}

// Close executes queued intent. When intent is commit and the queue is
// non-empty, it opens one backend connection, begins one transaction, runs
// every queued command in FIFO order, and commits. Any failure rolls the
// transaction back, sets state Failed, and returns the error.
func (s *Scope) Close(ctx context.Context) error {
	s.mu.Lock()
	commit := s.commit
	ops := s.ops
	s.mu.Unlock()

	if !commit || len(ops) == 0 {
		s.mu.Lock()
		s.state = StateCommitted
		s.mu.Unlock()
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.fail()
		return fmt.Errorf("txscope: begin: %w", err)
	}

	for _, op := range ops {
		args := namedArgs(op.cmd.Params)
		switch op.mode {
		case ExecNonQuery:
			if _, err := tx.ExecContext(ctx, op.cmd.SQL, args...); err != nil {
				tx.Rollback()
				s.fail()
				return fmt.Errorf("txscope: exec: %w", err)
			}
		case ExecScalar:
			row := tx.QueryRowContext(ctx, op.cmd.SQL, args...)
			if op.scalar != nil {
				if err := row.Scan(op.scalar); err != nil {
					tx.Rollback()
					s.fail()
					return fmt.Errorf("txscope: scalar: %w", err)
				}
			}
		case ExecReader:
			rows, err := tx.QueryContext(ctx, op.cmd.SQL, args...)
			if err != nil {
				tx.Rollback()
				s.fail()
				return fmt.Errorf("txscope: query: %w", err)
			}
			readErr := op.afterRead(rows)
			rows.Close()
			if readErr != nil {
				tx.Rollback()
				s.fail()
				return fmt.Errorf("txscope: after-read: %w", readErr)
			}
		default:
			tx.Rollback()
			s.fail()
			return fmt.Errorf("txscope: unknown exec mode %d", op.mode)
		}
	}

	if err := tx.Commit(); err != nil {
		s.fail()
		return fmt.Errorf("txscope: commit: %w", err)
	}

	s.mu.Lock()
	s.state = StateCommitted
	s.mu.Unlock()
	return nil
}

func (s *Scope) fail() {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()
}

// NamedArgs converts a command's name->value parameter map into the
// []any a database/sql call expects, exported so callers that run a
// command.Command directly against their own *sql.Tx/*sql.DB (outside a
// queued Scope) bind parameters the same way Close does.
func NamedArgs(params map[string]any) []any { return namedArgs(params) }

func namedArgs(params map[string]any) []any {
	args := make([]any, 0, len(params))
	for name, v := range params {
		args = append(args, sql.Named(name, v))
	}
	return args
}
