/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the engine and everything it does not own:
  the completion store, the score cache store, the task catalog and the
  user directory. Implementations live in store/sqlite, store/postgres and
  engine/store (in-memory).

APPEND-ONLY CONTRACT:
  CompletionStore has exactly one write: InsertCompletion. There is no
  Update and no Delete.

ATOMIC INSERT-IF-ABSENT:
  InsertCompletion must perform the (user, task) uniqueness check and the
  insert as one operation (unique index + conflict-ignoring insert, or a
  lock held across both). On collision it returns the stored record and
  inserted=false. A store that detects a collision but cannot read the
  existing row back returns ErrConflict.

SHARED STORES:
  A ScoreStore that also implements UserLocker makes the accumulator's
  per-user units (insert + increment, reconcile) exclusive across
  processes, not just within one.

SEE ALSO:
  - ledger.go: Uses CompletionStore, TaskCatalog, UserDirectory
  - accumulator.go: Uses ScoreStore
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// COMPLETION STORE - Append-only
// =============================================================================

type CompletionStore interface {
	// InsertCompletion stores rec unless a record for (rec.UserID, rec.TaskID)
	// exists. Returns the stored record and whether it was inserted.
	InsertCompletion(ctx context.Context, rec CompletionRecord) (CompletionRecord, bool, error)

	// ListCompletionsByUser returns a user's records in insertion order.
	ListCompletionsByUser(ctx context.Context, userID UserID) ([]CompletionRecord, error)

	// ListCompletionsInRange returns records with from <= CompletedAt < to,
	// ordered by CompletedAt then insertion. A zero from means unbounded.
	ListCompletionsInRange(ctx context.Context, from, to time.Time) ([]CompletionRecord, error)
}

// =============================================================================
// SCORE STORE - Keyed cache of per-user totals
// =============================================================================

type ScoreStore interface {
	// GetScore returns the cached total and whether an entry exists.
	GetScore(ctx context.Context, userID UserID) (int64, bool, error)

	// IncrementScore adds delta to the cached total, creating it at delta.
	IncrementScore(ctx context.Context, userID UserID, delta int64) error

	// SetScore overwrites the cached total.
	SetScore(ctx context.Context, userID UserID, total int64) error

	// ListScores returns every cached entry.
	ListScores(ctx context.Context) ([]ScoreState, error)
}

// UserLocker is implemented by score stores that several server processes
// share. WithUserLock runs fn holding an exclusive per-user lock in the
// store; the store calls fn makes with the ctx it receives belong to one
// transaction, so an insert and its increment commit together.
type UserLocker interface {
	WithUserLock(ctx context.Context, userID UserID, fn func(ctx context.Context) error) error
}

// =============================================================================
// EXTERNAL COLLABORATORS - Read-only to the engine
// =============================================================================

// TaskCatalog resolves task ids. Returns an error wrapping ErrNotFound
// for unknown ids.
type TaskCatalog interface {
	GetTask(ctx context.Context, id TaskID) (Task, error)
}

// UserDirectory resolves user ids. Returns an error wrapping ErrNotFound
// for unknown ids.
type UserDirectory interface {
	GetUser(ctx context.Context, id UserID) (User, error)
}

// CompletionHook observes confirmed new completions. Hooks run after the
// record is stored; their errors are logged, not returned to the caller.
type CompletionHook interface {
	OnCompletionRecorded(ctx context.Context, rec CompletionRecord, task Task) error
}

// =============================================================================
// CLOCK
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Used by tests and demo seeding.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }
