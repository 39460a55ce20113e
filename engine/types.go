/*
Package engine provides the task-completion ledger and leaderboard engine.

PURPOSE:
  Records that a user completed a sustainability task, keeps every user's
  running score, and ranks users over rolling time windows. Everything that
  is not ledger, score or ranking logic (HTTP, storage engines, auth) lives
  outside this package and talks to it through the interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Task: catalog entry with a fixed point value (owned by the catalog)
  - User: directory entry with display name and optional country
  - CompletionRecord: one immutable ledger row per (user, task)
  - ScoreState: cached running total, derived from the ledger
  - LeaderboardEntry: one ranked row of a leaderboard query

DESIGN PRINCIPLES:
  1. The ledger is the source of truth. Scores are a cache over it.
  2. A (user, task) pair is completed at most once, for all time.
  3. Records are never updated and never deleted.
  4. Leaderboards are computed from the ledger, not from cached scores.

USAGE:
  ledger := engine.NewLedger(store, catalog, directory, accumulator)
  rec, isNew, err := ledger.RecordCompletion(ctx, "u-1", "bike-to-work")

SEE ALSO:
  - ledger.go: Completion ledger
  - accumulator.go: Score cache and reconciliation
  - leaderboard.go: Windowed ranking
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TaskID string
type RecordID string

// =============================================================================
// CATALOG / DIRECTORY ENTITIES (owned outside the ledger)
// =============================================================================

// Task is a catalog entry. Points must not change once a completion
// references the task.
type Task struct {
	ID       TaskID
	Title    string
	Category string
	Points   int64
}

// User is a directory entry. Country is optional; an empty string means
// the user has not set one.
type User struct {
	ID          UserID
	DisplayName string
	Country     string
}

// =============================================================================
// COMPLETION RECORD - Immutable ledger row
// =============================================================================

type CompletionRecord struct {
	ID          RecordID
	UserID      UserID
	TaskID      TaskID
	CompletedAt time.Time
}

// =============================================================================
// SCORE STATE - Cached, derived from the ledger
// =============================================================================

type ScoreState struct {
	UserID UserID
	Total  int64
}

// =============================================================================
// LEADERBOARD
// =============================================================================

// LeaderboardQuery selects the window and optional country filter.
// Offset and Limit page over the ranked rows; Limit 0 means no limit.
type LeaderboardQuery struct {
	Window  Window
	Country string
	Limit   int
	Offset  int
}

// LeaderboardEntry is one ranked row. Rank uses standard competition
// ranking (1, 2, 2, 4) while row order stays total: score desc, user id asc.
type LeaderboardEntry struct {
	Rank        int
	UserID      UserID
	DisplayName string
	Country     string
	Score       int64
	Completions int
	Share       decimal.Decimal // percent of the listed total, 2 places
}

// Leaderboard is the result of a leaderboard query.
type Leaderboard struct {
	Window      Window
	Country     string
	From        time.Time // zero for all time
	To          time.Time
	GeneratedAt time.Time
	Total       int // ranked users before paging
	Entries     []LeaderboardEntry
}
