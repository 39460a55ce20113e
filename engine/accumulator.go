/*
accumulator.go - Per-user score cache derived from the ledger

PURPOSE:
  Keeps each user's running total so GetScore does not replay the ledger
  on every call. The cache is never the source of truth: Reconcile sums
  the ledger and overwrites the cached value.

INVARIANT:
  GetScore(u) == sum(task.Points for every completion of u)

  Every write for one user runs as one exclusive unit: Record covers the
  ledger insert AND its increment, Reconcile covers the ledger read AND
  the overwrite. A rebuild therefore never sees a record whose increment
  is still pending, and cannot overwrite a newer increment. Stores that
  implement UserLocker extend the unit across processes (postgres).

CACHE MISS:
  A user with no cache entry is reconciled on first read or first
  increment. This keeps the invariant for caches that start empty
  (in-memory backends, a wiped scores table).

DIVERGENCE:
  When a reconcile finds cached != ledger it logs a ReconciliationDivergence,
  notifies the divergence handler (metrics) and repairs the cache. It is
  never returned as a request failure.

SEE ALSO:
  - ledger.go: Calls OnCompletionRecorded for new records only
  - api/scheduler.go: Periodic ReconcileAll
*/
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/ecoboard/logging"
)

// farFuture bounds full-ledger scans.
var farFuture = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

type Accumulator struct {
	scores      ScoreStore
	completions CompletionStore
	lk          lookups
	log         *logging.Logger
	locks       userLocks
	shared      UserLocker

	onDivergence func(*ReconciliationDivergence)
}

type AccumulatorOption func(*Accumulator)

func WithAccumulatorLogger(log *logging.Logger) AccumulatorOption {
	return func(a *Accumulator) { a.log = log.With("scores") }
}

// WithDivergenceHandler is called for every repaired divergence.
func WithDivergenceHandler(fn func(*ReconciliationDivergence)) AccumulatorOption {
	return func(a *Accumulator) { a.onDivergence = fn }
}

func WithAccumulatorLookupTimeout(d time.Duration) AccumulatorOption {
	return func(a *Accumulator) {
		if d > 0 {
			a.lk.timeout = d
		}
	}
}

func NewAccumulator(scores ScoreStore, completions CompletionStore, tasks TaskCatalog, opts ...AccumulatorOption) *Accumulator {
	a := &Accumulator{
		scores:      scores,
		completions: completions,
		lk:          lookups{tasks: tasks, timeout: DefaultLookupTimeout},
		log:         logging.Discard(),
		locks:       userLocks{m: make(map[UserID]*sync.Mutex)},
	}
	if ul, ok := scores.(UserLocker); ok {
		a.shared = ul
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// withUser runs fn as the user's exclusive unit.
func (a *Accumulator) withUser(ctx context.Context, userID UserID, fn func(ctx context.Context) error) error {
	unlock := a.locks.lock(userID)
	defer unlock()
	if a.shared != nil {
		return a.shared.WithUserLock(ctx, userID, fn)
	}
	return fn(ctx)
}

// Record runs insert and, when it stores a new record, the score
// increment as one unit for the user. The task is re-read inside the
// unit so the increment uses the points the record is scored at.
//
// A failed increment is logged and left for reconcile; the record stays.
// With a UserLocker store the failure aborts the transaction instead and
// the error is returned.
func (a *Accumulator) Record(ctx context.Context, userID UserID, insert func(ctx context.Context) (CompletionRecord, bool, error)) (CompletionRecord, bool, error) {
	var (
		stored   CompletionRecord
		inserted bool
	)
	err := a.withUser(ctx, userID, func(ctx context.Context) error {
		var err error
		stored, inserted, err = insert(ctx)
		if err != nil || !inserted {
			return err
		}

		ctx = context.WithoutCancel(ctx)
		task, err := a.lk.task(ctx, stored.TaskID)
		if err == nil {
			err = a.applyLocked(ctx, stored, task)
		}
		if err != nil {
			a.log.Errorf("score increment for %s failed, cache left for reconcile: %v", userID, err)
		}
		return nil
	})
	if err != nil {
		return CompletionRecord{}, false, err
	}
	return stored, inserted, nil
}

// OnCompletionRecorded adds task.Points to the user's cached total for a
// record that is already in the ledger. The ledger itself goes through
// Record so its insert and increment share one unit.
func (a *Accumulator) OnCompletionRecorded(ctx context.Context, rec CompletionRecord, task Task) error {
	return a.withUser(ctx, rec.UserID, func(ctx context.Context) error {
		return a.applyLocked(ctx, rec, task)
	})
}

func (a *Accumulator) applyLocked(ctx context.Context, rec CompletionRecord, task Task) error {
	if task.Points <= 0 {
		return fmt.Errorf("%w: task %s has non-positive points %d", ErrInvalidInput, task.ID, task.Points)
	}

	_, ok, err := a.scores.GetScore(ctx, rec.UserID)
	if err != nil {
		return fmt.Errorf("failed to read cached score: %w", err)
	}
	if !ok {
		// The ledger already holds rec, so a rebuild includes it.
		_, err := a.reconcileLocked(ctx, rec.UserID)
		return err
	}
	if err := a.scores.IncrementScore(ctx, rec.UserID, task.Points); err != nil {
		return fmt.Errorf("failed to increment score: %w", err)
	}
	return nil
}

// GetScore returns the user's total, 0 for a user without completions.
func (a *Accumulator) GetScore(ctx context.Context, userID UserID) (int64, error) {
	total, ok, err := a.scores.GetScore(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to read cached score: %w", err)
	}
	if ok {
		return total, nil
	}

	res, err := a.Reconcile(ctx, userID)
	if err != nil {
		return 0, err
	}
	return res.Ledger, nil
}

// ReconcileResult reports one reconcile.
type ReconcileResult struct {
	UserID   UserID
	Cached   int64
	HadCache bool
	Ledger   int64
	Diverged bool
}

// Reconcile recomputes the user's total from the ledger and overwrites
// the cache. This is the authoritative repair path.
func (a *Accumulator) Reconcile(ctx context.Context, userID UserID) (ReconcileResult, error) {
	var res ReconcileResult
	err := a.withUser(ctx, userID, func(ctx context.Context) error {
		var err error
		res, err = a.reconcileLocked(ctx, userID)
		return err
	})
	return res, err
}

func (a *Accumulator) reconcileLocked(ctx context.Context, userID UserID) (ReconcileResult, error) {
	res := ReconcileResult{UserID: userID}

	recs, err := a.completions.ListCompletionsByUser(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("failed to load completions: %w", err)
	}
	tp := newTaskPoints(a.lk)
	for _, rec := range recs {
		task, err := tp.get(ctx, rec.TaskID)
		if err != nil {
			return res, err
		}
		res.Ledger += task.Points
	}

	res.Cached, res.HadCache, err = a.scores.GetScore(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("failed to read cached score: %w", err)
	}

	switch {
	case res.HadCache && res.Cached == res.Ledger:
		return res, nil
	case res.HadCache:
		res.Diverged = true
		div := &ReconciliationDivergence{UserID: userID, Cached: res.Cached, Ledger: res.Ledger}
		a.log.Warnf("%v, repairing", div)
		if a.onDivergence != nil {
			a.onDivergence(div)
		}
	case res.Ledger == 0:
		// Nothing to cache for a user without completions.
		return res, nil
	}

	if err := a.scores.SetScore(ctx, userID, res.Ledger); err != nil {
		return res, fmt.Errorf("failed to store reconciled score: %w", err)
	}
	return res, nil
}

// ReconcileSummary reports a full pass.
type ReconcileSummary struct {
	Checked  int
	Diverged int
	Failed   int
}

// ReconcileAll reconciles every user that has a cache entry or a
// completion. Per-user failures are logged and counted; the pass continues.
func (a *Accumulator) ReconcileAll(ctx context.Context) (ReconcileSummary, error) {
	var sum ReconcileSummary

	users := make(map[UserID]struct{})
	cached, err := a.scores.ListScores(ctx)
	if err != nil {
		return sum, fmt.Errorf("failed to list scores: %w", err)
	}
	for _, s := range cached {
		users[s.UserID] = struct{}{}
	}
	recs, err := a.completions.ListCompletionsInRange(ctx, time.Time{}, farFuture)
	if err != nil {
		return sum, fmt.Errorf("failed to list completions: %w", err)
	}
	for _, r := range recs {
		users[r.UserID] = struct{}{}
	}

	for userID := range users {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := a.Reconcile(ctx, userID)
		sum.Checked++
		if err != nil {
			sum.Failed++
			a.log.Errorf("reconcile %s failed: %v", userID, err)
			continue
		}
		if res.Diverged {
			sum.Diverged++
		}
	}
	return sum, nil
}

// =============================================================================
// PER-USER LOCKS
// =============================================================================

type userLocks struct {
	mu sync.Mutex
	m  map[UserID]*sync.Mutex
}

func (ul *userLocks) lock(id UserID) func() {
	ul.mu.Lock()
	l, ok := ul.m[id]
	if !ok {
		l = &sync.Mutex{}
		ul.m[id] = l
	}
	ul.mu.Unlock()

	l.Lock()
	return l.Unlock
}
