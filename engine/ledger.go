/*
ledger.go - Append-only completion ledger

PURPOSE:
  The Ledger is the source of truth for who completed what, and when.
  Scores and leaderboards are both derived from it.

CRITICAL INVARIANTS:
  1. AT MOST ONCE: one record per (user, task), for all time
  2. APPEND-ONLY: no Update, no Delete
  3. IMMUTABLE: CompletedAt is set on creation and never changes
  4. IDEMPOTENT: repeating a completion returns the stored record, isNew=false

WRITE PATH:
  1. Resolve user and task (bounded by the lookup timeout)
  2. Accumulator.Record takes the user's unit, then:
     a. InsertCompletion (atomic insert-if-absent in the store)
     b. On ErrConflict, resubmit once; the retry resolves to the stored record
     c. Only for a new record: increment the cached score
  3. Only for a new record: hooks (events)

  The score increment is derived only from a confirmed new insert, so a
  repeat can never double-count, and no reconcile for the user can run
  between the insert and its increment. If the increment itself fails,
  the record stays and the reconcile path repairs the cache.

SEE ALSO:
  - store.go: CompletionStore contract
  - accumulator.go: Score cache
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/warp/ecoboard/logging"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store  CompletionStore
	lk     lookups
	scores *Accumulator
	hooks  []CompletionHook
	clock  Clock
	log    *logging.Logger
	newID  func() RecordID
}

type LedgerOption func(*Ledger)

func WithClock(c Clock) LedgerOption {
	return func(l *Ledger) { l.clock = c }
}

func WithLookupTimeout(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.lk.timeout = d
		}
	}
}

// WithHooks registers observers run after the accumulator for new records.
func WithHooks(hooks ...CompletionHook) LedgerOption {
	return func(l *Ledger) { l.hooks = append(l.hooks, hooks...) }
}

func WithLogger(log *logging.Logger) LedgerOption {
	return func(l *Ledger) { l.log = log.With("ledger") }
}

func NewLedger(store CompletionStore, tasks TaskCatalog, users UserDirectory, scores *Accumulator, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:  store,
		lk:     lookups{tasks: tasks, users: users, timeout: DefaultLookupTimeout},
		scores: scores,
		clock:  SystemClock{},
		log:    logging.Discard(),
		newID:  NewRecordID,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRecordID returns a time-ordered UUIDv7, falling back to v4.
func NewRecordID() RecordID {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return RecordID(id.String())
}

// RecordCompletion marks taskID complete for userID.
//
// Returns the stored record and isNew=true the first time; every later
// call for the same pair returns the original record and isNew=false
// without mutating anything.
func (l *Ledger) RecordCompletion(ctx context.Context, userID UserID, taskID TaskID) (CompletionRecord, bool, error) {
	if userID == "" || taskID == "" {
		return CompletionRecord{}, false, fmt.Errorf("%w: user id and task id are required", ErrInvalidInput)
	}

	if _, err := l.lk.user(ctx, userID); err != nil {
		return CompletionRecord{}, false, err
	}
	task, err := l.lk.task(ctx, taskID)
	if err != nil {
		return CompletionRecord{}, false, err
	}

	rec := CompletionRecord{
		ID:          l.newID(),
		UserID:      userID,
		TaskID:      taskID,
		CompletedAt: l.clock.Now().UTC(),
	}

	insert := func(ctx context.Context) (CompletionRecord, bool, error) {
		stored, inserted, err := l.store.InsertCompletion(ctx, rec)
		if errors.Is(err, ErrConflict) {
			l.log.Warnf("conflict on %s/%s, resubmitting", userID, taskID)
			stored, inserted, err = l.store.InsertCompletion(ctx, rec)
		}
		return stored, inserted, err
	}

	var (
		stored   CompletionRecord
		inserted bool
	)
	if l.scores != nil {
		stored, inserted, err = l.scores.Record(ctx, userID, insert)
	} else {
		stored, inserted, err = insert(ctx)
	}
	if err != nil {
		return CompletionRecord{}, false, err
	}
	if !inserted {
		l.log.Debugf("completion %s/%s already recorded as %s", userID, taskID, stored.ID)
		return stored, false, nil
	}

	l.runHooks(ctx, stored, task)
	return stored, true, nil
}

// runHooks notifies observers of a confirmed new record. The record is
// already durable, so a cancelled request must not skip this.
func (l *Ledger) runHooks(ctx context.Context, rec CompletionRecord, task Task) {
	ctx = context.WithoutCancel(ctx)
	for _, h := range l.hooks {
		if err := h.OnCompletionRecorded(ctx, rec, task); err != nil {
			l.log.Warnf("completion hook failed for %s: %v", rec.ID, err)
		}
	}
}

// =============================================================================
// READS
// =============================================================================

// ListCompletions returns the user's records in insertion order. The
// sequence is lazy (nothing is read until ranged) and restartable (each
// range re-reads the store).
func (l *Ledger) ListCompletions(ctx context.Context, userID UserID) iter.Seq2[CompletionRecord, error] {
	return func(yield func(CompletionRecord, error) bool) {
		recs, err := l.store.ListCompletionsByUser(ctx, userID)
		if err != nil {
			yield(CompletionRecord{}, err)
			return
		}
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// ListCompletionsInWindow returns records in [from, to). A zero to means
// now; a zero from means no lower bound.
func (l *Ledger) ListCompletionsInWindow(ctx context.Context, from, to time.Time) iter.Seq2[CompletionRecord, error] {
	return func(yield func(CompletionRecord, error) bool) {
		end := to
		if end.IsZero() {
			end = l.clock.Now().UTC()
		}
		recs, err := l.store.ListCompletionsInRange(ctx, from, end)
		if err != nil {
			yield(CompletionRecord{}, err)
			return
		}
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Now reads the ledger's clock, so callers resolve windows against the
// same time the ledger stamps records with.
func (l *Ledger) Now() time.Time {
	return l.clock.Now().UTC()
}

// Collect drains a record sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[CompletionRecord, error]) ([]CompletionRecord, error) {
	var out []CompletionRecord
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
