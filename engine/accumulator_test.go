package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ecoboard/engine"
	"github.com/warp/ecoboard/engine/store"
)

func TestAccumulator_GetScore_DefaultsToZero(t *testing.T) {
	f := newFixture(t)
	score, err := f.scores.GetScore(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), score)

	_, ok, err := f.mem.GetScore(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok, "reads for unknown users must not create cache rows")
}

func TestAccumulator_ScoreEqualsLedgerSum(t *testing.T) {
	f := exampleFixture(t)
	ctx := context.Background()

	for _, userID := range []engine.UserID{"U1", "U2"} {
		var sum int64
		for rec, err := range f.ledger.ListCompletions(ctx, userID) {
			require.NoError(t, err)
			task, err := f.mem.GetTask(ctx, rec.TaskID)
			require.NoError(t, err)
			sum += task.Points
		}
		score, err := f.scores.GetScore(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, sum, score, "user %s", userID)
	}

	score, _ := f.scores.GetScore(ctx, "U1")
	assert.Equal(t, int64(15), score)
}

func TestAccumulator_Reconcile_RepairsDivergence(t *testing.T) {
	// GIVEN: A cache that was edited behind the accumulator's back
	// WHEN: Reconcile runs
	// THEN: The divergence is reported and the cache equals the ledger again

	var seen []*engine.ReconciliationDivergence
	mem := store.NewMemory()
	scores := engine.NewAccumulator(mem, mem, mem,
		engine.WithDivergenceHandler(func(d *engine.ReconciliationDivergence) { seen = append(seen, d) }))
	ledger := engine.NewLedger(mem, mem, mem, scores)
	ctx := context.Background()

	require.NoError(t, mem.SaveUser(ctx, engine.User{ID: "u-1"}))
	require.NoError(t, mem.SaveTask(ctx, engine.Task{ID: "bike", Points: 10}))
	_, _, err := ledger.RecordCompletion(ctx, "u-1", "bike")
	require.NoError(t, err)

	require.NoError(t, mem.SetScore(ctx, "u-1", 999))

	res, err := scores.Reconcile(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, res.Diverged)
	assert.Equal(t, int64(999), res.Cached)
	assert.Equal(t, int64(10), res.Ledger)

	require.Len(t, seen, 1)
	assert.ErrorIs(t, seen[0], engine.ErrDivergence)

	score, err := scores.GetScore(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), score)

	res, err = scores.Reconcile(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, res.Diverged, "second pass is clean")
}

func TestAccumulator_CacheMiss_RebuildsFromLedger(t *testing.T) {
	// GIVEN: Completions in a ledger whose score cache starts empty
	f := exampleFixture(t)
	ctx := context.Background()

	fresh := store.NewMemory()
	scores := engine.NewAccumulator(fresh, f.mem, f.mem)

	score, err := scores.GetScore(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), score)

	cached, ok, err := fresh.GetScore(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(15), cached)
}

func TestAccumulator_ReconcileAll(t *testing.T) {
	f := exampleFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mem.SetScore(ctx, "U2", 0))
	require.NoError(t, f.mem.SetScore(ctx, "ghost", 40))

	sum, err := f.scores.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Checked)
	assert.Equal(t, 2, sum.Diverged)
	assert.Zero(t, sum.Failed)

	score, _ := f.scores.GetScore(ctx, "U2")
	assert.Equal(t, int64(10), score)
	score, _ = f.scores.GetScore(ctx, "ghost")
	assert.Equal(t, int64(0), score)
}

func TestAccumulator_OnCompletionRecorded_RejectsNonPositivePoints(t *testing.T) {
	f := newFixture(t)
	err := f.scores.OnCompletionRecorded(context.Background(),
		engine.CompletionRecord{UserID: "u-1", TaskID: "x"}, engine.Task{ID: "x", Points: 0})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

// =============================================================================
// INSERT / INCREMENT ATOMICITY
// =============================================================================

// pausedInsert calls between right after every new insert, before the
// ledger moves on to the score increment.
type pausedInsert struct {
	*store.Memory
	between func()
}

func (p *pausedInsert) InsertCompletion(ctx context.Context, rec engine.CompletionRecord) (engine.CompletionRecord, bool, error) {
	stored, inserted, err := p.Memory.InsertCompletion(ctx, rec)
	if inserted && p.between != nil {
		p.between()
	}
	return stored, inserted, err
}

// interleave returns a between func that starts fn in the background and
// gives it a moment to finish before the insert returns.
func interleave(wg *sync.WaitGroup, fn func()) func() {
	return func() {
		done := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done)
			fn()
		}()
		select {
		case <-done:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func newPausedFixture(t *testing.T) (*store.Memory, *pausedInsert, *engine.Accumulator, *engine.Ledger) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	paused := &pausedInsert{Memory: mem}
	scores := engine.NewAccumulator(mem, mem, mem)
	ledger := engine.NewLedger(paused, mem, mem, scores)

	require.NoError(t, mem.SaveUser(ctx, engine.User{ID: "u-1"}))
	require.NoError(t, mem.SaveTask(ctx, engine.Task{ID: "A", Points: 10}))
	require.NoError(t, mem.SaveTask(ctx, engine.Task{ID: "B", Points: 5}))
	return mem, paused, scores, ledger
}

func TestAccumulator_ColdReadDuringInsertDoesNotDoubleCount(t *testing.T) {
	// GIVEN: A user with no cached score
	// WHEN: A score read races the first completion's insert and increment
	// THEN: The record is counted exactly once

	mem, paused, scores, ledger := newPausedFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	paused.between = interleave(&wg, func() {
		_, err := scores.GetScore(ctx, "u-1")
		assert.NoError(t, err)
	})

	_, isNew, err := ledger.RecordCompletion(ctx, "u-1", "A")
	require.NoError(t, err)
	assert.True(t, isNew)
	wg.Wait()

	score, err := scores.GetScore(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), score)

	cached, ok, err := mem.GetScore(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), cached)
}

func TestAccumulator_ReconcilePassDuringInsertDoesNotDoubleCount(t *testing.T) {
	// GIVEN: A full reconcile pass that lands between every insert and
	//        its increment
	// WHEN: The user completes A (10) then B (5)
	// THEN: The score is 15 and a later pass finds nothing to repair

	_, paused, scores, ledger := newPausedFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	paused.between = interleave(&wg, func() {
		_, err := scores.ReconcileAll(ctx)
		assert.NoError(t, err)
	})

	for _, task := range []engine.TaskID{"A", "B"} {
		_, _, err := ledger.RecordCompletion(ctx, "u-1", task)
		require.NoError(t, err)
	}
	wg.Wait()

	score, err := scores.GetScore(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), score)

	sum, err := scores.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Diverged)
}

func TestAccumulator_ConcurrentFirstCompletions(t *testing.T) {
	// GIVEN: A cold user completing many different tasks at once
	// THEN: The cached score equals the ledger sum without a reconcile pass

	mem := store.NewMemory()
	scores := engine.NewAccumulator(mem, mem, mem)
	ledger := engine.NewLedger(mem, mem, mem, scores)
	ctx := context.Background()
	require.NoError(t, mem.SaveUser(ctx, engine.User{ID: "u-1"}))

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, mem.SaveTask(ctx, engine.Task{ID: engine.TaskID(fmt.Sprintf("t-%d", i)), Points: int64(i + 1)}))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := ledger.RecordCompletion(ctx, "u-1", engine.TaskID(fmt.Sprintf("t-%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	cached, ok, err := mem.GetScore(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(n*(n+1)/2), cached)
}
