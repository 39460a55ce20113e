package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ecoboard/engine"
	"github.com/warp/ecoboard/store/postgres"
)

// newTestStore connects to ECOBOARD_TEST_DATABASE_URL inside a throwaway
// schema. Tests are skipped when the variable is unset.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	store, _ := newTestDB(t)
	return store
}

// newTestDB also returns the pool behind the store for raw SQL.
func newTestDB(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("ECOBOARD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ECOBOARD_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	schema := "ecoboard_test_" + uuid.NewString()[:8]
	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA %q`, schema))
	require.NoError(t, err)

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		_, _ = admin.Exec(context.Background(), fmt.Sprintf(`DROP SCHEMA %q CASCADE`, schema))
		admin.Close()
	})

	store := postgres.New(pool)
	require.NoError(t, store.EnsureSchema(ctx))
	return store, pool
}

var t0 = time.Date(2026, time.May, 4, 9, 30, 0, 123456000, time.UTC)

func TestPostgres_InsertCompletion_UniquePair(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := engine.CompletionRecord{ID: "r-1", UserID: "u-1", TaskID: "bike", CompletedAt: t0.Add(789)}
	first, inserted, err := store.InsertCompletion(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, t0, first.CompletedAt, "stored at microsecond precision")

	rec.ID = "r-2"
	again, inserted, err := store.InsertCompletion(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, engine.RecordID("r-1"), again.ID)
}

func TestPostgres_InsertCompletion_Concurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		inserted atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := store.InsertCompletion(ctx, engine.CompletionRecord{
				ID: engine.RecordID(fmt.Sprintf("r-%d", i)), UserID: "u-1", TaskID: "bike", CompletedAt: t0,
			})
			assert.NoError(t, err)
			if ok {
				inserted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), inserted.Load())
}

func TestPostgres_RangeAndScores(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, at := range []time.Time{t0.Add(-time.Microsecond), t0, t0.Add(time.Hour)} {
		_, _, err := store.InsertCompletion(ctx, engine.CompletionRecord{
			ID: engine.RecordID(fmt.Sprintf("r-%d", i)), UserID: "u-1",
			TaskID: engine.TaskID(fmt.Sprintf("t-%d", i)), CompletedAt: at,
		})
		require.NoError(t, err)
	}
	recs, err := store.ListCompletionsInRange(ctx, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, t0, recs[0].CompletedAt)

	require.NoError(t, store.IncrementScore(ctx, "u-1", 4))
	require.NoError(t, store.IncrementScore(ctx, "u-1", 6))
	total, ok, err := store.GetScore(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), total)
}

func TestPostgres_SaveTask_PointsFrozenOnceCompleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTask(ctx, engine.Task{ID: "bike", Category: "transport", Points: 10}))
	_, _, err := store.InsertCompletion(ctx, engine.CompletionRecord{ID: "r-1", UserID: "u-1", TaskID: "bike", CompletedAt: t0})
	require.NoError(t, err)

	assert.ErrorIs(t, store.SaveTask(ctx, engine.Task{ID: "bike", Points: 20}), engine.ErrPointsImmutable)
	require.NoError(t, store.SaveTask(ctx, engine.Task{ID: "bike", Title: "Cycle", Category: "transport", Points: 10}))

	_, err = store.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestPostgres_PointsTriggerRejectsDirectUpdate(t *testing.T) {
	store, pool := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTask(ctx, engine.Task{ID: "bike", Points: 10}))
	_, _, err := store.InsertCompletion(ctx, engine.CompletionRecord{ID: "r-1", UserID: "u-1", TaskID: "bike", CompletedAt: t0})
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `UPDATE tasks SET points = 20 WHERE id = 'bike'`)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "immutable"), err.Error())

	_, err = pool.Exec(ctx, `UPDATE tasks SET title = 'Cycle' WHERE id = 'bike'`)
	assert.NoError(t, err, "other columns stay editable")
}

func TestPostgres_InsertWaitsForPendingPointsChange(t *testing.T) {
	// GIVEN: A transaction that has locked the task to change its points
	// WHEN: A completion for the task is inserted concurrently
	// THEN: The insert waits for the change, and afterwards the points are frozen

	store, pool := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, engine.Task{ID: "bike", Points: 10}))

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `SELECT points FROM tasks WHERE id = 'bike' FOR UPDATE`)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := store.InsertCompletion(ctx, engine.CompletionRecord{ID: "r-1", UserID: "u-1", TaskID: "bike", CompletedAt: t0})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("insert did not wait for the task lock: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	_, err = tx.Exec(ctx, `UPDATE tasks SET points = 20 WHERE id = 'bike'`)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, <-done)

	assert.ErrorIs(t, store.SaveTask(ctx, engine.Task{ID: "bike", Points: 30}), engine.ErrPointsImmutable)
	task, err := store.GetTask(ctx, "bike")
	require.NoError(t, err)
	assert.Equal(t, int64(20), task.Points)
}

func TestPostgres_ScoresStayConsistentAcrossInstances(t *testing.T) {
	// GIVEN: Two engine instances sharing one database
	// WHEN: One records completions while the other keeps reconciling
	// THEN: The cached score equals the ledger sum

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveUser(ctx, engine.User{ID: "u-1"}))

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, store.SaveTask(ctx, engine.Task{ID: engine.TaskID(fmt.Sprintf("t-%d", i)), Points: int64(i + 1)}))
	}

	writer := engine.NewAccumulator(store, store, store)
	ledger := engine.NewLedger(store, store, store, writer)
	other := engine.NewAccumulator(store, store, store)

	stop := make(chan struct{})
	var reconciler sync.WaitGroup
	reconciler.Add(1)
	go func() {
		defer reconciler.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, err := other.GetScore(ctx, "u-1")
				assert.NoError(t, err)
				_, err = other.ReconcileAll(ctx)
				assert.NoError(t, err)
			}
		}
	}()

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
	close(stop)
	reconciler.Wait()

	cached, ok, err := store.GetScore(ctx, "u-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(n*(n+1)/2), cached)
}
