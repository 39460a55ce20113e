package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/ecoboard/engine"
	"github.com/warp/ecoboard/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

// stepClock is a settable clock shared by ledger and aggregator.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	mem    *store.Memory
	clock  *stepClock
	scores *engine.Accumulator
	ledger *engine.Ledger
	board  *engine.Aggregator
}

func newFixture(t *testing.T, opts ...engine.LedgerOption) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := &stepClock{now: t0}
	scores := engine.NewAccumulator(mem, mem, mem)
	opts = append([]engine.LedgerOption{engine.WithClock(clock)}, opts...)
	ledger := engine.NewLedger(mem, mem, mem, scores, opts...)
	return &fixture{
		mem:    mem,
		clock:  clock,
		scores: scores,
		ledger: ledger,
		board:  engine.NewAggregator(ledger),
	}
}

func (f *fixture) task(t *testing.T, id string, points int64) {
	t.Helper()
	require.NoError(t, f.mem.SaveTask(context.Background(), engine.Task{
		ID: engine.TaskID(id), Title: id, Category: "home", Points: points,
	}))
}

func (f *fixture) user(t *testing.T, id, country string) {
	t.Helper()
	require.NoError(t, f.mem.SaveUser(context.Background(), engine.User{
		ID: engine.UserID(id), DisplayName: "name-" + id, Country: country,
	}))
}

func (f *fixture) complete(t *testing.T, userID, taskID string) (engine.CompletionRecord, bool) {
	t.Helper()
	rec, isNew, err := f.ledger.RecordCompletion(context.Background(), engine.UserID(userID), engine.TaskID(taskID))
	require.NoError(t, err)
	return rec, isNew
}

// exampleFixture: A=10, B=5; U1 (Sweden) completes A and B, U2 (Norway) A.
func exampleFixture(t *testing.T) *fixture {
	f := newFixture(t)
	f.task(t, "A", 10)
	f.task(t, "B", 5)
	f.user(t, "U1", "Sweden")
	f.user(t, "U2", "Norway")
	f.complete(t, "U1", "A")
	f.complete(t, "U1", "B")
	f.complete(t, "U2", "A")
	return f
}

type scoreRow struct {
	UserID engine.UserID
	Score  int64
}

func rows(board engine.Leaderboard) []scoreRow {
	out := make([]scoreRow, 0, len(board.Entries))
	for _, e := range board.Entries {
		out = append(out, scoreRow{UserID: e.UserID, Score: e.Score})
	}
	return out
}
