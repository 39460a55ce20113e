/*
leaderboard.go - Windowed leaderboard aggregation

ALGORITHM:
  1. Resolve the window to [now - lookback, now] (all time: no lower bound)
  2. Read the window's completions from the ledger
  3. Group by user, summing task points (catalog lookups memoized per query)
  4. Country filter: keep users whose CURRENT country equals the filter
     (case-sensitive); users without a country drop out when filtering
  5. Drop users the directory no longer resolves (deleted users)
  6. Sort by score desc, then user id asc (total order, stable paging)
  7. Rank (1, 2, 2, 4), compute share of the listed total, page

  Windowed scores are computed from the ledger and are independent of
  the all-time ScoreState cache.
*/
package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/ecoboard/logging"
)

type Aggregator struct {
	ledger *Ledger
	lk     lookups
	clock  Clock
	log    *logging.Logger
}

// NewAggregator shares the ledger's collaborators, clock and timeout.
func NewAggregator(ledger *Ledger) *Aggregator {
	return &Aggregator{
		ledger: ledger,
		lk:     ledger.lk,
		clock:  ledger.clock,
		log:    ledger.log.With("leaderboard"),
	}
}

type userTally struct {
	score       int64
	completions int
}

// Leaderboard answers a ranked query. An empty window yields an empty
// board, never an error.
func (a *Aggregator) Leaderboard(ctx context.Context, q LeaderboardQuery) (Leaderboard, error) {
	now := a.clock.Now().UTC()
	from, end := q.Window.Bounds(now)

	board := Leaderboard{
		Window:      q.Window,
		Country:     q.Country,
		From:        from,
		To:          now,
		GeneratedAt: now,
		Entries:     []LeaderboardEntry{},
	}

	tally := make(map[UserID]*userTally)
	tp := newTaskPoints(a.lk)
	for rec, err := range a.ledger.ListCompletionsInWindow(ctx, from, end) {
		if err != nil {
			return board, err
		}
		task, err := tp.get(ctx, rec.TaskID)
		if errors.Is(err, ErrNotFound) {
			a.log.Warnf("completion %s references missing task %s, skipped", rec.ID, rec.TaskID)
			continue
		}
		if err != nil {
			return board, err
		}
		t, ok := tally[rec.UserID]
		if !ok {
			t = &userTally{}
			tally[rec.UserID] = t
		}
		t.score += task.Points
		t.completions++
	}

	entries := make([]LeaderboardEntry, 0, len(tally))
	for userID, t := range tally {
		if t.score <= 0 {
			continue
		}
		user, err := a.lk.user(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return board, err
		}
		if q.Country != "" && user.Country != q.Country {
			continue
		}
		entries = append(entries, LeaderboardEntry{
			UserID:      userID,
			DisplayName: user.DisplayName,
			Country:     user.Country,
			Score:       t.score,
			Completions: t.completions,
		})
	}

	sortEntries(entries)
	assignRanks(entries)
	assignShares(entries)

	board.Total = len(entries)
	board.Entries = page(entries, q.Offset, q.Limit)
	return board, nil
}

func sortEntries(entries []LeaderboardEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID < entries[j].UserID
	})
}

// assignRanks uses standard competition ranking on sorted entries.
func assignRanks(entries []LeaderboardEntry) {
	for i := range entries {
		if i > 0 && entries[i].Score == entries[i-1].Score {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}
}

var hundred = decimal.NewFromInt(100)

func assignShares(entries []LeaderboardEntry) {
	var total int64
	for _, e := range entries {
		total += e.Score
	}
	if total == 0 {
		return
	}
	denom := decimal.NewFromInt(total)
	for i := range entries {
		entries[i].Share = decimal.NewFromInt(entries[i].Score).
			Mul(hundred).
			DivRound(denom, 2)
	}
}

func page(entries []LeaderboardEntry, offset, limit int) []LeaderboardEntry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []LeaderboardEntry{}
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}

