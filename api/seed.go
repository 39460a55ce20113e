/*
seed.go - Demo data loader

PURPOSE:
  Populates the catalog, directory and ledger with a small Swedish and
  Norwegian community so the leaderboard has something to rank in every
  window. Completions are backdated so week, month, year and all-time
  boards differ.

HOW SEEDING WORKS:
 1. Save tasks (no-op for tasks that already exist with the same points)
 2. Save users
 3. Insert backdated completions; existing (user, task) pairs are kept
 4. Reconcile each seeded user's score from the ledger

  Seeding is additive and idempotent. It never clears data, so running it
  twice leaves the same ledger.

USAGE VIA API:
  POST /api/demo/seed

SEE ALSO:
  - handlers.go: Other endpoints
  - cmd/server/main.go: -seed flag
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/ecoboard/engine"
)

// =============================================================================
// DEMO DATA
// =============================================================================

var demoTasks = []engine.Task{
	{ID: "bike-to-work", Title: "Bike to work", Category: "Transport", Points: 10},
	{ID: "public-transport", Title: "Take public transport for a week", Category: "Transport", Points: 15},
	{ID: "skip-flight", Title: "Choose the train over a flight", Category: "Transport", Points: 40},
	{ID: "meat-free-week", Title: "Eat meat-free for a week", Category: "Food", Points: 25},
	{ID: "local-produce", Title: "Buy local produce", Category: "Food", Points: 5},
	{ID: "compost", Title: "Start composting", Category: "Household", Points: 20},
	{ID: "cold-wash", Title: "Wash clothes at 30 degrees", Category: "Household", Points: 5},
	{ID: "second-hand", Title: "Buy second-hand instead of new", Category: "Consumption", Points: 15},
	{ID: "repair", Title: "Repair something instead of replacing it", Category: "Consumption", Points: 10},
}

var demoUsers = []engine.User{
	{ID: "sofia", DisplayName: "Sofia", Country: "Sweden"},
	{ID: "linnea", DisplayName: "Linnéa", Country: "Sweden"},
	{ID: "erik", DisplayName: "Erik", Country: "Sweden"},
	{ID: "ingrid", DisplayName: "Ingrid", Country: "Norway"},
	{ID: "lars", DisplayName: "Lars", Country: "Norway"},
	{ID: "alex", DisplayName: "Alex"},
}

type demoCompletion struct {
	user    engine.UserID
	task    engine.TaskID
	daysAgo int
}

var demoCompletions = []demoCompletion{
	{"sofia", "bike-to-work", 1},
	{"sofia", "meat-free-week", 3},
	{"sofia", "compost", 20},
	{"sofia", "skip-flight", 200},
	{"linnea", "public-transport", 2},
	{"linnea", "second-hand", 5},
	{"linnea", "local-produce", 45},
	{"erik", "repair", 10},
	{"erik", "cold-wash", 400},
	{"ingrid", "skip-flight", 4},
	{"ingrid", "compost", 6},
	{"lars", "bike-to-work", 25},
	{"lars", "meat-free-week", 90},
	{"alex", "second-hand", 1},
}

// Seed loads the demo data set.
func (h *Handler) Seed(ctx context.Context) (SeedResultDTO, error) {
	var res SeedResultDTO

	for _, t := range demoTasks {
		if err := h.Store.SaveTask(ctx, t); err != nil {
			return res, fmt.Errorf("seed task %s: %w", t.ID, err)
		}
		res.Tasks++
	}
	for _, u := range demoUsers {
		if err := h.Store.SaveUser(ctx, u); err != nil {
			return res, fmt.Errorf("seed user %s: %w", u.ID, err)
		}
		res.Users++
	}

	now := h.Ledger.Now()
	touched := make(map[engine.UserID]bool)
	for _, c := range demoCompletions {
		rec := engine.CompletionRecord{
			ID:          engine.NewRecordID(),
			UserID:      c.user,
			TaskID:      c.task,
			CompletedAt: now.Add(-time.Duration(c.daysAgo) * 24 * time.Hour),
		}
		_, inserted, err := h.Store.InsertCompletion(ctx, rec)
		if err != nil {
			return res, fmt.Errorf("seed completion %s/%s: %w", c.user, c.task, err)
		}
		if inserted {
			res.Completions++
		}
		touched[c.user] = true
	}

	// Backdated rows bypass the ledger's increment path.
	for id := range touched {
		if _, err := h.Scores.Reconcile(ctx, id); err != nil {
			return res, fmt.Errorf("reconcile %s: %w", id, err)
		}
	}

	h.log.Infof("seeded %d tasks, %d users, %d new completions", res.Tasks, res.Users, res.Completions)
	return res, nil
}

// SeedDemo loads the demo data set.
// POST /api/demo/seed
func (h *Handler) SeedDemo(w http.ResponseWriter, r *http.Request) {
	res, err := h.Seed(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to seed demo data", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
