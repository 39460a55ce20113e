// Package store provides an in-memory implementation of every engine
// storage interface, for tests and the "memory" demo backend.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/ecoboard/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	completions []engine.CompletionRecord // insertion order
	byPair      map[pair]int              // (user, task) -> index in completions
	scores      map[engine.UserID]int64
	tasks       map[engine.TaskID]engine.Task
	users       map[engine.UserID]engine.User
}

type pair struct {
	UserID engine.UserID
	TaskID engine.TaskID
}

func NewMemory() *Memory {
	return &Memory{
		byPair: make(map[pair]int),
		scores: make(map[engine.UserID]int64),
		tasks:  make(map[engine.TaskID]engine.Task),
		users:  make(map[engine.UserID]engine.User),
	}
}

// =============================================================================
// COMPLETIONS (engine.CompletionStore)
// =============================================================================

// InsertCompletion checks and inserts under one write lock.
func (m *Memory) InsertCompletion(_ context.Context, rec engine.CompletionRecord) (engine.CompletionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := pair{UserID: rec.UserID, TaskID: rec.TaskID}
	if i, ok := m.byPair[k]; ok {
		return m.completions[i], false, nil
	}
	m.byPair[k] = len(m.completions)
	m.completions = append(m.completions, rec)
	return rec, true, nil
}

// CountCompletionsByTask returns how many users completed each task.
func (m *Memory) CountCompletionsByTask(_ context.Context) (map[engine.TaskID]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[engine.TaskID]int)
	for _, rec := range m.completions {
		counts[rec.TaskID]++
	}
	return counts, nil
}

func (m *Memory) ListCompletionsByUser(_ context.Context, userID engine.UserID) ([]engine.CompletionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.CompletionRecord
	for _, rec := range m.completions {
		if rec.UserID == userID {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (m *Memory) ListCompletionsInRange(_ context.Context, from, to time.Time) ([]engine.CompletionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.CompletionRecord
	for _, rec := range m.completions {
		if !from.IsZero() && rec.CompletedAt.Before(from) {
			continue
		}
		if !rec.CompletedAt.Before(to) {
			continue
		}
		result = append(result, rec)
	}
	// Stable keeps insertion order for equal timestamps.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CompletedAt.Before(result[j].CompletedAt)
	})
	return result, nil
}

// =============================================================================
// SCORES (engine.ScoreStore)
// =============================================================================

func (m *Memory) GetScore(_ context.Context, userID engine.UserID) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total, ok := m.scores[userID]
	return total, ok, nil
}

func (m *Memory) IncrementScore(_ context.Context, userID engine.UserID, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[userID] += delta
	return nil
}

func (m *Memory) SetScore(_ context.Context, userID engine.UserID, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[userID] = total
	return nil
}

func (m *Memory) ListScores(_ context.Context) ([]engine.ScoreState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]engine.ScoreState, 0, len(m.scores))
	for id, total := range m.scores {
		result = append(result, engine.ScoreState{UserID: id, Total: total})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

// =============================================================================
// CATALOG / DIRECTORY
// =============================================================================

// SaveTask creates or updates a task. Points of a completed task are frozen.
func (m *Memory) SaveTask(_ context.Context, t engine.Task) error {
	if t.ID == "" || t.Points <= 0 {
		return fmt.Errorf("%w: task needs an id and positive points", engine.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.tasks[t.ID]; ok && old.Points != t.Points && m.taskReferencedLocked(t.ID) {
		return engine.ErrPointsImmutable
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) taskReferencedLocked(id engine.TaskID) bool {
	for k := range m.byPair {
		if k.TaskID == id {
			return true
		}
	}
	return false
}

func (m *Memory) GetTask(_ context.Context, id engine.TaskID) (engine.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return engine.Task{}, &engine.NotFoundError{Kind: "task", ID: string(id)}
	}
	return t, nil
}

func (m *Memory) ListTasks(_ context.Context) ([]engine.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]engine.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) ListCategories(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var result []string
	for _, t := range m.tasks {
		if t.Category != "" && !seen[t.Category] {
			seen[t.Category] = true
			result = append(result, t.Category)
		}
	}
	sort.Strings(result)
	return result, nil
}

func (m *Memory) SaveUser(_ context.Context, u engine.User) error {
	if u.ID == "" {
		return fmt.Errorf("%w: user needs an id", engine.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Memory) GetUser(_ context.Context, id engine.UserID) (engine.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return engine.User{}, &engine.NotFoundError{Kind: "user", ID: string(id)}
	}
	return u, nil
}

func (m *Memory) ListUsers(_ context.Context) ([]engine.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]engine.User, 0, len(m.users))
	for _, u := range m.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// DeleteUser removes a directory entry. Completions are kept.
func (m *Memory) DeleteUser(_ context.Context, id engine.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return &engine.NotFoundError{Kind: "user", ID: string(id)}
	}
	delete(m.users, id)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// Compile-time interface checks
var (
	_ engine.CompletionStore = (*Memory)(nil)
	_ engine.ScoreStore      = (*Memory)(nil)
	_ engine.TaskCatalog     = (*Memory)(nil)
	_ engine.UserDirectory   = (*Memory)(nil)
)
