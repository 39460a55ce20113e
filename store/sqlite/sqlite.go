/*
Package sqlite provides a SQLite-backed implementation of the engine storage
interfaces, plus the task catalog and user directory tables.

INTERFACES IMPLEMENTED:
  engine.CompletionStore: Completion ledger (append-only)
  engine.ScoreStore:      Cached per-user totals
  engine.TaskCatalog:     Task lookups
  engine.UserDirectory:   User lookups

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the completions table
  - No DELETE statements on the completions table

KEY TABLES:
  completions: Immutable ledger, one row per (user_id, task_id)
  scores:      Cached totals, rebuildable from completions + tasks
  tasks:       Catalog entries (points frozen once completed)
  users:       Directory entries

INDEXES / CONSTRAINTS:
  - UNIQUE(user_id, task_id):           at-most-once completion
  - idx_completions_completed_at:       window range scans (hot path)
  - idx_completions_user_seq:           per-user history in insertion order
  - trg_tasks_points_immutable:         rejects points changes once completed

ATOMIC INSERT-IF-ABSENT:
  InsertCompletion issues INSERT ... ON CONFLICT(user_id, task_id) DO NOTHING.
  The unique index decides; zero rows affected means the pair exists and the
  stored row is read back and returned with inserted=false.

TIMESTAMPS:
  Stored as fixed-width UTC text (nanoseconds) so lexicographic order equals
  chronological order for range scans.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, with WAL for concurrent readers.
  ":memory:" databases are pinned to one connection (each connection would
  otherwise open its own empty database).

USAGE:
  store, err := sqlite.New("./data/ecoboard.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/ecoboard/engine"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Completions (append-only ledger)
	CREATE TABLE IF NOT EXISTS completions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		UNIQUE(user_id, task_id)
	);

	CREATE INDEX IF NOT EXISTS idx_completions_completed_at
		ON completions(completed_at);
	CREATE INDEX IF NOT EXISTS idx_completions_user_seq
		ON completions(user_id, seq);

	-- Cached per-user totals
	CREATE TABLE IF NOT EXISTS scores (
		user_id TEXT PRIMARY KEY,
		total INTEGER NOT NULL CHECK (total >= 0),
		updated_at TEXT NOT NULL
	);

	-- Task catalog
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		points INTEGER NOT NULL CHECK (points > 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_category
		ON tasks(category);

	-- CRITICAL: points are frozen once any completion references the task
	CREATE TRIGGER IF NOT EXISTS trg_tasks_points_immutable
	BEFORE UPDATE OF points ON tasks
	WHEN NEW.points <> OLD.points
		AND EXISTS (SELECT 1 FROM completions WHERE task_id = OLD.id)
	BEGIN
		SELECT RAISE(ABORT, 'task points are immutable');
	END;

	-- User directory
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		country TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_country
		ON users(country);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// COMPLETION STORE (engine.CompletionStore interface)
// =============================================================================

// InsertCompletion adds a completion unless the (user, task) pair exists.
func (s *Store) InsertCompletion(ctx context.Context, rec engine.CompletionRecord) (engine.CompletionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO completions (id, user_id, task_id, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, task_id) DO NOTHING
	`, rec.ID, rec.UserID, rec.TaskID, formatTime(rec.CompletedAt))
	if err != nil {
		return engine.CompletionRecord{}, false, fmt.Errorf("failed to insert completion: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return engine.CompletionRecord{}, false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 1 {
		rec.CompletedAt = rec.CompletedAt.UTC()
		return rec, true, nil
	}

	existing, err := s.completionByPair(ctx, rec.UserID, rec.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.CompletionRecord{}, false, &engine.ConflictError{UserID: rec.UserID, TaskID: rec.TaskID}
	}
	if err != nil {
		return engine.CompletionRecord{}, false, err
	}
	return existing, false, nil
}

func (s *Store) completionByPair(ctx context.Context, userID engine.UserID, taskID engine.TaskID) (engine.CompletionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, task_id, completed_at
		FROM completions
		WHERE user_id = ? AND task_id = ?
	`, userID, taskID)

	var (
		rec         engine.CompletionRecord
		completedAt string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.TaskID, &completedAt); err != nil {
		return rec, err
	}
	rec.CompletedAt = parseTime(completedAt)
	return rec, nil
}

// ListCompletionsByUser returns a user's completions in insertion order.
func (s *Store) ListCompletionsByUser(ctx context.Context, userID engine.UserID) ([]engine.CompletionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, task_id, completed_at
		FROM completions
		WHERE user_id = ?
		ORDER BY seq ASC
	`
	return s.queryCompletions(ctx, query, userID)
}

// ListCompletionsInRange returns completions in [from, to).
func (s *Store) ListCompletionsInRange(ctx context.Context, from, to time.Time) ([]engine.CompletionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, task_id, completed_at
		FROM completions
		WHERE completed_at >= ? AND completed_at < ?
		ORDER BY completed_at ASC, seq ASC
	`
	lower := ""
	if !from.IsZero() {
		lower = formatTime(from)
	}
	return s.queryCompletions(ctx, query, lower, formatTime(to))
}

// CountCompletionsByTask returns how many users completed each task.
func (s *Store) CountCompletionsByTask(ctx context.Context) (map[engine.TaskID]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT task_id, COUNT(*) FROM completions GROUP BY task_id")
	if err != nil {
		return nil, fmt.Errorf("failed to count completions: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.TaskID]int)
	for rows.Next() {
		var (
			id engine.TaskID
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryCompletions(ctx context.Context, query string, args ...any) ([]engine.CompletionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	defer rows.Close()

	var records []engine.CompletionRecord
	for rows.Next() {
		var (
			rec         engine.CompletionRecord
			completedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.TaskID, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		rec.CompletedAt = parseTime(completedAt)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// =============================================================================
// SCORE STORE (engine.ScoreStore interface)
// =============================================================================

func (s *Store) GetScore(ctx context.Context, userID engine.UserID) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	err := s.db.QueryRowContext(ctx, "SELECT total FROM scores WHERE user_id = ?", userID).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return total, true, nil
}

func (s *Store) IncrementScore(ctx context.Context, userID engine.UserID, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scores (user_id, total, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total = scores.total + excluded.total,
			updated_at = excluded.updated_at
	`, userID, delta, formatTime(time.Now()))
	return err
}

func (s *Store) SetScore(ctx context.Context, userID engine.UserID, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scores (user_id, total, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total = excluded.total,
			updated_at = excluded.updated_at
	`, userID, total, formatTime(time.Now()))
	return err
}

func (s *Store) ListScores(ctx context.Context) ([]engine.ScoreState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT user_id, total FROM scores ORDER BY user_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []engine.ScoreState
	for rows.Next() {
		var st engine.ScoreState
		if err := rows.Scan(&st.UserID, &st.Total); err != nil {
			return nil, err
		}
		scores = append(scores, st)
	}
	return scores, rows.Err()
}

// =============================================================================
// TASK CATALOG
// =============================================================================

// SaveTask creates or updates a task. Returns engine.ErrPointsImmutable if
// the points of an already-completed task would change.
func (s *Store) SaveTask(ctx context.Context, t engine.Task) error {
	if t.ID == "" || t.Points <= 0 {
		return fmt.Errorf("%w: task needs an id and positive points", engine.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, category, points, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			category = excluded.category,
			points = excluded.points,
			updated_at = excluded.updated_at
	`, t.ID, t.Title, t.Category, t.Points, now, now)
	if isPointsImmutableError(err) {
		return engine.ErrPointsImmutable
	}
	return err
}

func (s *Store) GetTask(ctx context.Context, id engine.TaskID) (engine.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t engine.Task
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, category, points FROM tasks WHERE id = ?", id,
	).Scan(&t.ID, &t.Title, &t.Category, &t.Points)
	if err == sql.ErrNoRows {
		return t, &engine.NotFoundError{Kind: "task", ID: string(id)}
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context) ([]engine.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, category, points FROM tasks ORDER BY category, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []engine.Task
	for rows.Next() {
		var t engine.Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Category, &t.Points); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListCategories returns the distinct task categories.
func (s *Store) ListCategories(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT category FROM tasks ORDER BY category")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// =============================================================================
// USER DIRECTORY
// =============================================================================

func (s *Store) SaveUser(ctx context.Context, u engine.User) error {
	if u.ID == "" {
		return fmt.Errorf("%w: user needs an id", engine.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, country, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			country = excluded.country,
			updated_at = excluded.updated_at
	`, u.ID, u.DisplayName, u.Country, now, now)
	return err
}

func (s *Store) GetUser(ctx context.Context, id engine.UserID) (engine.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u engine.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, display_name, country FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.DisplayName, &u.Country)
	if err == sql.ErrNoRows {
		return u, &engine.NotFoundError{Kind: "user", ID: string(id)}
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]engine.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, display_name, country FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []engine.User
	for rows.Next() {
		var u engine.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Country); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes a directory entry. The user's completions stay in
// the ledger; leaderboards skip users the directory no longer resolves.
func (s *Store) DeleteUser(ctx context.Context, id engine.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Kind: "user", ID: string(id)}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isPointsImmutableError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && strings.Contains(se.Error(), "task points are immutable")
}

// Compile-time interface checks
var (
	_ engine.CompletionStore = (*Store)(nil)
	_ engine.ScoreStore      = (*Store)(nil)
	_ engine.TaskCatalog     = (*Store)(nil)
	_ engine.UserDirectory   = (*Store)(nil)
)
