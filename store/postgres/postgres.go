/*
postgres.go - PostgreSQL persistence for the completion ledger

PURPOSE:
  Same contracts as store/sqlite, on a pgx connection pool, for
  deployments that run several server instances against one database.
  The UNIQUE (user_id, task_id) constraint plus ON CONFLICT DO NOTHING
  make insert-if-absent a single statement, so concurrent instances
  cannot double-record a completion.

PER-USER UNITS (engine.UserLocker):
  WithUserLock opens a transaction, takes pg_advisory_xact_lock on the
  user id and hands fn a context carrying the transaction. Every store
  method called with that context runs inside it, so an insert and its
  score increment commit together and a reconcile in another instance
  waits for both.

POINTS IMMUTABILITY:
  InsertCompletion takes FOR SHARE on the task row and the
  trg_tasks_points_immutable trigger rejects points changes once a
  completion exists. A SaveTask racing an insert either commits first
  (the insert then sees the new points) or fails.

TABLES:
  completions  append-only ledger (seq BIGSERIAL gives insertion order)
  scores       cached running totals
  tasks        task catalog (points frozen once referenced)
  users        user directory

SEE ALSO:
  - store/sqlite/sqlite.go: embedded default backend
  - engine/store.go: interfaces implemented here
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/ecoboard/engine"
)

// pointsFrozenMessage is raised by the points trigger.
const pointsFrozenMessage = "task points are immutable once completed"

// Store is a PostgreSQL-backed implementation of every engine storage interface.
type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// db returns the transaction carried by ctx, or the pool.
func (s *Store) db(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// inTx runs fn in the transaction carried by ctx, or in a new one.
func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx, tx)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx), tx)
	})
}

// WithUserLock runs fn in a transaction holding the user's advisory lock.
// Calls nested in fn reuse the transaction.
func (s *Store) WithUserLock(ctx context.Context, userID engine.UserID, fn func(ctx context.Context) error) error {
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, string(userID)); err != nil {
			return fmt.Errorf("lock user %s: %w", userID, err)
		}
		return fn(ctx)
	})
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool. Call EnsureSchema before use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates tables and indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS completions (
			seq          BIGSERIAL PRIMARY KEY,
			id           TEXT NOT NULL UNIQUE,
			user_id      TEXT NOT NULL,
			task_id      TEXT NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			UNIQUE (user_id, task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_completions_completed_at ON completions(completed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_completions_user_seq ON completions(user_id, seq)`,
		`CREATE TABLE IF NOT EXISTS scores (
			user_id TEXT PRIMARY KEY,
			total   BIGINT NOT NULL DEFAULT 0 CHECK (total >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id       TEXT PRIMARY KEY,
			title    TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			points   BIGINT NOT NULL CHECK (points > 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_category ON tasks(category)`,
		`CREATE OR REPLACE FUNCTION tasks_points_immutable() RETURNS trigger AS $$
		BEGIN
			IF NEW.points <> OLD.points
				AND EXISTS (SELECT 1 FROM completions WHERE task_id = OLD.id) THEN
				RAISE EXCEPTION '` + pointsFrozenMessage + `';
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_tasks_points_immutable ON tasks`,
		`CREATE TRIGGER trg_tasks_points_immutable
			BEFORE UPDATE OF points ON tasks
			FOR EACH ROW EXECUTE FUNCTION tasks_points_immutable()`,
		`CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			country      TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// =============================================================================
// COMPLETIONS (engine.CompletionStore)
// =============================================================================

// InsertCompletion stores rec unless (user, task) already exists. The
// timestamp is truncated to the column's microsecond precision and the
// stored row is returned either way. The task row is share-locked for the
// rest of the transaction so its points cannot change underneath.
func (s *Store) InsertCompletion(ctx context.Context, rec engine.CompletionRecord) (engine.CompletionRecord, bool, error) {
	rec.CompletedAt = rec.CompletedAt.UTC().Truncate(time.Microsecond)

	var (
		stored   engine.CompletionRecord
		inserted bool
	)
	err := s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM tasks WHERE id = $1 FOR SHARE`, string(rec.TaskID)); err != nil {
			return fmt.Errorf("lock task: %w", err)
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO completions (id, user_id, task_id, completed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, task_id) DO NOTHING
			RETURNING id, user_id, task_id, completed_at`,
			string(rec.ID), string(rec.UserID), string(rec.TaskID), rec.CompletedAt,
		).Scan(&stored.ID, &stored.UserID, &stored.TaskID, &stored.CompletedAt)
		if err == nil {
			stored.CompletedAt = stored.CompletedAt.UTC()
			inserted = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("insert completion: %w", err)
		}

		// Nothing returned: the pair already exists.
		stored, err = s.completionByPair(ctx, rec.UserID, rec.TaskID)
		if errors.Is(err, pgx.ErrNoRows) {
			return &engine.ConflictError{UserID: rec.UserID, TaskID: rec.TaskID}
		}
		if err != nil {
			return fmt.Errorf("read existing completion: %w", err)
		}
		return nil
	})
	if err != nil {
		return engine.CompletionRecord{}, false, err
	}
	return stored, inserted, nil
}

func (s *Store) completionByPair(ctx context.Context, userID engine.UserID, taskID engine.TaskID) (engine.CompletionRecord, error) {
	var rec engine.CompletionRecord
	err := s.db(ctx).QueryRow(ctx, `
		SELECT id, user_id, task_id, completed_at
		FROM completions WHERE user_id = $1 AND task_id = $2`,
		string(userID), string(taskID),
	).Scan(&rec.ID, &rec.UserID, &rec.TaskID, &rec.CompletedAt)
	rec.CompletedAt = rec.CompletedAt.UTC()
	return rec, err
}

func (s *Store) ListCompletionsByUser(ctx context.Context, userID engine.UserID) ([]engine.CompletionRecord, error) {
	return s.queryCompletions(ctx, `
		SELECT id, user_id, task_id, completed_at
		FROM completions WHERE user_id = $1 ORDER BY seq`, string(userID))
}

// ListCompletionsInRange returns records with from <= completed_at < to.
// A zero from means no lower bound.
func (s *Store) ListCompletionsInRange(ctx context.Context, from, to time.Time) ([]engine.CompletionRecord, error) {
	if from.IsZero() {
		return s.queryCompletions(ctx, `
			SELECT id, user_id, task_id, completed_at
			FROM completions WHERE completed_at < $1
			ORDER BY completed_at, seq`, to.UTC())
	}
	return s.queryCompletions(ctx, `
		SELECT id, user_id, task_id, completed_at
		FROM completions WHERE completed_at >= $1 AND completed_at < $2
		ORDER BY completed_at, seq`, from.UTC(), to.UTC())
}

// CountCompletionsByTask returns how many users completed each task.
func (s *Store) CountCompletionsByTask(ctx context.Context) (map[engine.TaskID]int, error) {
	rows, err := s.db(ctx).Query(ctx, `SELECT task_id, COUNT(*) FROM completions GROUP BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("count completions: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.TaskID]int)
	for rows.Next() {
		var (
			id engine.TaskID
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan completion count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryCompletions(ctx context.Context, query string, args ...any) ([]engine.CompletionRecord, error) {
	rows, err := s.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	defer rows.Close()

	var result []engine.CompletionRecord
	for rows.Next() {
		var rec engine.CompletionRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.TaskID, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		rec.CompletedAt = rec.CompletedAt.UTC()
		result = append(result, rec)
	}
	return result, rows.Err()
}

// =============================================================================
// SCORES (engine.ScoreStore)
// =============================================================================

func (s *Store) GetScore(ctx context.Context, userID engine.UserID) (int64, bool, error) {
	var total int64
	err := s.db(ctx).QueryRow(ctx, `SELECT total FROM scores WHERE user_id = $1`, string(userID)).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get score: %w", err)
	}
	return total, true, nil
}

func (s *Store) IncrementScore(ctx context.Context, userID engine.UserID, delta int64) error {
	_, err := s.db(ctx).Exec(ctx, `
		INSERT INTO scores (user_id, total) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET total = scores.total + EXCLUDED.total`,
		string(userID), delta)
	if err != nil {
		return fmt.Errorf("increment score: %w", err)
	}
	return nil
}

func (s *Store) SetScore(ctx context.Context, userID engine.UserID, total int64) error {
	_, err := s.db(ctx).Exec(ctx, `
		INSERT INTO scores (user_id, total) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET total = EXCLUDED.total`,
		string(userID), total)
	if err != nil {
		return fmt.Errorf("set score: %w", err)
	}
	return nil
}

func (s *Store) ListScores(ctx context.Context) ([]engine.ScoreState, error) {
	rows, err := s.db(ctx).Query(ctx, `SELECT user_id, total FROM scores ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	defer rows.Close()

	var result []engine.ScoreState
	for rows.Next() {
		var st engine.ScoreState
		if err := rows.Scan(&st.UserID, &st.Total); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// =============================================================================
// TASK CATALOG
// =============================================================================

// SaveTask creates or updates a task. Changing the points of a task that
// any completion references returns engine.ErrPointsImmutable.
func (s *Store) SaveTask(ctx context.Context, t engine.Task) error {
	if t.ID == "" || t.Points <= 0 {
		return fmt.Errorf("%w: task needs an id and positive points", engine.ErrInvalidInput)
	}
	err := s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var current int64
		err := tx.QueryRow(ctx, `SELECT points FROM tasks WHERE id = $1 FOR UPDATE`, string(t.ID)).Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("lock task: %w", err)
		case current != t.Points:
			var referenced bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM completions WHERE task_id = $1)`, string(t.ID),
			).Scan(&referenced); err != nil {
				return fmt.Errorf("check task references: %w", err)
			}
			if referenced {
				return engine.ErrPointsImmutable
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO tasks (id, title, category, points) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				category = EXCLUDED.category,
				points = EXCLUDED.points`,
			string(t.ID), t.Title, t.Category, t.Points)
		if err != nil {
			return fmt.Errorf("save task: %w", err)
		}
		return nil
	})
	if isPointsFrozen(err) {
		return engine.ErrPointsImmutable
	}
	return err
}

// isPointsFrozen reports whether err came from the points trigger.
func isPointsFrozen(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "P0001" && pgErr.Message == pointsFrozenMessage
}

func (s *Store) GetTask(ctx context.Context, id engine.TaskID) (engine.Task, error) {
	var t engine.Task
	err := s.db(ctx).QueryRow(ctx,
		`SELECT id, title, category, points FROM tasks WHERE id = $1`, string(id),
	).Scan(&t.ID, &t.Title, &t.Category, &t.Points)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Task{}, &engine.NotFoundError{Kind: "task", ID: string(id)}
	}
	if err != nil {
		return engine.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]engine.Task, error) {
	rows, err := s.db(ctx).Query(ctx, `SELECT id, title, category, points FROM tasks ORDER BY category, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var result []engine.Task
	for rows.Next() {
		var t engine.Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Category, &t.Points); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db(ctx).Query(ctx,
		`SELECT DISTINCT category FROM tasks WHERE category <> '' ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// =============================================================================
// USER DIRECTORY
// =============================================================================

func (s *Store) SaveUser(ctx context.Context, u engine.User) error {
	if u.ID == "" {
		return fmt.Errorf("%w: user needs an id", engine.ErrInvalidInput)
	}
	_, err := s.db(ctx).Exec(ctx, `
		INSERT INTO users (id, display_name, country) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			country = EXCLUDED.country`,
		string(u.ID), u.DisplayName, u.Country)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id engine.UserID) (engine.User, error) {
	var u engine.User
	err := s.db(ctx).QueryRow(ctx,
		`SELECT id, display_name, country FROM users WHERE id = $1`, string(id),
	).Scan(&u.ID, &u.DisplayName, &u.Country)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.User{}, &engine.NotFoundError{Kind: "user", ID: string(id)}
	}
	if err != nil {
		return engine.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]engine.User, error) {
	rows, err := s.db(ctx).Query(ctx, `SELECT id, display_name, country FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var result []engine.User
	for rows.Next() {
		var u engine.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Country); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// DeleteUser removes the directory entry only. The user's completions stay
// in the ledger and stop appearing on leaderboards.
func (s *Store) DeleteUser(ctx context.Context, id engine.UserID) error {
	tag, err := s.db(ctx).Exec(ctx, `DELETE FROM users WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &engine.NotFoundError{Kind: "user", ID: string(id)}
	}
	return nil
}

// Compile-time interface checks
var (
	_ engine.CompletionStore = (*Store)(nil)
	_ engine.ScoreStore      = (*Store)(nil)
	_ engine.TaskCatalog     = (*Store)(nil)
	_ engine.UserDirectory   = (*Store)(nil)
	_ engine.UserLocker      = (*Store)(nil)
)
