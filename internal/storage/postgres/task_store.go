// Package postgres provides the Postgres-backed task store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/company-research/internal/research"
	"github.com/JakeFAU/company-research/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN string
	// Table names the task table; history lives in Table + "_history".
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses, so pgxmock can stand in.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// TaskStore persists tasks and their transition history in Postgres.
type TaskStore struct {
	pool    pool
	table   string
	history string
}

var _ research.TaskStore = (*TaskStore)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool builds a store over an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*TaskStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "research_tasks"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TaskStore{pool: p, table: table, history: table + "_history"}, nil
}

// Close releases the pool.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables when missing.
func (s *TaskStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	subject_key  TEXT NOT NULL,
	jurisdiction TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	result       JSONB,
	error        JSONB
);
CREATE INDEX IF NOT EXISTS %[1]s_state_idx ON %[1]s (state, updated_at);
CREATE TABLE IF NOT EXISTS %[2]s (
	id         BIGSERIAL PRIMARY KEY,
	task_id    TEXT NOT NULL REFERENCES %[1]s(id),
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s_task_idx ON %[2]s (task_id, id);`, s.table, s.history)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate task tables: %w", err)
	}
	return nil
}

// CreateTask inserts task and its creation entry in one transaction.
func (s *TaskStore) CreateTask(ctx context.Context, task research.Task) error {
	row, err := storage.EncodeTask(task)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (id, kind, subject_key, jurisdiction, state, attempts, created_at, updated_at, result, error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, s.table),
			row.ID, row.Kind, row.Key, row.Jurisdiction, row.State, row.Attempts,
			row.CreatedAt, row.UpdatedAt, row.Result, row.Error,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("task %s: %w", task.ID, research.ErrDuplicate)
			}
			return fmt.Errorf("insert task: %w", err)
		}
		return s.appendHistory(ctx, tx, research.NewStateChange(research.Task{}, task))
	})
}

// GetTask loads a task by id.
func (s *TaskStore) GetTask(ctx context.Context, id string) (research.Task, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, taskColumns, s.table), id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return research.Task{}, fmt.Errorf("task %s: %w", id, research.ErrNotFound)
	}
	if err != nil {
		return research.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// SwapTask writes next only while the row still holds prev's state and
// attempts, and records the transition in the same transaction.
func (s *TaskStore) SwapTask(ctx context.Context, prev, next research.Task) error {
	row, err := storage.EncodeTask(next)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET state = $4, attempts = $5, updated_at = $6, result = $7, error = $8
WHERE id = $1 AND state = $2 AND attempts = $3`, s.table),
			prev.ID, string(prev.State), prev.Attempts,
			row.State, row.Attempts, row.UpdatedAt, row.Result, row.Error,
		)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table), prev.ID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check task: %w", err)
			}
			if !exists {
				return fmt.Errorf("task %s: %w", prev.ID, research.ErrNotFound)
			}
			return fmt.Errorf("task %s: %w", prev.ID, research.ErrConflict)
		}
		return s.appendHistory(ctx, tx, research.NewStateChange(prev, next))
	})
}

// ListTasks returns tasks matching filter, oldest first.
func (s *TaskStore) ListTasks(ctx context.Context, filter research.TaskFilter) ([]research.Task, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if len(filter.States) > 0 {
		where = append(where, "state = ANY("+arg(storage.StateStrings(filter.States))+")")
	}
	if filter.Kind != "" {
		where = append(where, "kind = "+arg(string(filter.Kind)))
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+arg(filter.UpdatedBefore.UTC()))
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, taskColumns, s.table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []research.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// ListStateChanges returns the history of a task, oldest first.
func (s *TaskStore) ListStateChanges(ctx context.Context, id string) ([]research.StateChange, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT task_id, from_state, to_state, attempt, reason, at FROM %s WHERE task_id = $1 ORDER BY id`, s.history), id)
	if err != nil {
		return nil, fmt.Errorf("list state changes: %w", err)
	}
	defer rows.Close()

	out := []research.StateChange{}
	for rows.Next() {
		var (
			change   research.StateChange
			from, to string
		)
		if err := rows.Scan(&change.TaskID, &from, &to, &change.Attempt, &change.Reason, &change.At); err != nil {
			return nil, fmt.Errorf("scan state change: %w", err)
		}
		change.From = research.State(from)
		change.To = research.State(to)
		change.At = change.At.UTC()
		out = append(out, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list state changes: %w", err)
	}
	if len(out) == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const taskColumns = `id, kind, subject_key, jurisdiction, state, attempts, created_at, updated_at, result, error`

func scanTask(row pgx.Row) (research.Task, error) {
	var r storage.TaskRow
	if err := row.Scan(&r.ID, &r.Kind, &r.Key, &r.Jurisdiction, &r.State, &r.Attempts,
		&r.CreatedAt, &r.UpdatedAt, &r.Result, &r.Error); err != nil {
		return research.Task{}, err //nolint:wrapcheck // callers add context
	}
	return r.Decode()
}

func (s *TaskStore) appendHistory(ctx context.Context, tx pgx.Tx, change research.StateChange) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (task_id, from_state, to_state, attempt, reason, at) VALUES ($1,$2,$3,$4,$5,$6)`, s.history),
		change.TaskID, string(change.From), string(change.To), change.Attempt, change.Reason, change.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert state change: %w", err)
	}
	return nil
}

func (s *TaskStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
