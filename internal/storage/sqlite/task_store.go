// Package sqlite provides a single-file task store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/company-research/internal/research"
	"github.com/JakeFAU/company-research/internal/storage"
)

const migration = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	subject_key  TEXT NOT NULL,
	jurisdiction TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	result       TEXT,
	error        TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, updated_at);

CREATE TABLE IF NOT EXISTS task_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL REFERENCES tasks(id),
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task_id, id);
`

const taskColumns = `id, kind, subject_key, jurisdiction, state, attempts, created_at, updated_at, result, error`

// TaskStore implements research.TaskStore on SQLite. Timestamps are stored
// as Unix nanoseconds so ordering and comparisons stay numeric.
type TaskStore struct {
	db *sql.DB
}

var _ research.TaskStore = (*TaskStore)(nil)

// Open opens the database at dsn, configures WAL mode and applies the
// schema. Use ":memory:" for a throwaway store.
func Open(ctx context.Context, dsn string) (*TaskStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, migration); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "sqlite: migrate")
	}
	return &TaskStore{db: db}, nil
}

// Close closes the database.
func (s *TaskStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

// CreateTask inserts task and its creation entry in one transaction.
func (s *TaskStore) CreateTask(ctx context.Context, task research.Task) error {
	row, err := storage.EncodeTask(task)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = ?)`, task.ID).Scan(&exists); err != nil {
			return eris.Wrap(err, "sqlite: check task")
		}
		if exists {
			return eris.Wrapf(research.ErrDuplicate, "task %s", task.ID)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.Kind, row.Key, row.Jurisdiction, row.State, row.Attempts,
			row.CreatedAt.UnixNano(), row.UpdatedAt.UnixNano(), nullText(row.Result), nullText(row.Error),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert task")
		}
		return appendHistory(ctx, tx, research.NewStateChange(research.Task{}, task))
	})
}

// GetTask loads a task by id.
func (s *TaskStore) GetTask(ctx context.Context, id string) (research.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return research.Task{}, eris.Wrapf(research.ErrNotFound, "task %s", id)
	}
	if err != nil {
		return research.Task{}, eris.Wrapf(err, "sqlite: get task %s", id)
	}
	return task, nil
}

// SwapTask writes next only while the row still holds prev's state and
// attempts.
func (s *TaskStore) SwapTask(ctx context.Context, prev, next research.Task) error {
	row, err := storage.EncodeTask(next)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET state = ?, attempts = ?, updated_at = ?, result = ?, error = ?
			 WHERE id = ? AND state = ? AND attempts = ?`,
			row.State, row.Attempts, row.UpdatedAt.UnixNano(), nullText(row.Result), nullText(row.Error),
			prev.ID, string(prev.State), prev.Attempts,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: update task")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = ?)`, prev.ID).Scan(&exists); err != nil {
				return eris.Wrap(err, "sqlite: check task")
			}
			if !exists {
				return eris.Wrapf(research.ErrNotFound, "task %s", prev.ID)
			}
			return eris.Wrapf(research.ErrConflict, "task %s", prev.ID)
		}
		return appendHistory(ctx, tx, research.NewStateChange(prev, next))
	})
}

// ListTasks returns tasks matching filter, oldest first.
func (s *TaskStore) ListTasks(ctx context.Context, filter research.TaskFilter) ([]research.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range storage.StateStrings(filter.States) {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UnixNano())
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close()

	out := []research.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		out = append(out, task)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list tasks")
}

// ListStateChanges returns the history of a task, oldest first.
func (s *TaskStore) ListStateChanges(ctx context.Context, id string) ([]research.StateChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, from_state, to_state, attempt, reason, at FROM task_history WHERE task_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list state changes")
	}
	defer rows.Close()

	out := []research.StateChange{}
	for rows.Next() {
		var (
			change   research.StateChange
			from, to string
			at       int64
		)
		if err := rows.Scan(&change.TaskID, &from, &to, &change.Attempt, &change.Reason, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan state change")
		}
		change.From = research.State(from)
		change.To = research.State(to)
		change.At = time.Unix(0, at).UTC()
		out = append(out, change)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list state changes")
	}
	if len(out) == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (research.Task, error) {
	var (
		r                storage.TaskRow
		created, updated int64
		result, failure  sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Kind, &r.Key, &r.Jurisdiction, &r.State, &r.Attempts,
		&created, &updated, &result, &failure); err != nil {
		return research.Task{}, err //nolint:wrapcheck // callers add context
	}
	r.CreatedAt = time.Unix(0, created)
	r.UpdatedAt = time.Unix(0, updated)
	if result.Valid {
		r.Result = []byte(result.String)
	}
	if failure.Valid {
		r.Error = []byte(failure.String)
	}
	return r.Decode()
}

func appendHistory(ctx context.Context, tx *sql.Tx, change research.StateChange) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO task_history (task_id, from_state, to_state, attempt, reason, at) VALUES (?, ?, ?, ?, ?, ?)`,
		change.TaskID, string(change.From), string(change.To), change.Attempt, change.Reason, change.At.UnixNano(),
	)
	return eris.Wrap(err, "sqlite: insert state change")
}

func (s *TaskStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func nullText(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
