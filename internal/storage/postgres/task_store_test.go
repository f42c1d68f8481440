package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/company-research/internal/research"
)

var columns = []string{"id", "kind", "subject_key", "jurisdiction", "state", "attempts", "created_at", "updated_at", "result", "error"}

func newMockStore(t *testing.T) (*TaskStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

func pendingTask(created time.Time) research.Task {
	return research.Task{
		ID:        "t1",
		Subject:   research.Subject{Kind: research.KindWebsite, Key: "acme.example"},
		State:     research.StatePending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestNewWithPool_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "tasks")
	assert.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "tasks; DROP TABLE x")
	assert.ErrorContains(t, err, "invalid table name")
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS research_tasks").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTask_InsertsTaskAndHistory(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	task := pendingTask(created)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO research_tasks \(`).
		WithArgs("t1", "WEBSITE", "acme.example", "", "PENDING", 0, created, created, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO research_tasks_history`).
		WithArgs("t1", "", "PENDING", 0, "", created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.CreateTask(context.Background(), task))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTask_Duplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO research_tasks \(`).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})
	mock.ExpectRollback()

	err := store.CreateTask(context.Background(), pendingTask(time.Now().UTC()))
	assert.ErrorIs(t, err, research.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT id, kind, .* FROM research_tasks WHERE id = \$1`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			"t1", "WEBSITE", "acme.example", "", "FAILED", 3, created, created.Add(time.Hour),
			nil, []byte(`{"code":"FETCH_FAILED","message":"status 500"}`),
		))

	task, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, research.StateFailed, task.State)
	assert.Equal(t, 3, task.Attempts)
	assert.Equal(t, research.KindWebsite, task.Subject.Kind)
	assert.Nil(t, task.Result)
	require.NotNil(t, task.Error)
	assert.Equal(t, research.CodeFetchFailed, task.Error.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTask_NotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, kind`).WithArgs("nope").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, research.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSwapTask_Applies(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	prev := pendingTask(created)
	next := prev
	next.State = research.StateRunning
	next.Attempts = 1
	next.UpdatedAt = created.Add(time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE research_tasks SET .* WHERE id = \$1 AND state = \$2 AND attempts = \$3`).
		WithArgs("t1", "PENDING", 0, "RUNNING", 1, next.UpdatedAt, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO research_tasks_history`).
		WithArgs("t1", "PENDING", "RUNNING", 1, "", next.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.SwapTask(context.Background(), prev, next))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSwapTask_Conflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	prev := pendingTask(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	next := prev
	next.State = research.StateRunning
	next.Attempts = 1

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE research_tasks SET`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := store.SwapTask(context.Background(), prev, next)
	assert.ErrorIs(t, err, research.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSwapTask_Missing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	prev := pendingTask(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE research_tasks SET`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := store.SwapTask(context.Background(), prev, prev)
	assert.ErrorIs(t, err, research.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTasks_BuildsFilter(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cutoff := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM research_tasks WHERE state = ANY\(\$1\) AND kind = \$2 AND updated_at < \$3 ORDER BY created_at, id LIMIT \$4`).
		WithArgs([]string{"RUNNING"}, "WEBSITE", cutoff, 10).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("a", "WEBSITE", "a.example", "", "RUNNING", 1, cutoff.Add(-time.Hour), cutoff.Add(-time.Hour), nil, nil).
			AddRow("b", "WEBSITE", "b.example", "", "RUNNING", 2, cutoff.Add(-time.Hour), cutoff.Add(-time.Minute), nil, nil))

	tasks, err := store.ListTasks(context.Background(), research.TaskFilter{
		States:        []research.State{research.StateRunning},
		Kind:          research.KindWebsite,
		UpdatedBefore: cutoff,
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, 2, tasks[1].Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTasks_NoFilter(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM research_tasks ORDER BY created_at, id$`).
		WillReturnRows(pgxmock.NewRows(columns))

	tasks, err := store.ListTasks(context.Background(), research.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStateChanges(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM research_tasks_history WHERE task_id = \$1 ORDER BY id`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"task_id", "from_state", "to_state", "attempt", "reason", "at"}).
			AddRow("t1", "", "PENDING", 0, "", at).
			AddRow("t1", "PENDING", "RUNNING", 1, "", at.Add(time.Second)).
			AddRow("t1", "RUNNING", "RETRYING", 1, "FETCH_FAILED: status 503", at.Add(time.Minute)))

	changes, err := store.ListStateChanges(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, research.StateRetrying, changes[2].To)
	assert.Equal(t, "FETCH_FAILED: status 503", changes[2].Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}
