package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicecrawl/internal/job"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLJobStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	store := &Store{db: db, rebind: rebindDollar, migrations: postgresMigrations}
	return db, mock, NewSQLJobStore(store)
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "SELECT id FROM jobs WHERE type = $1 AND payload = $2",
		rebindDollar("SELECT id FROM jobs WHERE type = ? AND payload = ?"))
	assert.Equal(t, "SELECT 1", rebindDollar("SELECT 1"))
}

func TestInsert(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	j := job.New(job.TypeBrandDevices, map[string]any{"brand": "acme"}, job.EnqueueOptions{
		Priority: job.PriorityHigh,
	})

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			j.ID, j.Type, `{"brand":"acme"}`, j.Status, j.Priority,
			j.Attempts, j.MaxAttempts, j.RunAt, j.QueuedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), j))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindActiveDuplicate(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("duplicate exists", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id"}).AddRow("job-1")
		mock.ExpectQuery("SELECT id FROM jobs").
			WithArgs(job.TypeBrandList, "{}").
			WillReturnRows(rows)

		id, err := repo.FindActiveDuplicate(ctx, job.TypeBrandList, "{}")
		require.NoError(t, err)
		assert.Equal(t, "job-1", id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no duplicate", func(t *testing.T) {
		mock.ExpectQuery("SELECT id FROM jobs").
			WithArgs(job.TypeBrandList, "{}").
			WillReturnError(sql.ErrNoRows)

		id, err := repo.FindActiveDuplicate(ctx, job.TypeBrandList, "{}")
		require.NoError(t, err)
		assert.Empty(t, id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "type", "payload", "status", "priority", "attempts",
		"max_attempts", "run_at", "queued_at", "started_at",
		"completed_at", "last_error", "result",
	})
}

func TestNextDue(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("job due", func(t *testing.T) {
		rows := jobRows().AddRow(
			"job-1", job.TypeDeviceSpecs, `{"device":"x100"}`, "pending", 5, 0,
			3, now, now, nil,
			nil, nil, nil,
		)
		mock.ExpectQuery("SELECT.*FROM jobs.*WHERE status = 'pending'").
			WithArgs(now).
			WillReturnRows(rows)

		j, err := repo.NextDue(ctx, now)
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, "job-1", j.ID)
		assert.Equal(t, job.StatusPending, j.Status)
		assert.Equal(t, "x100", j.Payload["device"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing due", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM jobs.*WHERE status = 'pending'").
			WithArgs(now).
			WillReturnError(sql.ErrNoRows)

		j, err := repo.NextDue(ctx, now)
		require.NoError(t, err)
		assert.Nil(t, j)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid payload JSON", func(t *testing.T) {
		rows := jobRows().AddRow(
			"job-1", job.TypeDeviceSpecs, "not json", "pending", 5, 0,
			3, now, now, nil,
			nil, nil, nil,
		)
		mock.ExpectQuery("SELECT.*FROM jobs.*WHERE status = 'pending'").
			WithArgs(now).
			WillReturnRows(rows)

		_, err := repo.NextDue(ctx, now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal payload")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMarkCompleted(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	now := time.Now().UTC()
	mock.ExpectExec("UPDATE jobs.*SET status = 'completed'").
		WithArgs(now, `{"devices":42}`, "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkCompleted(context.Background(), "job-1", map[string]any{"devices": 42}, now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReschedule(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	runAt := time.Now().UTC().Add(10 * time.Second)
	mock.ExpectExec("UPDATE jobs.*SET status = 'pending'").
		WithArgs(runAt, "timeout", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Reschedule(context.Background(), "job-1", "timeout", runAt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueStale(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	cutoff := time.Now().UTC().Add(-15 * time.Minute)
	mock.ExpectExec("UPDATE jobs.*WHERE status = 'processing'").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.RequeueStale(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT.*FROM jobs WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAndGetLogs(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	ts := time.Now().UTC()

	mock.ExpectExec("INSERT INTO job_logs").
		WithArgs("job-1", "info", "fetching page", `{"page":1}`, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.AppendLog(ctx, &job.LogEntry{
		JobID:     "job-1",
		Level:     "info",
		Message:   "fetching page",
		Details:   map[string]any{"page": 1},
		Timestamp: ts,
	})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "job_id", "level", "message", "details", "timestamp"}).
		AddRow(1, "job-1", "info", "fetching page", `{"page":1}`, ts).
		AddRow(2, "job-1", "error", "fetch failed", nil, ts)
	mock.ExpectQuery("SELECT.*FROM job_logs").
		WithArgs("job-1").
		WillReturnRows(rows)

	entries, err := repo.GetLogs(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, float64(1), entries[0].Details["page"])
	assert.Nil(t, entries[1].Details)
	assert.NoError(t, mock.ExpectationsWereMet())
}
