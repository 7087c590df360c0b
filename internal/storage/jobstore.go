package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"devicecrawl/internal/job"
)

// ErrJobNotFound is returned when a job id has no row.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, type, payload, status, priority, attempts, max_attempts,
	run_at, queued_at, started_at, completed_at, last_error, result`

// SQLJobStore implements JobRepository over any Store dialect.
type SQLJobStore struct {
	store *Store
}

func NewSQLJobStore(store *Store) *SQLJobStore {
	return &SQLJobStore{store: store}
}

func (s *SQLJobStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.store.migrations {
		if _, err := s.store.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLJobStore) Insert(ctx context.Context, j *job.Job) error {
	payload, err := job.SerializePayload(j.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO jobs (
			id, type, payload, status, priority,
			attempts, max_attempts, run_at, queued_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.store.Exec(
		ctx,
		query,
		j.ID,
		j.Type,
		payload,
		j.Status,
		j.Priority,
		j.Attempts,
		j.MaxAttempts,
		j.RunAt,
		j.QueuedAt,
	)

	return err
}

// FindActiveDuplicate returns the id of a pending or processing job with
// the same type and canonical payload, or "" when there is none.
func (s *SQLJobStore) FindActiveDuplicate(ctx context.Context, jobType, payload string) (string, error) {
	query := `
		SELECT id FROM jobs
		WHERE type = ? AND payload = ? AND status IN ('pending', 'processing')
		LIMIT 1
	`

	var id string
	err := s.store.QueryRow(ctx, query, jobType, payload).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	return id, nil
}

// NextDue returns the highest-priority pending job whose run_at has
// passed, oldest first within a priority. Returns nil when nothing is due.
func (s *SQLJobStore) NextDue(ctx context.Context, now time.Time) (*job.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending' AND run_at <= ?
		ORDER BY priority DESC, queued_at ASC, id ASC
		LIMIT 1
	`

	j, err := scanJob(s.store.QueryRow(ctx, query, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return j, nil
}

func (s *SQLJobStore) MarkProcessing(ctx context.Context, jobID string, attempts int, startedAt time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'processing', attempts = ?, started_at = ?
		WHERE id = ?
	`
	_, err := s.store.Exec(ctx, query, attempts, startedAt, jobID)

	return err
}

func (s *SQLJobStore) MarkCompleted(ctx context.Context, jobID string, result map[string]any, completedAt time.Time) error {
	var resultVal any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resultVal = string(data)
	}

	query := `
		UPDATE jobs
		SET status = 'completed', completed_at = ?, result = ?, last_error = ''
		WHERE id = ?
	`
	_, err := s.store.Exec(ctx, query, completedAt, resultVal, jobID)

	return err
}

func (s *SQLJobStore) MarkFailed(ctx context.Context, jobID string, lastError string, completedAt time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'failed', completed_at = ?, last_error = ?
		WHERE id = ?
	`
	_, err := s.store.Exec(ctx, query, completedAt, lastError, jobID)

	return err
}

// Reschedule returns a job to pending with a later run_at after a
// retryable failure.
func (s *SQLJobStore) Reschedule(ctx context.Context, jobID string, lastError string, runAt time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'pending', run_at = ?, last_error = ?, started_at = NULL
		WHERE id = ?
	`
	_, err := s.store.Exec(ctx, query, runAt, lastError, jobID)

	return err
}

func (s *SQLJobStore) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	j, err := scanJob(s.store.QueryRow(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	return j, nil
}

func (s *SQLJobStore) ListJobs(ctx context.Context, filter job.Filter) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, filter.Type)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY queued_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

// RequeueStale returns processing jobs whose started_at predates the
// cutoff to pending. These are jobs orphaned by a crash mid-run.
func (s *SQLJobStore) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		UPDATE jobs
		SET status = 'pending', started_at = NULL
		WHERE status = 'processing' AND started_at < ?
	`
	res, err := s.store.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (s *SQLJobStore) AppendLog(ctx context.Context, entry *job.LogEntry) error {
	var detailsVal any
	if entry.Details != nil {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal log details: %w", err)
		}
		detailsVal = string(data)
	}

	query := `
		INSERT INTO job_logs (job_id, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.store.Exec(ctx, query, entry.JobID, entry.Level, entry.Message, detailsVal, entry.Timestamp)

	return err
}

func (s *SQLJobStore) GetLogs(ctx context.Context, jobID string) ([]job.LogEntry, error) {
	query := `
		SELECT id, job_id, level, message, details, timestamp
		FROM job_logs
		WHERE job_id = ?
		ORDER BY id ASC
	`
	rows, err := s.store.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []job.LogEntry
	for rows.Next() {
		var (
			entry   job.LogEntry
			details sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.JobID, &entry.Level, &entry.Message, &details, &entry.Timestamp); err != nil {
			return nil, err
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log details: %w", err)
			}
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func (s *SQLJobStore) Close() error {
	return s.store.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		payload     string
		startedAt   sql.NullTime
		completedAt sql.NullTime
		lastError   sql.NullString
		result      sql.NullString
	)

	err := row.Scan(
		&j.ID,
		&j.Type,
		&payload,
		&j.Status,
		&j.Priority,
		&j.Attempts,
		&j.MaxAttempts,
		&j.RunAt,
		&j.QueuedAt,
		&startedAt,
		&completedAt,
		&lastError,
		&result,
	)
	if err != nil {
		return nil, err
	}

	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if lastError.Valid {
		j.LastError = lastError.String
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &j.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	return &j, nil
}
