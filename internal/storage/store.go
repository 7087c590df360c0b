// Package storage provides SQL persistence for the job queue. The same
// job store runs on PostgreSQL in production and SQLite for local runs;
// the Store wrapper hides the placeholder dialect difference.
package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"devicecrawl/internal/job"
)

// JobRepository is the persistence surface the scheduler depends on.
type JobRepository interface {
	Migrate(ctx context.Context) error
	Insert(ctx context.Context, j *job.Job) error
	FindActiveDuplicate(ctx context.Context, jobType, payload string) (string, error)
	NextDue(ctx context.Context, now time.Time) (*job.Job, error)
	MarkProcessing(ctx context.Context, jobID string, attempts int, startedAt time.Time) error
	MarkCompleted(ctx context.Context, jobID string, result map[string]any, completedAt time.Time) error
	MarkFailed(ctx context.Context, jobID string, lastError string, completedAt time.Time) error
	Reschedule(ctx context.Context, jobID string, lastError string, runAt time.Time) error
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
	ListJobs(ctx context.Context, filter job.Filter) ([]*job.Job, error)
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)
	AppendLog(ctx context.Context, entry *job.LogEntry) error
	GetLogs(ctx context.Context, jobID string) ([]job.LogEntry, error)
	Close() error
}

// Store wraps a *sql.DB together with its placeholder dialect. Job store
// SQL is written with ? placeholders and rebound per driver.
type Store struct {
	db         *sql.DB
	rebind     func(string) string
	migrations []string
}

func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func rebindNone(query string) string { return query }

// rebindDollar rewrites ? placeholders to $1..$n for lib/pq. Question
// marks never appear inside the job store's SQL literals, so a plain
// scan is enough.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
