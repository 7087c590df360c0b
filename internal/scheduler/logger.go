package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"devicecrawl/internal/job"
	"devicecrawl/internal/storage"
)

// Logger records a job's execution history as structured entries in the
// job log table. Persistence failures are reported to the process log
// and otherwise swallowed; losing a log line must never fail a job.
type Logger struct {
	repo  storage.JobRepository
	jobID string
	log   zerolog.Logger

	mu     sync.Mutex
	counts map[string]int
	steps  map[string]time.Time
	now    func() time.Time
}

func NewLogger(repo storage.JobRepository, jobID string, log zerolog.Logger) *Logger {
	return &Logger{
		repo:   repo,
		jobID:  jobID,
		log:    log,
		counts: make(map[string]int),
		steps:  make(map[string]time.Time),
		now:    time.Now,
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, details map[string]any) {
	l.append(ctx, "debug", msg, details)
}

func (l *Logger) Info(ctx context.Context, msg string, details map[string]any) {
	l.append(ctx, "info", msg, details)
}

func (l *Logger) Warn(ctx context.Context, msg string, details map[string]any) {
	l.append(ctx, "warn", msg, details)
}

func (l *Logger) Error(ctx context.Context, msg string, details map[string]any) {
	l.append(ctx, "error", msg, details)
}

// StartStep marks the beginning of a named phase, e.g. "fetch" or "parse".
func (l *Logger) StartStep(ctx context.Context, name string) {
	l.mu.Lock()
	l.steps[name] = l.now()
	l.mu.Unlock()

	l.append(ctx, "info", "step started", map[string]any{"step": name})
}

// EndStep closes a phase opened with StartStep and records its duration.
func (l *Logger) EndStep(ctx context.Context, name string, details map[string]any) {
	l.mu.Lock()
	started, ok := l.steps[name]
	delete(l.steps, name)
	elapsed := l.now().Sub(started)
	l.mu.Unlock()

	if details == nil {
		details = make(map[string]any)
	}
	details["step"] = name
	if ok {
		details["duration_ms"] = elapsed.Milliseconds()
	}
	l.append(ctx, "info", "step finished", details)
}

// Success records a milestone at the "success" level.
func (l *Logger) Success(ctx context.Context, msg string, details map[string]any) {
	l.append(ctx, "success", msg, details)
}

// Finish writes the terminal entry of a job's log history: a
// "success"-level entry carrying the result, or an "error"-level entry
// with the failure details.
func (l *Logger) Finish(ctx context.Context, success bool, details map[string]any) {
	if success {
		l.append(ctx, "success", "job finished", details)
		return
	}
	l.append(ctx, "error", "job failed", details)
}

// LogStats records free-form counters gathered during the run, e.g.
// pages fetched or devices discovered.
func (l *Logger) LogStats(ctx context.Context, counters map[string]any) {
	l.append(ctx, "info", "run stats", counters)
}

// Retry records that the job failed and was pushed back for another
// attempt.
func (l *Logger) Retry(ctx context.Context, attempt, maxAttempts int, reason string, runAt time.Time) {
	l.append(ctx, "warn", "attempt failed, retry scheduled", map[string]any{
		"attempt":      attempt,
		"max_attempts": maxAttempts,
		"reason":       reason,
		"retry_at":     runAt.UTC().Format(time.RFC3339),
	})
}

// Stats returns per-level entry counts written so far.
func (l *Logger) Stats() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int, len(l.counts))
	for level, n := range l.counts {
		out[level] = n
	}
	return out
}

func (l *Logger) append(ctx context.Context, level, msg string, details map[string]any) {
	l.mu.Lock()
	l.counts[level]++
	l.mu.Unlock()

	l.mirror(level, msg, details)

	entry := &job.LogEntry{
		JobID:     l.jobID,
		Level:     level,
		Message:   msg,
		Details:   details,
		Timestamp: l.now().UTC(),
	}
	if err := l.repo.AppendLog(ctx, entry); err != nil {
		l.log.Warn().Err(err).Str("job_id", l.jobID).Msg("failed to persist job log entry")
	}
}

// mirror emits the entry on the process log as well. The "success"
// level maps to info; zerolog has no such level.
func (l *Logger) mirror(level, msg string, details map[string]any) {
	var evt *zerolog.Event
	switch level {
	case "debug":
		evt = l.log.Debug()
	case "warn":
		evt = l.log.Warn()
	case "error":
		evt = l.log.Error()
	default:
		evt = l.log.Info()
	}
	if len(details) > 0 {
		evt = evt.Fields(details)
	}
	evt.Str("job_id", l.jobID).Msg(msg)
}
