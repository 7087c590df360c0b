// Package scheduler runs the durable job queue: jobs persist in SQL,
// a single poll loop claims the next due job, and failures retry with
// exponential backoff until attempts run out.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"devicecrawl/internal/job"
	"devicecrawl/internal/logger"
	"devicecrawl/internal/metrics"
	"devicecrawl/internal/storage"
)

// ErrUnknownJobType is recorded as the permanent failure reason when a
// job's type has no registered handler.
var ErrUnknownJobType = errors.New("no handler registered for job type")

// Handler executes one job attempt. The returned map is persisted as
// the job result on success.
type Handler func(ctx context.Context, j *job.Job, jl *Logger) (map[string]any, error)

type Config struct {
	PollInterval     time.Duration
	DrainDelay       time.Duration
	RetryBackoffBase time.Duration
	StaleAfter       time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     2 * time.Second,
		DrainDelay:       50 * time.Millisecond,
		RetryBackoffBase: 5 * time.Second,
		StaleAfter:       15 * time.Minute,
	}
}

// Queue is the durable job scheduler. Jobs run one at a time; handlers
// get their parallelism from the request queue underneath them.
type Queue struct {
	cfg  Config
	repo storage.JobRepository
	log  zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

func New(cfg Config, repo storage.JobRepository) *Queue {
	return &Queue{
		cfg:      cfg,
		repo:     repo,
		log:      logger.WithComponent("JobQueue"),
		handlers: make(map[string]Handler),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// RegisterHandler binds a job type to its handler. Registration must
// happen before Start.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Enqueue persists a new job and returns it. With Deduplicate set, an
// already pending or processing job with the same type and payload is
// returned instead and created is false.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload map[string]any, opts job.EnqueueOptions) (*job.Job, bool, error) {
	if opts.Deduplicate {
		serialized, err := job.SerializePayload(payload)
		if err != nil {
			return nil, false, fmt.Errorf("failed to serialize payload: %w", err)
		}
		existingID, err := q.repo.FindActiveDuplicate(ctx, jobType, serialized)
		if err != nil {
			return nil, false, fmt.Errorf("dedup lookup failed: %w", err)
		}
		if existingID != "" {
			existing, err := q.repo.GetJob(ctx, existingID)
			if err != nil {
				return nil, false, err
			}
			metrics.RecordJobDeduplicated(jobType)
			q.log.Debug().
				Str("type", jobType).
				Str("existing_id", existingID).
				Msg("enqueue collapsed into active duplicate")
			return existing, false, nil
		}
	}

	j := job.New(jobType, payload, opts)
	if err := q.repo.Insert(ctx, j); err != nil {
		return nil, false, fmt.Errorf("failed to persist job: %w", err)
	}

	metrics.RecordJobEnqueued(jobType, int(j.Priority))
	q.log.Info().
		Str("job_id", j.ID).
		Str("type", jobType).
		Int("priority", int(j.Priority)).
		Time("run_at", j.RunAt).
		Msg("job enqueued")

	return j, true, nil
}

// Start requeues jobs orphaned by a previous crash and launches the
// poll loop.
func (q *Queue) Start(ctx context.Context) error {
	cutoff := q.now().Add(-q.cfg.StaleAfter)
	n, err := q.repo.RequeueStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("stale job sweep failed: %w", err)
	}
	if n > 0 {
		q.log.Warn().Int64("count", n).Msg("requeued stale processing jobs")
	}

	q.wg.Add(1)
	go q.run(ctx)
	q.log.Info().Dur("poll_interval", q.cfg.PollInterval).Msg("job queue started")
	return nil
}

// Stop halts the poll loop and waits for an in-flight job to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopChan) })
	q.wg.Wait()
	q.log.Info().Msg("job queue stopped")
}

func (q *Queue) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	return q.repo.GetJob(ctx, jobID)
}

func (q *Queue) ListJobs(ctx context.Context, filter job.Filter) ([]*job.Job, error) {
	return q.repo.ListJobs(ctx, filter)
}

func (q *Queue) GetLogs(ctx context.Context, jobID string) ([]job.LogEntry, error) {
	return q.repo.GetLogs(ctx, jobID)
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-q.stopChan:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if q.processNext(ctx) {
			timer.Reset(q.cfg.DrainDelay)
		} else {
			timer.Reset(q.cfg.PollInterval)
		}
	}
}

// processNext claims and runs at most one due job. It reports whether a
// job was processed so the loop can drain a backlog without waiting a
// full poll interval between jobs.
func (q *Queue) processNext(ctx context.Context) bool {
	j, err := q.repo.NextDue(ctx, q.now())
	if err != nil {
		q.log.Error().Err(err).Msg("failed to poll for due jobs")
		return false
	}
	if j == nil {
		return false
	}

	attempt := j.Attempts + 1
	startedAt := q.now()
	if err := q.repo.MarkProcessing(ctx, j.ID, attempt, startedAt); err != nil {
		q.log.Error().Err(err).Str("job_id", j.ID).Msg("failed to claim job")
		return false
	}
	j.Attempts = attempt

	jl := NewLogger(q.repo, j.ID, q.log)
	q.log.Info().
		Str("job_id", j.ID).
		Str("type", j.Type).
		Int("attempt", attempt).
		Msg("job started")

	result, err := q.runHandler(ctx, j, jl)
	elapsed := q.now().Sub(startedAt)

	switch {
	case err == nil:
		jl.Finish(ctx, true, result)
		if mErr := q.repo.MarkCompleted(ctx, j.ID, result, q.now()); mErr != nil {
			q.log.Error().Err(mErr).Str("job_id", j.ID).Msg("failed to mark job completed")
		}
		metrics.RecordJobCompleted(j.Type, elapsed)
		q.log.Info().
			Str("job_id", j.ID).
			Str("type", j.Type).
			Dur("duration", elapsed).
			Msg("job completed")

	case errors.Is(err, ErrUnknownJobType) || attempt >= j.MaxAttempts:
		jl.Finish(ctx, false, map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		if mErr := q.repo.MarkFailed(ctx, j.ID, err.Error(), q.now()); mErr != nil {
			q.log.Error().Err(mErr).Str("job_id", j.ID).Msg("failed to mark job failed")
		}
		metrics.RecordJobFailed(j.Type, elapsed)
		q.log.Error().
			Err(err).
			Str("job_id", j.ID).
			Str("type", j.Type).
			Int("attempt", attempt).
			Msg("job failed permanently")

	default:
		runAt := q.now().Add(q.backoff(attempt))
		jl.Retry(ctx, attempt, j.MaxAttempts, err.Error(), runAt)
		if mErr := q.repo.Reschedule(ctx, j.ID, err.Error(), runAt); mErr != nil {
			q.log.Error().Err(mErr).Str("job_id", j.ID).Msg("failed to reschedule job")
		}
		metrics.RecordJobRetried(j.Type)
		q.log.Warn().
			Err(err).
			Str("job_id", j.ID).
			Str("type", j.Type).
			Int("attempt", attempt).
			Time("retry_at", runAt).
			Msg("job failed, retry scheduled")
	}

	return true
}

func (q *Queue) runHandler(ctx context.Context, j *job.Job, jl *Logger) (result map[string]any, err error) {
	q.mu.RLock()
	handler, ok := q.handlers[j.Type]
	q.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, j.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, j, jl)
}

// backoff doubles per attempt: base, 2x base, 4x base...
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
