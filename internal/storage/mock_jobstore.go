package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"devicecrawl/internal/job"
)

// MockJobStore is an in-memory JobRepository for tests. It records calls
// and honors the same ordering and dedup semantics as the SQL store.
type MockJobStore struct {
	mu               sync.Mutex
	Jobs             map[string]*job.Job
	Logs             []job.LogEntry
	InsertCalls      []string
	MarkedProcessing []string
	MarkedCompleted  []string
	MarkedFailed     []string
	Rescheduled      []RescheduleCall
	RequeueCalls     int

	InsertError    error
	NextDueError   error
	AppendLogError error
}

type RescheduleCall struct {
	JobID     string
	LastError string
	RunAt     time.Time
}

func NewMockJobStore() *MockJobStore {
	return &MockJobStore{
		Jobs: make(map[string]*job.Job),
	}
}

func (m *MockJobStore) Migrate(ctx context.Context) error { return nil }

func (m *MockJobStore) Insert(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.InsertCalls = append(m.InsertCalls, j.ID)
	if m.InsertError != nil {
		return m.InsertError
	}

	cp := *j
	m.Jobs[j.ID] = &cp
	return nil
}

func (m *MockJobStore) FindActiveDuplicate(ctx context.Context, jobType, payload string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.Jobs {
		if j.Type != jobType || (j.Status != job.StatusPending && j.Status != job.StatusProcessing) {
			continue
		}
		existing, err := job.SerializePayload(j.Payload)
		if err != nil {
			return "", err
		}
		if existing == payload {
			return j.ID, nil
		}
	}

	return "", nil
}

func (m *MockJobStore) NextDue(ctx context.Context, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.NextDueError != nil {
		return nil, m.NextDueError
	}

	var due []*job.Job
	for _, j := range m.Jobs {
		if j.Status == job.StatusPending && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}

	sort.Slice(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		if !due[a].QueuedAt.Equal(due[b].QueuedAt) {
			return due[a].QueuedAt.Before(due[b].QueuedAt)
		}
		return due[a].ID < due[b].ID
	})

	cp := *due[0]
	return &cp, nil
}

func (m *MockJobStore) MarkProcessing(ctx context.Context, jobID string, attempts int, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.MarkedProcessing = append(m.MarkedProcessing, jobID)
	if j, ok := m.Jobs[jobID]; ok {
		j.Status = job.StatusProcessing
		j.Attempts = attempts
		j.StartedAt = &startedAt
	}
	return nil
}

func (m *MockJobStore) MarkCompleted(ctx context.Context, jobID string, result map[string]any, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.MarkedCompleted = append(m.MarkedCompleted, jobID)
	if j, ok := m.Jobs[jobID]; ok {
		j.Status = job.StatusCompleted
		j.Result = result
		j.CompletedAt = &completedAt
		j.LastError = ""
	}
	return nil
}

func (m *MockJobStore) MarkFailed(ctx context.Context, jobID string, lastError string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.MarkedFailed = append(m.MarkedFailed, jobID)
	if j, ok := m.Jobs[jobID]; ok {
		j.Status = job.StatusFailed
		j.LastError = lastError
		j.CompletedAt = &completedAt
	}
	return nil
}

func (m *MockJobStore) Reschedule(ctx context.Context, jobID string, lastError string, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Rescheduled = append(m.Rescheduled, RescheduleCall{JobID: jobID, LastError: lastError, RunAt: runAt})
	if j, ok := m.Jobs[jobID]; ok {
		j.Status = job.StatusPending
		j.RunAt = runAt
		j.LastError = lastError
		j.StartedAt = nil
	}
	return nil
}

func (m *MockJobStore) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.Jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MockJobStore) ListJobs(ctx context.Context, filter job.Filter) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*job.Job
	for _, j := range m.Jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].QueuedAt.After(out[b].QueuedAt) })

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MockJobStore) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RequeueCalls++
	var n int64
	for _, j := range m.Jobs {
		if j.Status == job.StatusProcessing && j.StartedAt != nil && j.StartedAt.Before(olderThan) {
			j.Status = job.StatusPending
			j.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *MockJobStore) AppendLog(ctx context.Context, entry *job.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendLogError != nil {
		return m.AppendLogError
	}

	cp := *entry
	cp.ID = int64(len(m.Logs) + 1)
	m.Logs = append(m.Logs, cp)
	return nil
}

func (m *MockJobStore) GetLogs(ctx context.Context, jobID string) ([]job.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []job.LogEntry
	for _, e := range m.Logs {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockJobStore) Close() error { return nil }

func (m *MockJobStore) JobStatus(jobID string) (job.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.Jobs[jobID]; ok {
		return j.Status, true
	}
	return "", false
}

func (m *MockJobStore) LogsForJob(jobID string) []job.LogEntry {
	logs, _ := m.GetLogs(context.Background(), jobID)
	return logs
}
