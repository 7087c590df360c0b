// Package job defines the persisted job domain model shared by the
// scheduler and storage layers.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	Status   string
	Priority int
)

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// Well-known job types registered by the scraper.
const (
	TypeBrandList    = "brand_list"
	TypeBrandDevices = "brand_devices"
	TypeDeviceSpecs  = "device_specs"
)

// Job is one row in the jobs table. It is mutated only by the scheduler
// loop; completed and failed are terminal states.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Status      Status         `json:"status"`
	Priority    Priority       `json:"priority"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	RunAt       time.Time      `json:"run_at"`
	QueuedAt    time.Time      `json:"queued_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

// EnqueueOptions carries per-enqueue overrides.
type EnqueueOptions struct {
	Deduplicate bool
	Priority    Priority
	RunAt       time.Time
	MaxAttempts int
}

// Filter narrows ListJobs results.
type Filter struct {
	Status Status
	Type   string
	Limit  int
}

// LogEntry is one append-only row of a job's structured execution history.
type LogEntry struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func New(jobType string, payload map[string]any, opts EnqueueOptions) *Job {
	now := time.Now().UTC()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     payload,
		Status:      StatusPending,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		RunAt:       runAt,
		QueuedAt:    now,
	}
}

// SerializePayload renders the payload in the canonical form used for
// dedup comparisons. encoding/json sorts map keys, so equal payloads
// always serialize identically.
func SerializePayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
