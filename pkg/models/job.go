package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType identifies which worker handles a job.
type JobType string

// Job types.
const (
	JobTypeSTT        JobType = "stt"
	JobTypeExtract    JobType = "extract"
	JobTypeReprocess  JobType = "reprocess"
	JobTypePush       JobType = "push"
	JobTypeTTLCleanup JobType = "ttl_cleanup"
)

// JobStatus is the queue state of a job.
type JobStatus string

// Job states.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetry      JobStatus = "retry"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusDeadLetter JobStatus = "dead_letter"
)

// DefaultMaxAttempts is the retry budget for a job unless the enqueuer
// overrides it.
const DefaultMaxAttempts = 3

// Job is a unit of scheduled work. Payload is an opaque JSON blob decoded
// per type at claim time.
type Job struct {
	ID               string          `json:"id"`
	EventID          string          `json:"event_id"`
	Type             JobType         `json:"type"`
	Status           JobStatus       `json:"status"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	RunAt            time.Time       `json:"run_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	CancelledBy      string          `json:"cancelled_by,omitempty"`
	DeadLetterAt     *time.Time      `json:"dead_letter_at,omitempty"`
	DeadLetterReason string          `json:"dead_letter_reason,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// DeadLetterEntry is an immutable copy of a job that exhausted its retry
// budget or was declared non-retryable, kept so the live jobs table can be
// pruned while the original payload survives for manual re-drive.
type DeadLetterEntry struct {
	ID           int64           `json:"id"`
	JobID        string          `json:"job_id"`
	EventID      string          `json:"event_id"`
	Type         JobType         `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Attempts     int             `json:"attempts"`
	Reason       string          `json:"reason"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// STTPayload is the payload for stt jobs.
type STTPayload struct {
	AudioPath string `json:"audioPath"`
	Language  string `json:"language,omitempty"`
}

// ExtractPayload is the payload for extract jobs.
type ExtractPayload struct {
	Transcript string `json:"transcript"`
	Language   string `json:"language,omitempty"`
}

// ReprocessPayload is the payload for reprocess jobs. EpicID is the forced
// epic; the matcher is bypassed.
type ReprocessPayload struct {
	EpicID     string `json:"epicId"`
	Transcript string `json:"transcript"`
}

// PushPayload is the payload for push jobs.
type PushPayload struct {
	ActionID string `json:"actionId"`
	Title    string `json:"title"`
	Priority string `json:"priority"`
}

// TTLCleanupPayload is the payload for ttl_cleanup jobs.
type TTLCleanupPayload struct {
	DryRun bool `json:"dryRun"`
}

// DecodePayload unmarshals the job payload into its per-type variant.
// Unknown job types are the caller's signal to fail the job non-retryably.
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has empty payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload for job %s: %w", j.Type, j.ID, err)
	}
	return nil
}

// MarshalPayload encodes a payload variant for enqueueing.
func MarshalPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding job payload: %w", err)
	}
	return b, nil
}
