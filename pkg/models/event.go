// Package models defines the domain types shared across the pipeline.
package models

import "time"

// EventStatus is the lifecycle state of a voice memo event.
type EventStatus string

// Event lifecycle states.
const (
	EventStatusQueued       EventStatus = "queued"
	EventStatusTranscribing EventStatus = "transcribing"
	EventStatusTranscribed  EventStatus = "transcribed"
	EventStatusProcessing   EventStatus = "processing"
	EventStatusNeedsReview  EventStatus = "needs_review"
	EventStatusCompleted    EventStatus = "completed"
	EventStatusFailed       EventStatus = "failed"
)

// Event is the originating voice memo and its lifecycle state.
// AudioPath and Transcript are cleared by the TTL sweeper; the event row
// itself is never deleted by the pipeline.
type Event struct {
	ID                  string      `json:"id"`
	AudioPath           *string     `json:"audio_path,omitempty"`
	Language            string      `json:"language,omitempty"`
	Transcript          *string     `json:"transcript,omitempty"`
	TranscriptExpiresAt *time.Time  `json:"transcript_expires_at,omitempty"`
	Status              EventStatus `json:"status"`
	StatusReason        string      `json:"status_reason,omitempty"`
	DetectedCommand     *string     `json:"detected_command,omitempty"`
	EpicID              *string     `json:"epic_id,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// TranscriptPreview returns at most n characters of the transcript for
// list views. Returns "" when the transcript has been purged.
func (e *Event) TranscriptPreview(n int) string {
	if e.Transcript == nil {
		return ""
	}
	r := []rune(*e.Transcript)
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}

// EventRunStatus is the outcome recorded for one pipeline step.
type EventRunStatus string

// Event run outcomes.
const (
	RunStatusSuccess EventRunStatus = "success"
	RunStatusError   EventRunStatus = "error"
	RunStatusRetry   EventRunStatus = "retry"
)

// EventRun is one observability row per pipeline step. Input and output
// snapshots are opaque JSON text preserved for operator debugging.
type EventRun struct {
	ID           int64          `json:"id"`
	EventID      string         `json:"event_id"`
	JobType      JobType        `json:"job_type"`
	Status       EventRunStatus `json:"status"`
	Input        string         `json:"input,omitempty"`
	Output       string         `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
	CreatedAt    time.Time      `json:"created_at"`
}
