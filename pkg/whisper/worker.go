package whisper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/voxlog/voxlog/pkg/models"
	"github.com/voxlog/voxlog/pkg/queue"
	"github.com/voxlog/voxlog/pkg/services"
)

// STTWorker processes stt jobs: transcribe the event's audio, store the
// transcript with its TTL, and enqueue the extract step.
type STTWorker struct {
	transcriber *Transcriber
	events      *services.EventService
	runs        *services.RunService
	queue       *queue.Queue
	ttl         time.Duration
}

// NewSTTWorker creates the stt queue worker.
func NewSTTWorker(t *Transcriber, events *services.EventService, runs *services.RunService, q *queue.Queue, transcriptTTL time.Duration) *STTWorker {
	return &STTWorker{transcriber: t, events: events, runs: runs, queue: q, ttl: transcriptTTL}
}

// Type implements queue.JobWorker.
func (w *STTWorker) Type() models.JobType { return models.JobTypeSTT }

// Execute implements queue.JobWorker.
func (w *STTWorker) Execute(ctx context.Context, job *models.Job) *queue.Result {
	start := time.Now()

	var payload models.STTPayload
	if err := job.DecodePayload(&payload); err != nil {
		return w.fail(ctx, job, start, fmt.Errorf("bad stt payload: %w", err), false)
	}
	if payload.AudioPath == "" {
		return w.fail(ctx, job, start, fmt.Errorf("stt payload has no audio path"), false)
	}

	if err := w.events.UpdateStatus(ctx, job.EventID, models.EventStatusTranscribing, ""); err != nil {
		return w.fail(ctx, job, start, err, true)
	}

	language := payload.Language
	if language == "" {
		language = "auto"
	}
	transcript, err := w.transcriber.Transcribe(ctx, payload.AudioPath, language)
	if err != nil {
		// Missing audio cannot be fixed by retrying.
		retryable := ctx.Err() == nil && !errors.Is(err, fs.ErrNotExist)
		return w.fail(ctx, job, start, err, retryable)
	}
	if transcript == "" {
		return w.fail(ctx, job, start, fmt.Errorf("transcription produced no text"), false)
	}

	if err := w.events.SetTranscript(ctx, job.EventID, transcript, w.ttl); err != nil {
		return w.fail(ctx, job, start, err, true)
	}

	if _, err := w.queue.Enqueue(ctx, job.EventID, models.JobTypeExtract,
		models.ExtractPayload{Transcript: transcript, Language: language},
		queue.EnqueueOptions{}); err != nil {
		return w.fail(ctx, job, start, fmt.Errorf("failed to enqueue extract: %w", err), true)
	}

	w.record(ctx, job, models.RunStatusSuccess, payload, map[string]any{
		"transcript_chars": len(transcript),
	}, "", time.Since(start))

	return queue.Success(map[string]any{"transcript_chars": len(transcript)})
}

func (w *STTWorker) fail(ctx context.Context, job *models.Job, start time.Time, err error, retryable bool) *queue.Result {
	status := models.RunStatusError
	if retryable && job.Attempts < job.MaxAttempts {
		status = models.RunStatusRetry
	} else {
		// Terminal: the event will not progress past transcription.
		if serr := w.events.UpdateStatus(ctx, job.EventID, models.EventStatusFailed, err.Error()); serr != nil {
			slog.Error("Failed to mark event failed", "event_id", job.EventID, "error", serr)
		}
	}
	w.record(ctx, job, status, json.RawMessage(job.Payload), nil, err.Error(), time.Since(start))
	return queue.Failure(err, retryable)
}

func (w *STTWorker) record(ctx context.Context, job *models.Job, status models.EventRunStatus, input, output any, errMsg string, elapsed time.Duration) {
	run := &models.EventRun{
		EventID:      job.EventID,
		JobType:      job.Type,
		Status:       status,
		ErrorMessage: errMsg,
		DurationMS:   elapsed.Milliseconds(),
	}
	if input != nil {
		if b, err := json.Marshal(input); err == nil {
			run.Input = string(b)
		}
	}
	if output != nil {
		if b, err := json.Marshal(output); err == nil {
			run.Output = string(b)
		}
	}
	if err := w.runs.RecordRun(ctx, run); err != nil {
		slog.Error("Failed to record stt run", "event_id", job.EventID, "error", err)
	}
}
