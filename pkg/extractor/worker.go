package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxlog/voxlog/pkg/models"
	"github.com/voxlog/voxlog/pkg/queue"
	"github.com/voxlog/voxlog/pkg/services"
)

// ExtractWorker processes extract jobs produced by the STT step.
type ExtractWorker struct {
	extractor *Extractor
	events    *services.EventService
	runs      *services.RunService
}

// NewExtractWorker creates the extract queue worker.
func NewExtractWorker(e *Extractor, events *services.EventService, runs *services.RunService) *ExtractWorker {
	return &ExtractWorker{extractor: e, events: events, runs: runs}
}

// Type implements queue.JobWorker.
func (w *ExtractWorker) Type() models.JobType { return models.JobTypeExtract }

// Execute implements queue.JobWorker.
func (w *ExtractWorker) Execute(ctx context.Context, job *models.Job) *queue.Result {
	var payload models.ExtractPayload
	if err := job.DecodePayload(&payload); err != nil {
		return failJob(ctx, w.events, w.runs, job, time.Now(), fmt.Errorf("bad extract payload: %w", err), false)
	}
	return runExtraction(ctx, w.extractor, w.events, w.runs, job, payload.Transcript, nil)
}

// ReprocessWorker re-runs extraction with an operator-forced epic.
type ReprocessWorker struct {
	extractor *Extractor
	events    *services.EventService
	runs      *services.RunService
}

// NewReprocessWorker creates the reprocess queue worker.
func NewReprocessWorker(e *Extractor, events *services.EventService, runs *services.RunService) *ReprocessWorker {
	return &ReprocessWorker{extractor: e, events: events, runs: runs}
}

// Type implements queue.JobWorker.
func (w *ReprocessWorker) Type() models.JobType { return models.JobTypeReprocess }

// Execute implements queue.JobWorker.
func (w *ReprocessWorker) Execute(ctx context.Context, job *models.Job) *queue.Result {
	start := time.Now()

	var payload models.ReprocessPayload
	if err := job.DecodePayload(&payload); err != nil {
		return failJob(ctx, w.events, w.runs, job, start, fmt.Errorf("bad reprocess payload: %w", err), false)
	}
	if payload.EpicID == "" {
		return failJob(ctx, w.events, w.runs, job, start, fmt.Errorf("reprocess payload has no epic id"), false)
	}

	transcript := payload.Transcript
	if transcript == "" {
		event, err := w.events.GetEvent(ctx, job.EventID)
		if err != nil {
			return failJob(ctx, w.events, w.runs, job, start, err, true)
		}
		if event.Transcript == nil {
			return failJob(ctx, w.events, w.runs, job, start,
				fmt.Errorf("transcript expired; cannot reprocess"), false)
		}
		transcript = *event.Transcript
	}

	epicID := payload.EpicID
	return runExtraction(ctx, w.extractor, w.events, w.runs, job, transcript, &epicID)
}

// runExtraction is the shared body of the extract and reprocess workers.
func runExtraction(ctx context.Context, e *Extractor, events *services.EventService,
	runs *services.RunService, job *models.Job, transcript string, forcedEpicID *string) *queue.Result {
	start := time.Now()

	if transcript == "" {
		return failJob(ctx, events, runs, job, start, fmt.Errorf("empty transcript"), false)
	}

	outcome, err := e.ProcessEvent(ctx, job.EventID, transcript, forcedEpicID)
	if err != nil {
		return failJob(ctx, events, runs, job, start, err, IsRetryable(err))
	}

	output := map[string]any{
		"status":       string(outcome.Status),
		"llm_attempts": outcome.Attempts,
		"actions":      len(outcome.Set.Actions),
		"blockers":     len(outcome.Set.Blockers),
		"dependencies": len(outcome.Set.Dependencies),
		"issues":       len(outcome.Set.Issues),
		"knowledge":    len(outcome.Set.Knowledge),
	}
	if outcome.EpicID != nil {
		output["epic_id"] = *outcome.EpicID
	}
	recordRun(ctx, runs, job, models.RunStatusSuccess,
		map[string]any{"transcript_chars": len(transcript)}, output, "", time.Since(start))
	return queue.Success(output)
}

// failJob records the failure in the run log, marks the event failed when
// no retry is coming, and returns the queue result.
func failJob(ctx context.Context, events *services.EventService, runs *services.RunService,
	job *models.Job, start time.Time, err error, canRetry bool) *queue.Result {
	status := models.RunStatusError
	if canRetry && job.Attempts < job.MaxAttempts {
		status = models.RunStatusRetry
	} else {
		if serr := events.UpdateStatus(ctx, job.EventID, models.EventStatusFailed, err.Error()); serr != nil {
			slog.Error("Failed to mark event failed", "event_id", job.EventID, "error", serr)
		}
	}
	recordRun(ctx, runs, job, status, json.RawMessage(job.Payload), nil, err.Error(), time.Since(start))
	return queue.Failure(err, canRetry)
}

func recordRun(ctx context.Context, runs *services.RunService, job *models.Job,
	status models.EventRunStatus, input, output any, errMsg string, elapsed time.Duration) {
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
	if err := runs.RecordRun(ctx, run); err != nil {
		slog.Error("Failed to record run", "event_id", job.EventID, "job_type", job.Type, "error", err)
	}
}
