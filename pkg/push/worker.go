package push

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

// Worker processes push jobs emitted by the extractor for urgent actions.
// The sent ledger makes delivery exactly-once per (action, type) even when
// events are reprocessed.
type Worker struct {
	sender *Sender
	subs   *services.PushSubscriptionService
	runs   *services.RunService
}

// NewWorker creates the push queue worker.
func NewWorker(sender *Sender, subs *services.PushSubscriptionService, runs *services.RunService) *Worker {
	return &Worker{sender: sender, subs: subs, runs: runs}
}

// Type implements queue.JobWorker.
func (w *Worker) Type() models.JobType { return models.JobTypePush }

// Execute implements queue.JobWorker.
func (w *Worker) Execute(ctx context.Context, job *models.Job) *queue.Result {
	start := time.Now()

	var payload models.PushPayload
	if err := job.DecodePayload(&payload); err != nil {
		return queue.Failure(fmt.Errorf("bad push payload: %w", err), false)
	}
	if payload.ActionID == "" {
		return queue.Failure(fmt.Errorf("push payload has no action id"), false)
	}

	// Claim the ledger entry first; a reprocessed event enqueues the same
	// action again and must not notify twice.
	fresh, err := w.subs.MarkSent(ctx, payload.ActionID, job.EventID, models.NotificationActionCreated)
	if err != nil {
		return queue.Failure(err, true)
	}
	if !fresh {
		w.record(ctx, job, models.RunStatusSuccess, &payload, map[string]any{"deduplicated": true}, "", start)
		return queue.Success(map[string]any{"deduplicated": true})
	}

	result, err := w.sender.FanOut(ctx, &Notification{
		Type:     models.NotificationActionCreated,
		ActionID: payload.ActionID,
		EventID:  job.EventID,
		Title:    payload.Title,
		Priority: payload.Priority,
	})
	if err != nil {
		w.record(ctx, job, models.RunStatusError, &payload, nil, err.Error(), start)
		return queue.Failure(err, true)
	}

	w.record(ctx, job, models.RunStatusSuccess, &payload, result, "", start)
	return queue.Success(result)
}

func (w *Worker) record(ctx context.Context, job *models.Job, status models.EventRunStatus,
	input, output any, errMsg string, start time.Time) {
	run := &models.EventRun{
		EventID:      job.EventID,
		JobType:      job.Type,
		Status:       status,
		ErrorMessage: errMsg,
		DurationMS:   time.Since(start).Milliseconds(),
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
		slog.Error("Failed to record push run", "event_id", job.EventID, "error", err)
	}
}
