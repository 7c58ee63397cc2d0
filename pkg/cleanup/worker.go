package cleanup

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/voxlog/voxlog/pkg/config"
	"github.com/voxlog/voxlog/pkg/models"
	"github.com/voxlog/voxlog/pkg/queue"
	"github.com/voxlog/voxlog/pkg/services"
)

// SweepWorker executes ttl_cleanup jobs: expire transcripts, delete their
// audio files, and purge old terminal job rows.
type SweepWorker struct {
	config *config.RetentionConfig
	events *services.EventService
	runs   *services.RunService
	queue  *queue.Queue
}

// NewSweepWorker creates the ttl_cleanup queue worker.
func NewSweepWorker(cfg *config.RetentionConfig, events *services.EventService,
	runs *services.RunService, q *queue.Queue) *SweepWorker {
	return &SweepWorker{config: cfg, events: events, runs: runs, queue: q}
}

// Type implements queue.JobWorker.
func (w *SweepWorker) Type() models.JobType { return models.JobTypeTTLCleanup }

// SweepReport is the output snapshot of one sweep.
type SweepReport struct {
	Expired     int      `json:"expired"`
	AudioErrors []string `json:"audio_errors,omitempty"`
	PurgedJobs  int64    `json:"purged_jobs"`
	DryRun      bool     `json:"dry_run,omitempty"`
}

// Execute implements queue.JobWorker.
func (w *SweepWorker) Execute(ctx context.Context, job *models.Job) *queue.Result {
	var payload models.TTLCleanupPayload
	if err := job.DecodePayload(&payload); err != nil {
		return queue.Failure(err, false)
	}

	if payload.DryRun {
		expiring, err := w.events.ListExpiring(ctx, time.Now())
		if err != nil {
			return queue.Failure(err, true)
		}
		return queue.Success(&SweepReport{Expired: len(expiring), DryRun: true})
	}

	report, err := w.Sweep(ctx)
	if err != nil {
		return queue.Failure(err, true)
	}
	return queue.Success(report)
}

// Sweep runs one pass. Audio deletion errors are collected per event, not
// fatal to the pass.
func (w *SweepWorker) Sweep(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	report := &SweepReport{}

	ids, err := w.events.ExpireTranscripts(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	report.Expired = len(ids)

	for _, id := range ids {
		w.purgeAudio(ctx, id, report, start)
	}

	purged, err := w.queue.PurgeOldJobs(ctx, w.config.JobRetention)
	if err != nil {
		slog.Error("Sweep: job purge failed", "error", err)
	} else {
		report.PurgedJobs = purged
	}

	slog.Info("Sweep finished", "expired", report.Expired,
		"audio_errors", len(report.AudioErrors), "purged_jobs", report.PurgedJobs)
	return report, nil
}

// purgeAudio deletes one event's audio file, clears its path, and writes
// the per-event run row.
func (w *SweepWorker) purgeAudio(ctx context.Context, eventID string, report *SweepReport, start time.Time) {
	run := &models.EventRun{
		EventID:    eventID,
		JobType:    models.JobTypeTTLCleanup,
		Status:     models.RunStatusSuccess,
		DurationMS: time.Since(start).Milliseconds(),
	}

	event, err := w.events.GetEvent(ctx, eventID)
	if err != nil {
		run.Status = models.RunStatusError
		run.ErrorMessage = err.Error()
	} else if event.AudioPath != nil {
		if err := os.Remove(*event.AudioPath); err != nil {
			// Includes files already gone from disk.
			report.AudioErrors = append(report.AudioErrors, err.Error())
			run.Status = models.RunStatusError
			run.ErrorMessage = err.Error()
		}
		if err := w.events.ClearAudioPath(ctx, eventID); err != nil {
			run.Status = models.RunStatusError
			run.ErrorMessage = err.Error()
		}
	}

	if out, err := json.Marshal(map[string]any{"transcript_purged": true}); err == nil {
		run.Output = string(out)
	}
	if err := w.runs.RecordRun(ctx, run); err != nil {
		slog.Error("Sweep: failed to record run", "event_id", eventID, "error", err)
	}
}
