package services

import (
	"context"
	"fmt"
	"time"

	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/models"
)

// RunService is the observability sink: one row per pipeline step, written
// on success and error paths alike.
type RunService struct {
	db *database.Client
}

// NewRunService creates a RunService.
func NewRunService(db *database.Client) *RunService {
	return &RunService{db: db}
}

// RecordRun appends a run row. Failures here must never fail the pipeline
// step that produced them; callers log and continue.
func (s *RunService) RecordRun(ctx context.Context, run *models.EventRun) error {
	_, err := s.db.DB().ExecContext(ctx,
		`INSERT INTO event_runs (event_id, job_type, status, input, output, error_message, duration_ms, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.EventID, string(run.JobType), string(run.Status),
		run.Input, run.Output, run.ErrorMessage, run.DurationMS,
		database.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// ListRuns returns the run history for an event, oldest first.
func (s *RunService) ListRuns(ctx context.Context, eventID string) ([]models.EventRun, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT id, event_id, job_type, status, input, output, error_message, duration_ms, created_at
         FROM event_runs WHERE event_id = ? ORDER BY id ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []models.EventRun
	for rows.Next() {
		var (
			r         models.EventRun
			jobType   string
			status    string
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.EventID, &jobType, &status, &r.Input, &r.Output,
			&r.ErrorMessage, &r.DurationMS, &createdAt); err != nil {
			return nil, err
		}
		r.JobType = models.JobType(jobType)
		r.Status = models.EventRunStatus(status)
		if r.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunAggregate summarises run latency and failure counts per job type for
// the admin stats endpoint.
type RunAggregate struct {
	JobType       models.JobType `json:"job_type"`
	Runs          int            `json:"runs"`
	Errors        int            `json:"errors"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	MaxDurationMS int64          `json:"max_duration_ms"`
}

// Aggregates returns per-job-type latency/failure rollups.
func (s *RunService) Aggregates(ctx context.Context) ([]RunAggregate, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT job_type, COUNT(*),
                SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
                AVG(duration_ms), MAX(duration_ms)
         FROM event_runs GROUP BY job_type ORDER BY job_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate runs: %w", err)
	}
	defer rows.Close()

	var out []RunAggregate
	for rows.Next() {
		var a RunAggregate
		var jobType string
		if err := rows.Scan(&jobType, &a.Runs, &a.Errors, &a.AvgDurationMS, &a.MaxDurationMS); err != nil {
			return nil, err
		}
		a.JobType = models.JobType(jobType)
		out = append(out, a)
	}
	return out, rows.Err()
}
