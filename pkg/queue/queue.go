package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/models"
)

// Queue is the durable job queue over the jobs table. All transitions are
// single statements or single transactions, so concurrent claimers cannot
// pick the same job.
type Queue struct {
	db *database.Client
}

// New creates a Queue.
func New(db *database.Client) *Queue {
	return &Queue{db: db}
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	MaxAttempts int
	Delay       time.Duration
}

// Enqueue inserts a new pending job scheduled at now + delay.
func (q *Queue) Enqueue(ctx context.Context, eventID string, jobType models.JobType, payload any, opts EnqueueOptions) (*models.Job, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}

	raw, err := models.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.NewString(),
		EventID:     eventID,
		Type:        jobType,
		Status:      models.JobStatusPending,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		RunAt:       now.Add(opts.Delay),
		CreatedAt:   now,
	}

	_, err = q.db.DB().ExecContext(ctx,
		`INSERT INTO jobs (id, event_id, type, status, payload, attempts, max_attempts, run_at, created_at)
         VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		job.ID, job.EventID, string(job.Type), string(job.Status), string(raw),
		job.MaxAttempts, database.FormatTime(job.RunAt), database.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}
	return job, nil
}

const jobColumns = `id, event_id, type, status, payload, attempts, max_attempts,
    run_at, started_at, completed_at, cancelled_at, cancelled_by,
    dead_letter_at, dead_letter_reason, error_message, created_at`

func scanJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	var (
		j                        models.Job
		typ, status              string
		payload                  sql.NullString
		runAt, createdAt         string
		startedAt, completedAt   sql.NullString
		cancelledAt, deadLetterAt sql.NullString
	)
	err := row.Scan(&j.ID, &j.EventID, &typ, &status, &payload, &j.Attempts, &j.MaxAttempts,
		&runAt, &startedAt, &completedAt, &cancelledAt, &j.CancelledBy,
		&deadLetterAt, &j.DeadLetterReason, &j.ErrorMessage, &createdAt)
	if err != nil {
		return nil, err
	}
	j.Type = models.JobType(typ)
	j.Status = models.JobStatus(status)
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if j.RunAt, err = database.ParseTime(runAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = database.TimeFromNull(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = database.TimeFromNull(completedAt); err != nil {
		return nil, err
	}
	if j.CancelledAt, err = database.TimeFromNull(cancelledAt); err != nil {
		return nil, err
	}
	if j.DeadLetterAt, err = database.TimeFromNull(deadLetterAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// Claim atomically takes the oldest runnable job: status pending or retry
// with run_at due. The single UPDATE…RETURNING makes the read-and-update
// indivisible. Returns ErrNoJobsAvailable when the queue is empty.
func (q *Queue) Claim(ctx context.Context) (*models.Job, error) {
	now := database.FormatTime(time.Now())
	row := q.db.DB().QueryRowContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = ?, attempts = attempts + 1
         WHERE id = (
             SELECT id FROM jobs
             WHERE status IN ('pending', 'retry') AND run_at <= ?
             ORDER BY created_at ASC LIMIT 1
         )
         RETURNING `+jobColumns, now, now)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// Complete marks a running job completed. Result snapshots live in the
// run log, not on the job row.
func (q *Queue) Complete(ctx context.Context, id string) error {
	res, err := q.db.DB().ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', completed_at = ?, error_message = ''
         WHERE id = ? AND status = 'running'`,
		database.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not running", id)
	}
	return nil
}

// Fail records a failure. Retryable failures with budget left go back to
// retry with exponential backoff (2^(attempts-1) minutes); everything else
// is marked failed and copied to the dead-letter table.
func (q *Queue) Fail(ctx context.Context, id, message string, retryable bool) error {
	tx, err := q.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin fail transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", id, err)
	}

	now := time.Now().UTC()
	if retryable && job.Attempts < job.MaxAttempts {
		delay := BackoffDelay(job.Attempts)
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'retry', run_at = ?, error_message = ? WHERE id = ?`,
			database.FormatTime(now.Add(delay)), message, id); err != nil {
			return fmt.Errorf("failed to schedule retry for job %s: %w", id, err)
		}
		return tx.Commit()
	}

	reason := "max attempts exhausted"
	if !retryable {
		reason = "non-retryable failure"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', completed_at = ?, dead_letter_at = ?,
             dead_letter_reason = ?, error_message = ? WHERE id = ?`,
		database.FormatTime(now), database.FormatTime(now), reason, message, id); err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letter_jobs (job_id, event_id, type, payload, attempts, reason, error_message, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.EventID, string(job.Type), string(job.Payload), job.Attempts,
		reason, message, database.FormatTime(now)); err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", id, err)
	}
	return tx.Commit()
}

// BackoffDelay is the retry delay after the given attempt number
// (1-based): 1, 2, 4, 8, … minutes.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(1<<(attempts-1)) * time.Minute
}

// Cancel marks a job cancelled, only while it is pending or retry.
// In-flight jobs run to completion.
func (q *Queue) Cancel(ctx context.Context, id, by string) error {
	res, err := q.db.DB().ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', cancelled_at = ?, cancelled_by = ?
         WHERE id = ? AND status IN ('pending', 'retry')`,
		database.FormatTime(time.Now()), by, id)
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := q.db.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("job %s not found", id)
		}
		return ErrNotCancellable
	}
	return nil
}

// GetJob fetches one job.
func (q *Queue) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := q.db.DB().QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return job, err
}

// ListJobs returns jobs newest-first, optionally filtered by status.
func (q *Queue) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ListJobsForEvent returns the job history of one event, oldest first.
func (q *Queue) ListJobsForEvent(ctx context.Context, eventID string) ([]*models.Job, error) {
	rows, err := q.db.DB().QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE event_id = ? ORDER BY created_at ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for event %s: %w", eventID, err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// PurgeOldJobs deletes terminal jobs (completed, failed, cancelled) whose
// completion is older than the cutoff. Idempotent.
func (q *Queue) PurgeOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := q.db.DB().ExecContext(ctx,
		`DELETE FROM jobs
         WHERE status IN ('completed', 'failed', 'cancelled')
           AND COALESCE(completed_at, cancelled_at) < ?`,
		database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge old jobs: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns counts per status plus the dead-letter depth.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	rows, err := q.db.DB().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByStatus: make(map[models.JobStatus]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[models.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := q.db.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letter_jobs`).Scan(&stats.DeadLetterSize); err != nil {
		return nil, err
	}
	return stats, nil
}

// ListDeadLetters returns dead-letter entries newest-first.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := q.db.DB().QueryContext(ctx,
		`SELECT id, job_id, event_id, type, payload, attempts, reason, error_message, created_at
         FROM dead_letter_jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetterEntry
	for rows.Next() {
		var (
			e         models.DeadLetterEntry
			typ       string
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.EventID, &typ, &payload, &e.Attempts,
			&e.Reason, &e.ErrorMessage, &createdAt); err != nil {
			return nil, err
		}
		e.Type = models.JobType(typ)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		if e.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RetryDeadLetter re-drives a dead-letter entry as a fresh pending job
// with a reset attempt budget. The entry itself is immutable and stays.
func (q *Queue) RetryDeadLetter(ctx context.Context, entryID int64) (*models.Job, error) {
	row := q.db.DB().QueryRowContext(ctx,
		`SELECT job_id, event_id, type, payload FROM dead_letter_jobs WHERE id = ?`, entryID)

	var jobID, eventID, typ string
	var payload sql.NullString
	err := row.Scan(&jobID, &eventID, &typ, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead letter entry %d not found", entryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letter entry %d: %w", entryID, err)
	}

	return q.Enqueue(ctx, eventID, models.JobType(typ), json.RawMessage(payload.String), EnqueueOptions{})
}

// RecoverStale requeues jobs left in running by a previous process: those
// with budget left go to retry immediately, the rest are dead-lettered.
// Called once at startup, before the runner starts.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	rows, err := q.db.DB().QueryContext(ctx,
		`SELECT id, attempts, max_attempts FROM jobs WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("failed to scan stale jobs: %w", err)
	}
	type stale struct {
		id       string
		attempts int
		max      int
	}
	var stales []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.attempts, &s.max); err != nil {
			_ = rows.Close()
			return 0, err
		}
		stales = append(stales, s)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := database.FormatTime(time.Now())
	for _, s := range stales {
		if s.attempts < s.max {
			if _, err := q.db.DB().ExecContext(ctx,
				`UPDATE jobs SET status = 'retry', run_at = ?, error_message = 'recovered after restart'
                 WHERE id = ? AND status = 'running'`, now, s.id); err != nil {
				return 0, fmt.Errorf("failed to recover job %s: %w", s.id, err)
			}
		} else {
			if err := q.Fail(ctx, s.id, "abandoned by previous process", false); err != nil {
				return 0, err
			}
		}
	}
	return len(stales), nil
}
