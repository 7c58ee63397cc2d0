// Package queue provides the durable job queue and its polling runner.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/voxlog/voxlog/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no runnable jobs are in the queue.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrNotCancellable indicates the job is not in a cancellable state.
	ErrNotCancellable = errors.New("job is not in a cancellable state")
)

// Result is what a JobWorker returns. Retryable failures go back to the
// queue with backoff; non-retryable ones dead-letter immediately.
type Result struct {
	Data      any
	Err       error
	Retryable bool
}

// Success builds a successful result.
func Success(data any) *Result {
	return &Result{Data: data}
}

// Failure builds a failed result.
func Failure(err error, retryable bool) *Result {
	return &Result{Err: err, Retryable: retryable}
}

// JobWorker processes jobs of a single type. Workers must not panic; they
// report failures through the Result.
type JobWorker interface {
	Type() models.JobType
	Execute(ctx context.Context, job *models.Job) *Result
}

// Stats summarises the queue for the admin surface.
type Stats struct {
	ByStatus       map[models.JobStatus]int `json:"by_status"`
	DeadLetterSize int                      `json:"dead_letter_size"`
}

// WorkerHealth is the health snapshot of a single runner worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}

// PoolHealth is the health snapshot of the whole runner.
type PoolHealth struct {
	IsHealthy     bool           `json:"is_healthy"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	QueueDepth    int            `json:"queue_depth"`
	RunningJobs   int            `json:"running_jobs"`
	MaxConcurrent int            `json:"max_concurrent"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}
