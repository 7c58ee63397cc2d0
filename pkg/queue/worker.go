package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxlog/voxlog/pkg/config"
	"github.com/voxlog/voxlog/pkg/models"
)

// WorkerStatus represents the current state of a runner worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// JobRegistry resolves a claimed job's type to its worker.
type JobRegistry interface {
	WorkerFor(jobType models.JobType) (JobWorker, bool)
}

// jobRegistrar is the subset of Pool used by Worker for cancel-handle
// registration.
type jobRegistrar interface {
	JobRegistry
	RegisterJob(jobID string, cancel context.CancelFunc)
	UnregisterJob(jobID string)
}

// Worker is a single runner goroutine: it polls the queue, claims jobs,
// and dispatches them to the registered JobWorker for their type.
type Worker struct {
	id       string
	queue    *Queue
	config   *config.QueueConfig
	pool     jobRegistrar
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a runner worker.
func NewWorker(id string, q *Queue, cfg *config.QueueConfig, pool jobRegistrar) *Worker {
	return &Worker{
		id:           id,
		queue:        q,
		config:       cfg,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for its current job to finish.
// Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) {
					w.sleep(w.config.PollInterval)
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims one job and runs it to a terminal queue state.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.queue.Claim(ctx)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "job_type", job.Type, "worker_id", w.id)
	log.Info("Job claimed", "event_id", job.EventID, "attempt", job.Attempts)

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	worker, ok := w.pool.WorkerFor(job.Type)
	if !ok {
		msg := fmt.Sprintf("no worker registered for job type %q", job.Type)
		log.Error("Unroutable job", "error", msg)
		return w.queue.Fail(context.Background(), job.ID, msg, false)
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	// Register the cancel handle so runner shutdown can signal this job.
	w.pool.RegisterJob(job.ID, cancel)
	defer w.pool.UnregisterJob(job.ID)

	result := worker.Execute(jobCtx, job)
	if result == nil {
		result = Failure(fmt.Errorf("worker returned nil result"), false)
	}
	if result.Err == nil && jobCtx.Err() != nil {
		// The worker swallowed the cancellation; surface it as retryable.
		result = Failure(jobCtx.Err(), true)
	}

	// Terminal transitions use a background context; jobCtx may already
	// be cancelled.
	if result.Err != nil {
		log.Warn("Job failed", "error", result.Err, "retryable", result.Retryable)
		if err := w.queue.Fail(context.Background(), job.ID, result.Err.Error(), result.Retryable); err != nil {
			return err
		}
	} else {
		if err := w.queue.Complete(context.Background(), job.ID); err != nil {
			return err
		}
		log.Info("Job completed", "result", summarize(result.Data))
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
	return nil
}

func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}

// summarize renders a short log form of a worker result.
func summarize(data any) string {
	if data == nil {
		return ""
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
