package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxlog/voxlog/pkg/config"
	"github.com/voxlog/voxlog/pkg/models"
)

// Pool manages the runner workers and the job-type registry. It also keeps
// the cancel handles of in-flight jobs so shutdown and admin cancellation
// can signal them.
type Pool struct {
	queue   *Queue
	config  *config.QueueConfig
	workers []*Worker

	mu       sync.RWMutex
	registry map[models.JobType]JobWorker
	active   map[string]context.CancelFunc
	started  bool
}

// NewPool creates a runner pool. Workers are not started until Start.
func NewPool(q *Queue, cfg *config.QueueConfig) *Pool {
	return &Pool{
		queue:    q,
		config:   cfg,
		registry: make(map[models.JobType]JobWorker),
		active:   make(map[string]context.CancelFunc),
	}
}

// Register installs the worker for its job type. Later registrations for
// the same type replace earlier ones.
func (p *Pool) Register(worker JobWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registry[worker.Type()] = worker
}

// WorkerFor returns the registered worker for a job type.
func (p *Pool) WorkerFor(jobType models.JobType) (JobWorker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.registry[jobType]
	return w, ok
}

// RegisterJob records the cancel handle for an in-flight job.
func (p *Pool) RegisterJob(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[jobID] = cancel
}

// UnregisterJob removes a job's cancel handle once it leaves the running
// state.
func (p *Pool) UnregisterJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, jobID)
}

// SignalCancel cancels the context of a running job, if it is in flight on
// this runner. Returns true when a handle was found.
func (p *Pool) SignalCancel(jobID string) bool {
	p.mu.RLock()
	cancel, ok := p.active[jobID]
	p.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// Start launches the configured number of workers. Calling Start twice is
// an error.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("runner pool already started")
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.config.WorkerCount; i++ {
		w := NewWorker(fmt.Sprintf("worker-%d", i+1), p.queue, p.config, p)
		p.workers = append(p.workers, w)
		w.Start(ctx)
	}
	slog.Info("Runner pool started", "workers", p.config.WorkerCount)
	return nil
}

// Stop signals every in-flight job to cancel, then waits for all workers
// to exit. The caller bounds the wait with its shutdown deadline.
func (p *Pool) Stop() {
	p.mu.RLock()
	for id, cancel := range p.active {
		slog.Info("Cancelling in-flight job for shutdown", "job_id", id)
		cancel()
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	slog.Info("Runner pool stopped")
}

// Health assembles the runner health snapshot for the admin surface.
func (p *Pool) Health(ctx context.Context) (*PoolHealth, error) {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}

	health := &PoolHealth{
		TotalWorkers:  len(p.workers),
		MaxConcurrent: p.config.MaxConcurrent,
		QueueDepth:    stats.ByStatus[models.JobStatusPending] + stats.ByStatus[models.JobStatusRetry],
		RunningJobs:   stats.ByStatus[models.JobStatusRunning],
	}
	for _, w := range p.workers {
		wh := w.Health()
		health.WorkerStats = append(health.WorkerStats, wh)
		if wh.Status == string(WorkerStatusWorking) {
			health.ActiveWorkers++
		}
	}
	health.IsHealthy = len(p.workers) > 0
	return health, nil
}
