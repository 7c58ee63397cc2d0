// Package cleanup provides transcript TTL enforcement: a ticker that
// schedules sweep jobs and the worker that executes them.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxlog/voxlog/pkg/config"
	"github.com/voxlog/voxlog/pkg/models"
	"github.com/voxlog/voxlog/pkg/queue"
)

// sweepEventID is the synthetic event id sweep jobs and their run rows are
// recorded under.
const sweepEventID = "system-ttl-sweep"

// Service periodically enqueues a ttl_cleanup job so sweeps run through
// the queue like every other pipeline step and land in the run log.
type Service struct {
	config *config.RetentionConfig
	queue  *queue.Queue

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the sweep scheduler.
func NewService(cfg *config.RetentionConfig, q *queue.Queue) *Service {
	return &Service{config: cfg, queue: q}
}

// Start launches the background scheduling loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"transcript_ttl", s.config.TranscriptTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the scheduling loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.schedule(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.schedule(ctx)
		}
	}
}

// schedule enqueues one sweep unless one is already waiting or running.
func (s *Service) schedule(ctx context.Context) {
	pending, err := s.pendingSweeps(ctx)
	if err != nil {
		slog.Error("Cleanup: failed to check pending sweeps", "error", err)
		return
	}
	if pending {
		return
	}
	if _, err := s.queue.Enqueue(ctx, sweepEventID, models.JobTypeTTLCleanup,
		models.TTLCleanupPayload{}, queue.EnqueueOptions{MaxAttempts: 1}); err != nil {
		slog.Error("Cleanup: failed to enqueue sweep", "error", err)
		return
	}
	slog.Info("Cleanup: sweep scheduled")
}

func (s *Service) pendingSweeps(ctx context.Context) (bool, error) {
	jobs, err := s.queue.ListJobsForEvent(ctx, sweepEventID)
	if err != nil {
		return false, fmt.Errorf("failed to list sweep jobs: %w", err)
	}
	for _, j := range jobs {
		switch j.Status {
		case models.JobStatusPending, models.JobStatusRetry, models.JobStatusRunning:
			return true, nil
		}
	}
	return false, nil
}
