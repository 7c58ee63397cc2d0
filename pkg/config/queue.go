package config

import "time"

// QueueConfig contains queue and runner configuration. These values control
// how jobs are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of runner goroutines. Each worker
	// independently polls and processes jobs, so this is also the
	// concurrent job ceiling.
	WorkerCount int

	// MaxConcurrent mirrors WorkerCount for health reporting.
	MaxConcurrent int

	// PollInterval is how long an idle worker sleeps between claims.
	PollInterval time.Duration

	// JobTimeout bounds a single job execution. Transcription of a long
	// memo is the slowest path, so the default is generous.
	JobTimeout time.Duration

	// GracefulShutdownTimeout is the max time to wait for in-flight jobs
	// during shutdown before the process exits anyway.
	GracefulShutdownTimeout time.Duration
}

// loadQueueConfig reads queue settings from the environment.
func loadQueueConfig() (*QueueConfig, error) {
	workers, err := getEnvIntOrDefault("WORKER_MAX_CONCURRENT", 2)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}
	poll, err := getEnvDurationOrDefault("WORKER_POLL_INTERVAL_MS", time.Millisecond, 3*time.Second)
	if err != nil {
		return nil, err
	}
	return &QueueConfig{
		WorkerCount:             workers,
		MaxConcurrent:           workers,
		PollInterval:            poll,
		JobTimeout:              10 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
	}, nil
}
