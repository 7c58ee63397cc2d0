package config

import "time"

// RetentionConfig controls transcript TTL and cleanup cadence.
type RetentionConfig struct {
	// TranscriptTTL is how long a transcript (and its audio) lives after
	// transcription before the sweeper purges it.
	TranscriptTTL time.Duration

	// CleanupInterval is how often the sweep job is enqueued.
	CleanupInterval time.Duration

	// JobRetention is the age past which terminal job rows are purged.
	JobRetention time.Duration
}

// loadRetentionConfig reads retention settings from the environment.
func loadRetentionConfig() (*RetentionConfig, error) {
	ttlDays, err := getEnvIntOrDefault("TRANSCRIPT_TTL_DAYS", 14)
	if err != nil {
		return nil, err
	}
	intervalHours, err := getEnvIntOrDefault("CLEANUP_INTERVAL_HOURS", 24)
	if err != nil {
		return nil, err
	}
	jobDays, err := getEnvIntOrDefault("JOB_RETENTION_DAYS", 30)
	if err != nil {
		return nil, err
	}
	return &RetentionConfig{
		TranscriptTTL:   time.Duration(ttlDays) * 24 * time.Hour,
		CleanupInterval: time.Duration(intervalHours) * time.Hour,
		JobRetention:    time.Duration(jobDays) * 24 * time.Hour,
	}, nil
}
