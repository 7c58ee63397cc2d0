package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// getEnvOrDefault returns the env var value, or the default when unset or
// empty.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvIntOrDefault returns the env var parsed as int, or the default when
// unset. A set-but-unparseable value is an error, not a silent fallback.
func getEnvIntOrDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

// getEnvDurationOrDefault parses the env var as an integer count of the
// given unit (e.g. WORKER_POLL_INTERVAL_MS with time.Millisecond).
func getEnvDurationOrDefault(key string, unit time.Duration, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return time.Duration(n) * unit, nil
}
