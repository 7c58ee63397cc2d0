// Package config loads all service configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
)

// Config is the umbrella configuration object returned by Load and passed
// to the composition root.
type Config struct {
	Server    *ServerConfig
	Queue     *QueueConfig
	Retention *RetentionConfig
	Whisper   *WhisperConfig
	LLM       *LLMConfig
	Push      *PushConfig
}

// Load reads a .env file if present, then resolves every section from the
// environment. Missing optional values fall back to defaults; malformed
// values are errors.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}
	queue, err := loadQueueConfig()
	if err != nil {
		return nil, err
	}
	retention, err := loadRetentionConfig()
	if err != nil {
		return nil, err
	}
	whisper, err := loadWhisperConfig()
	if err != nil {
		return nil, err
	}
	llm, err := loadLLMConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Queue:     queue,
		Retention: retention,
		Whisper:   whisper,
		LLM:       llm,
		Push:      loadPushConfig(),
	}, nil
}
