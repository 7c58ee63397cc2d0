package config

// WhisperConfig holds the speech-to-text CLI and model settings.
type WhisperConfig struct {
	// CLIPath is the whisper CLI binary. A bare name is resolved on PATH.
	CLIPath string

	// ModelsDir is where ggml model files are stored and downloaded to.
	ModelsDir string

	// Model is the model size to use: tiny, base, or small.
	Model string

	// Threads passed to the CLI with -t.
	Threads int

	// FFmpegPath is the transcode helper used to coerce uploads into
	// 16 kHz mono WAV. A bare name is resolved on PATH.
	FFmpegPath string
}

// loadWhisperConfig reads STT settings from the environment.
func loadWhisperConfig() (*WhisperConfig, error) {
	threads, err := getEnvIntOrDefault("WHISPER_THREADS", 4)
	if err != nil {
		return nil, err
	}
	return &WhisperConfig{
		CLIPath:    getEnvOrDefault("WHISPER_CLI_PATH", "whisper-cli"),
		ModelsDir:  getEnvOrDefault("WHISPER_MODELS_DIR", "models/whisper"),
		Model:      getEnvOrDefault("WHISPER_MODEL", "base"),
		Threads:    threads,
		FFmpegPath: getEnvOrDefault("FFMPEG_PATH", "ffmpeg"),
	}, nil
}
