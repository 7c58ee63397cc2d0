package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/voxlog/voxlog/pkg/config"
)

// JobTimeout bounds one transcription child process.
const JobTimeout = 5 * time.Minute

// killDelay is how long a child gets after SIGTERM before SIGKILL.
const killDelay = 5 * time.Second

// Transcriber runs the whisper CLI, one child process per job.
type Transcriber struct {
	config    *config.WhisperConfig
	modelPath string
}

// NewTranscriber verifies the CLI and the model, downloading the model if
// needed, and returns a ready Transcriber.
func NewTranscriber(cfg *config.WhisperConfig) (*Transcriber, error) {
	if err := probeCLI(cfg.CLIPath); err != nil {
		return nil, err
	}
	modelPath, err := EnsureModel(cfg.ModelsDir, cfg.Model)
	if err != nil {
		return nil, err
	}
	return &Transcriber{config: cfg, modelPath: modelPath}, nil
}

// ModelPath returns the resolved model file in use.
func (t *Transcriber) ModelPath() string { return t.modelPath }

// probeCLI checks the binary exists and answers a help invocation.
func probeCLI(cliPath string) error {
	resolved, err := exec.LookPath(cliPath)
	if err != nil {
		return fmt.Errorf("whisper CLI not found at %q: %w", cliPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Help exits non-zero on some builds; only a start failure matters.
	cmd := exec.CommandContext(ctx, resolved, "--help")
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return fmt.Errorf("whisper CLI at %q failed help probe: %w", resolved, err)
	}
	return nil
}

// Transcribe runs the CLI against one audio file and returns the trimmed
// transcript text.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return "", fmt.Errorf("audio file missing: %w", err)
	}

	input := audioPath
	if !strings.EqualFold(filepath.Ext(audioPath), ".wav") {
		if wav, err := t.transcode(ctx, audioPath); err != nil {
			// The CLI handles several container formats itself; keep going.
			slog.Warn("Transcode failed, passing original to CLI",
				"audio", audioPath, "error", err)
		} else {
			input = wav
			defer os.Remove(wav)
		}
	}

	outBase := input + ".transcript"
	defer os.Remove(outBase + ".txt")

	runCtx, cancel := context.WithTimeout(ctx, JobTimeout)
	defer cancel()

	args := []string{
		"-f", input,
		"-m", t.modelPath,
		"-l", language,
		"-otxt",
		"-of", outBase,
		"--no-timestamps",
		"-t", fmt.Sprintf("%d", t.config.Threads),
	}
	cmd := exec.CommandContext(runCtx, t.config.CLIPath, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("transcription timed out after %s", JobTimeout)
		}
		return "", fmt.Errorf("whisper CLI failed: %w: %s", err, firstLine(stderr.String()))
	}
	slog.Info("Transcription finished", "audio", audioPath, "duration", time.Since(start))

	if data, err := os.ReadFile(outBase + ".txt"); err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	// No side-file: fall back to parsing stdout.
	return parseStdout(stdout.String()), nil
}

// transcode produces a 16 kHz mono PCM WAV side-file next to the input.
func (t *Transcriber) transcode(ctx context.Context, audioPath string) (string, error) {
	out := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".16k.wav"
	cmd := exec.CommandContext(ctx, t.config.FFmpegPath,
		"-y", "-i", audioPath, "-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le", out)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(out)
		return "", fmt.Errorf("ffmpeg failed: %w: %s", err, firstLine(stderr.String()))
	}
	return out, nil
}

// timestampPrefix matches the "[00:00:00.000 --> 00:00:04.000]" prefix the
// CLI prints when no side-file is written.
var timestampPrefix = regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}[.,]\d{3} --> \d{2}:\d{2}:\d{2}[.,]\d{3}\]\s*`)

// parseStdout extracts transcript text from CLI standard output, stripping
// timestamps and progress noise.
func parseStdout(out string) string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if stripped := timestampPrefix.ReplaceAllString(line, ""); stripped != line {
			lines = append(lines, stripped)
			continue
		}
		// Progress and loader lines are prefixed with the binary's
		// internal module names.
		if strings.HasPrefix(line, "whisper_") || strings.HasPrefix(line, "main:") ||
			strings.HasPrefix(line, "ggml_") || strings.HasPrefix(line, "system_info:") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// firstLine trims an error stream to its first non-empty line for messages.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
