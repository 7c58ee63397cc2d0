// Package llm supervises the local llama.cpp server child process and
// exposes its chat-completions endpoint to the extractor.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/voxlog/voxlog/pkg/config"
)

// State is the supervisor lifecycle state.
type State string

// Supervisor states.
const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateUnhealthy State = "unhealthy"
)

// ErrNotReady is returned by ChatCompletions when the server is not in the
// ready state. Callers treat it as retryable and let queue backoff absorb
// the outage.
var ErrNotReady = errors.New("llm server is not ready")

// startupDeadline bounds how long we poll health after spawning the child.
const startupDeadline = 2 * time.Minute

// stopKillDelay is how long the child gets after SIGTERM before SIGKILL.
const stopKillDelay = 10 * time.Second

// StartOptions tune one server launch. Zero values fall back to config.
type StartOptions struct {
	ModelFile   string // file name under the models dir; empty = first .gguf
	ContextSize int
	Threads     int
	GPULayers   int
}

// Status is the supervisor snapshot for the admin surface.
type Status struct {
	State       State      `json:"state"`
	ModelFile   string     `json:"model_file,omitempty"`
	Port        int        `json:"port"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UptimeSec   int64      `json:"uptime_sec"`
	LastHealthy *time.Time `json:"last_healthy,omitempty"`
}

// Supervisor owns one long-lived llama.cpp server bound to loopback.
type Supervisor struct {
	config     *config.LLMConfig
	serverBin  string
	httpClient *http.Client

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	cancel      context.CancelFunc
	modelFile   string
	startedAt   time.Time
	lastHealthy time.Time
	waitDone    chan struct{}
}

// NewSupervisor creates a stopped supervisor. serverBin is the llama.cpp
// server binary; a bare name is resolved on PATH at start.
func NewSupervisor(cfg *config.LLMConfig, serverBin string) *Supervisor {
	if serverBin == "" {
		serverBin = "llama-server"
	}
	return &Supervisor{
		config:     cfg,
		serverBin:  serverBin,
		state:      StateStopped,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (s *Supervisor) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.config.ServerPort)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the supervisor snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state, ModelFile: s.modelFile, Port: s.config.ServerPort}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
		if s.state == StateReady || s.state == StateUnhealthy {
			st.UptimeSec = int64(time.Since(s.startedAt).Seconds())
		}
	}
	if !s.lastHealthy.IsZero() {
		t := s.lastHealthy
		st.LastHealthy = &t
	}
	return st
}

// Start spawns the server child and polls its health endpoint until ready
// or the start-up deadline elapses. Starting an already-running server is
// an error; use Restart.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("llm server already %s", s.state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	modelPath, err := s.resolveModel(opts.ModelFile)
	if err != nil {
		s.setState(StateStopped)
		return err
	}

	ctxSize := opts.ContextSize
	if ctxSize <= 0 {
		ctxSize = s.config.ContextSize
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = s.config.Threads
	}
	gpuLayers := opts.GPULayers
	if gpuLayers < 0 {
		gpuLayers = s.config.GPULayers
	}

	args := []string{
		"-m", modelPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(s.config.ServerPort),
		"-c", strconv.Itoa(ctxSize),
		"-t", strconv.Itoa(threads),
		"-ngl", strconv.Itoa(gpuLayers),
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.serverBin, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = stopKillDelay

	slog.Info("Starting llm server", "model", filepath.Base(modelPath),
		"port", s.config.ServerPort, "ctx", ctxSize, "threads", threads, "ngl", gpuLayers)
	if err := cmd.Start(); err != nil {
		cancel()
		s.setState(StateStopped)
		return fmt.Errorf("failed to start llm server: %w", err)
	}

	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		if err := cmd.Wait(); err != nil && procCtx.Err() == nil {
			slog.Error("LLM server exited unexpectedly", "error", err)
			s.setState(StateUnhealthy)
		}
	}()

	s.mu.Lock()
	s.cmd = cmd
	s.cancel = cancel
	s.modelFile = filepath.Base(modelPath)
	s.startedAt = time.Now()
	s.waitDone = waitDone
	s.mu.Unlock()

	if err := s.awaitReady(ctx); err != nil {
		_ = s.Stop()
		return fmt.Errorf("llm server did not become ready: %w", err)
	}
	s.setState(StateReady)
	slog.Info("LLM server ready", "port", s.config.ServerPort)
	return nil
}

// awaitReady polls the health endpoint until it answers 200.
func (s *Supervisor) awaitReady(ctx context.Context) error {
	deadline, cancel := context.WithTimeout(ctx, startupDeadline)
	defer cancel()

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(0)), deadline)
	return backoff.Retry(func() error {
		return s.probeHealth(deadline)
	}, policy)
}

// probeHealth does one GET on the health path and records success.
func (s *Supervisor) probeHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL()+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %s", resp.Status)
	}
	s.mu.Lock()
	s.lastHealthy = time.Now()
	s.mu.Unlock()
	return nil
}

// CheckHealth probes the server once and updates the cached state: a
// running server that fails the probe becomes unhealthy, an unhealthy one
// that passes becomes ready again.
func (s *Supervisor) CheckHealth(ctx context.Context) Status {
	state := s.State()
	if state == StateReady || state == StateUnhealthy {
		if err := s.probeHealth(ctx); err != nil {
			s.setState(StateUnhealthy)
		} else {
			s.setState(StateReady)
		}
	}
	return s.Status()
}

// Stop terminates the child gracefully, escalating to SIGKILL after the
// deadline. Stopping a stopped server is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	waitDone := s.waitDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if waitDone != nil {
		<-waitDone
	}

	s.mu.Lock()
	s.state = StateStopped
	s.cmd = nil
	s.cancel = nil
	s.waitDone = nil
	s.modelFile = ""
	s.startedAt = time.Time{}
	s.mu.Unlock()
	slog.Info("LLM server stopped")
	return nil
}

// Restart stops then starts. Idempotent when currently stopped.
func (s *Supervisor) Restart(ctx context.Context, opts StartOptions) error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start(ctx, opts)
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// resolveModel turns a model file name into a full path, defaulting to the
// lexically first .gguf in the models dir.
func (s *Supervisor) resolveModel(name string) (string, error) {
	if name != "" {
		path := filepath.Join(s.config.ModelsDir, filepath.Base(name))
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("model file %s not found: %w", name, err)
		}
		return path, nil
	}

	entries, err := os.ReadDir(s.config.ModelsDir)
	if err != nil {
		return "", fmt.Errorf("failed to read models dir: %w", err)
	}
	var ggufs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".gguf") {
			ggufs = append(ggufs, e.Name())
		}
	}
	if len(ggufs) == 0 {
		return "", fmt.Errorf("no .gguf model files in %s", s.config.ModelsDir)
	}
	sort.Strings(ggufs)
	return filepath.Join(s.config.ModelsDir, ggufs[0]), nil
}

// DownloadModel fetches a .gguf over HTTP into the models dir. The body
// streams to a .tmp side-file renamed into place on success.
func (s *Supervisor) DownloadModel(ctx context.Context, rawURL, file string) (string, error) {
	file = filepath.Base(file)
	if !strings.HasSuffix(file, ".gguf") {
		return "", fmt.Errorf("model file must end in .gguf, got %q", file)
	}
	if err := os.MkdirAll(s.config.ModelsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create models dir: %w", err)
	}
	path := filepath.Join(s.config.ModelsDir, file)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 30 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s fetching %s", resp.Status, file)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	slog.Info("LLM model downloaded", "file", file, "bytes", n)
	return path, nil
}

// DeleteModel removes a .gguf from the models dir. The model loaded by a
// running server cannot be deleted.
func (s *Supervisor) DeleteModel(file string) error {
	file = filepath.Base(file)
	if !strings.HasSuffix(file, ".gguf") {
		return fmt.Errorf("model file must end in .gguf, got %q", file)
	}
	s.mu.Lock()
	inUse := s.state != StateStopped && s.modelFile == file
	s.mu.Unlock()
	if inUse {
		return fmt.Errorf("model %s is loaded by the running server", file)
	}
	return os.Remove(filepath.Join(s.config.ModelsDir, file))
}

// ListModels reports the .gguf files available to the server.
func (s *Supervisor) ListModels() ([]string, error) {
	entries, err := os.ReadDir(s.config.ModelsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".gguf") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
