// Voxlog server: ingests voice memos over HTTP, runs the STT and
// extraction pipeline through the durable queue, and serves the REST API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/voxlog/voxlog/pkg/api"
	"github.com/voxlog/voxlog/pkg/cleanup"
	"github.com/voxlog/voxlog/pkg/config"
	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/extractor"
	"github.com/voxlog/voxlog/pkg/llm"
	"github.com/voxlog/voxlog/pkg/matcher"
	"github.com/voxlog/voxlog/pkg/push"
	"github.com/voxlog/voxlog/pkg/queue"
	"github.com/voxlog/voxlog/pkg/services"
	"github.com/voxlog/voxlog/pkg/version"
	"github.com/voxlog/voxlog/pkg/whisper"
)

func main() {
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting voxlog",
		"version", version.Full(),
		"http_port", cfg.Server.HTTPPort,
		"data_dir", cfg.Server.DataDir)

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		slog.Error("Failed to create data dir", "error", err)
		os.Exit(1)
	}

	// 2. Database (Open applies pending migrations)
	db, err := database.Open(ctx, cfg.Server.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Database ready", "path", cfg.Server.DBPath)

	// 3. Queue and stale-job recovery
	q := queue.New(db)
	if recovered, err := q.RecoverStale(ctx); err != nil {
		slog.Error("Failed to recover stale jobs", "error", err)
		os.Exit(1)
	} else if recovered > 0 {
		slog.Info("Recovered stale jobs from previous process", "count", recovered)
	}

	// 4. Domain services
	events := services.NewEventService(db)
	epics := services.NewEpicService(db)
	projections := services.NewProjectionService(db)
	runs := services.NewRunService(db)
	search := services.NewSearchService(db, projections)
	subs := services.NewPushSubscriptionService(db)

	// 5. Whisper transcriber (downloads the model on first run)
	transcriber, err := whisper.NewTranscriber(cfg.Whisper)
	if err != nil {
		slog.Error("Failed to initialize transcriber", "error", err)
		os.Exit(1)
	}
	slog.Info("Transcriber ready", "model", cfg.Whisper.Model)

	// 6. LLM supervisor. A failed start is not fatal: extract jobs retry
	// with backoff until the server is brought up via the admin API.
	supervisor := llm.NewSupervisor(cfg.LLM, "")
	if err := supervisor.Start(ctx, llm.StartOptions{}); err != nil {
		slog.Warn("LLM server not started; extraction will retry", "error", err)
	}

	// 7. Pipeline workers on the runner pool
	m := matcher.New(db, epics)
	ext := extractor.New(db, supervisor, events, epics, projections, m, q)
	sender := push.NewSender(cfg.Push, subs)
	sweeper := cleanup.NewSweepWorker(cfg.Retention, events, runs, q)

	pool := queue.NewPool(q, cfg.Queue)
	pool.Register(whisper.NewSTTWorker(transcriber, events, runs, q, cfg.Retention.TranscriptTTL))
	pool.Register(extractor.NewExtractWorker(ext, events, runs))
	pool.Register(extractor.NewReprocessWorker(ext, events, runs))
	pool.Register(push.NewWorker(sender, subs, runs))
	pool.Register(sweeper)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start runner pool", "error", err)
		os.Exit(1)
	}

	// 8. TTL sweep scheduler
	cleanupService := cleanup.NewService(cfg.Retention, q)
	cleanupService.Start(ctx)

	// 9. HTTP server
	server := api.NewServer(api.Deps{
		Config:      cfg,
		DB:          db,
		Events:      events,
		Epics:       epics,
		Projections: projections,
		Runs:        runs,
		Search:      search,
		Subs:        subs,
		Queue:       q,
		Pool:        pool,
		LLM:         supervisor,
		Sweeper:     sweeper,
	})
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.HTTPPort),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Voxlog started", "workers", cfg.Queue.WorkerCount)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop intake first, then drain the pipeline.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	cleanupService.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Runner pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded; in-flight jobs will be recovered on restart")
	}

	if err := supervisor.Stop(); err != nil {
		slog.Error("LLM server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
