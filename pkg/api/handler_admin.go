package api

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voxlog/voxlog/pkg/llm"
	"github.com/voxlog/voxlog/pkg/models"
	"github.com/voxlog/voxlog/pkg/whisper"
)

// statsHandler handles GET /api/admin/stats: event counts, run rollups,
// queue stats, and runner health in one payload.
func (s *Server) statsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	eventCounts, err := s.events.CountByStatus(ctx)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	runAggs, err := s.runs.Aggregates(ctx)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	queueStats, err := s.queue.Stats(ctx)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	resp := gin.H{
		"events": eventCounts,
		"runs":   runAggs,
		"queue":  queueStats,
	}
	if s.pool != nil {
		if health, err := s.pool.Health(ctx); err == nil {
			resp["runner"] = health
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) queueStatsHandler(c *gin.Context) {
	stats, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) listJobsHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	status := models.JobStatus(c.Query("status"))

	jobs, err := s.queue.ListJobs(c.Request.Context(), status, limit)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// cancelJobHandler cancels a pending or retry job, and signals the runner
// when the job is already in flight on this process.
func (s *Server) cancelJobHandler(c *gin.Context) {
	id := c.Param("id")
	err := s.queue.Cancel(c.Request.Context(), id, "admin")
	if err != nil {
		// A running job cannot be cancelled in the queue, but we can still
		// signal its context.
		if s.pool != nil && s.pool.SignalCancel(id) {
			c.JSON(http.StatusOK, gin.H{"status": "cancellation signalled"})
			return
		}
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) listDeadLettersHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.queue.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": entries})
}

func (s *Server) retryDeadLetterHandler(c *gin.Context) {
	entryID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dead letter id"})
		return
	}
	job, err := s.queue.RetryDeadLetter(c.Request.Context(), entryID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": job})
}

func (s *Server) purgeJobsHandler(c *gin.Context) {
	purged, err := s.queue.PurgeOldJobs(c.Request.Context(), s.config.Retention.JobRetention)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

// expiringTranscriptsHandler lists events whose transcript TTL has elapsed
// or will elapse within the optional horizon (hours).
func (s *Server) expiringTranscriptsHandler(c *gin.Context) {
	horizon, _ := strconv.Atoi(c.DefaultQuery("within_hours", "0"))
	cutoff := time.Now().Add(time.Duration(horizon) * time.Hour)

	events, err := s.events.ListExpiring(c.Request.Context(), cutoff)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// purgeTranscriptsHandler runs a TTL sweep immediately instead of waiting
// for the scheduler.
func (s *Server) purgeTranscriptsHandler(c *gin.Context) {
	if s.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweeper is not running"})
		return
	}
	report, err := s.sweeper.Sweep(c.Request.Context())
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// whisperModelsHandler lists the whisper model catalog with download state.
func (s *Server) whisperModelsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": whisper.ListModels(s.config.Whisper.ModelsDir)})
}

// downloadModelRequest names one whisper catalog model.
type downloadModelRequest struct {
	Model string `json:"model" binding:"required"`
}

// downloadWhisperModelHandler fetches a catalog model into the models dir.
// The download runs synchronously; the catalog models are small.
func (s *Server) downloadWhisperModelHandler(c *gin.Context) {
	var req downloadModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}
	if _, err := whisper.LookupModel(req.Model); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	path, err := whisper.EnsureModel(s.config.Whisper.ModelsDir, req.Model)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": req.Model, "path": path})
}

// deleteWhisperModelHandler removes a downloaded model file. The size
// parameter is the catalog name: tiny, base, or small.
func (s *Server) deleteWhisperModelHandler(c *gin.Context) {
	info, err := whisper.LookupModel(c.Param("size"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if info.Name == s.config.Whisper.Model {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("model %s is the configured transcription model", info.Name)})
		return
	}
	if err := os.Remove(filepath.Join(s.config.Whisper.ModelsDir, info.File)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("model %s is not downloaded", info.Name)})
			return
		}
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": info.Name})
}

// llmModelsHandler lists the .gguf files available to the llm server.
func (s *Server) llmModelsHandler(c *gin.Context) {
	if s.llm == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "llm supervisor is not running"})
		return
	}
	names, err := s.llm.ListModels()
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"models": names})
}

// llmDownloadRequest fetches one .gguf into the llm models dir.
type llmDownloadRequest struct {
	URL  string `json:"url" binding:"required"`
	File string `json:"file" binding:"required"`
}

func (s *Server) llmDownloadModelHandler(c *gin.Context) {
	if s.llm == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "llm supervisor is not running"})
		return
	}
	var req llmDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url and file are required"})
		return
	}
	path, err := s.llm.DownloadModel(c.Request.Context(), req.URL, req.File)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": filepath.Base(path), "path": path})
}

func (s *Server) llmDeleteModelHandler(c *gin.Context) {
	if s.llm == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "llm supervisor is not running"})
		return
	}
	file := c.Param("file")
	if err := s.llm.DeleteModel(file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("model %s is not downloaded", file)})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": file})
}

func (s *Server) llmStatusHandler(c *gin.Context) {
	if s.llm == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "llm supervisor is not running"})
		return
	}
	c.JSON(http.StatusOK, s.llm.CheckHealth(c.Request.Context()))
}

// llmStartRequest tunes one server launch. All fields optional.
type llmStartRequest struct {
	ModelFile   string `json:"model_file"`
	ContextSize int    `json:"context_size"`
	Threads     int    `json:"threads"`
	GPULayers   int    `json:"gpu_layers"`
}

func (s *Server) llmStartHandler(c *gin.Context) {
	if s.llm == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "llm supervisor is not running"})
		return
	}
	var req llmStartRequest
	_ = c.ShouldBindJSON(&req)

	err := s.llm.Start(c.Request.Context(), llm.StartOptions{
		ModelFile:   req.ModelFile,
		ContextSize: req.ContextSize,
		Threads:     req.Threads,
		GPULayers:   req.GPULayers,
	})
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.llm.Status())
}

func (s *Server) llmStopHandler(c *gin.Context) {
	if s.llm == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "llm supervisor is not running"})
		return
	}
	if err := s.llm.Stop(); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.llm.Status())
}

func (s *Server) llmRestartHandler(c *gin.Context) {
	if s.llm == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "llm supervisor is not running"})
		return
	}
	var req llmStartRequest
	_ = c.ShouldBindJSON(&req)

	err := s.llm.Restart(c.Request.Context(), llm.StartOptions{
		ModelFile:   req.ModelFile,
		ContextSize: req.ContextSize,
		Threads:     req.Threads,
		GPULayers:   req.GPULayers,
	})
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.llm.Status())
}
