package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voxlog/voxlog/pkg/models"
	"github.com/voxlog/voxlog/pkg/queue"
	"github.com/voxlog/voxlog/pkg/services"
)

// maxUploadBytes caps audio uploads at 100 MiB.
const maxUploadBytes = 100 << 20

// createEventHandler handles POST /api/events. The body is multipart with
// an "audio" file part and an optional "language" field. The audio lands
// under the uploads dir named after the event id, and an stt job is
// enqueued.
func (s *Server) createEventHandler(c *gin.Context) {
	ctx := c.Request.Context()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	file, err := c.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio file is required"})
		return
	}
	language := c.PostForm("language")

	uploadsDir := s.config.Server.UploadsDir()
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		abortWithServiceError(c, fmt.Errorf("failed to create uploads dir: %w", err))
		return
	}

	ev, err := s.events.CreateEvent(ctx, services.CreateEventInput{Language: language})
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	name := fmt.Sprintf("%s_%d_%s", ev.ID, time.Now().UnixMilli(), sanitizeFilename(file.Filename))
	audioPath := filepath.Join(uploadsDir, name)
	if err := c.SaveUploadedFile(file, audioPath); err != nil {
		_ = s.events.UpdateStatus(ctx, ev.ID, models.EventStatusFailed, "failed to store upload")
		abortWithServiceError(c, fmt.Errorf("failed to store upload: %w", err))
		return
	}
	if err := s.events.SetAudioPath(ctx, ev.ID, audioPath); err != nil {
		_ = os.Remove(audioPath)
		abortWithServiceError(c, err)
		return
	}

	job, err := s.queue.Enqueue(ctx, ev.ID, models.JobTypeSTT,
		models.STTPayload{AudioPath: audioPath, Language: language}, queue.EnqueueOptions{})
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"eventId": ev.ID,
		"jobId":   job.ID,
		"status":  string(models.EventStatusQueued),
	})
}

// sanitizeFilename strips path components and whitespace from an uploaded
// file name.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Join(strings.Fields(name), "_")
	if name == "" || name == "." || name == ".." {
		return "audio"
	}
	return name
}

// listEventsHandler handles GET /api/events.
func (s *Server) listEventsHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	status := models.EventStatus(c.Query("status"))

	events, err := s.events.ListEvents(c.Request.Context(), status, limit, offset)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	type listItem struct {
		*models.Event
		TranscriptPreview string `json:"transcript_preview,omitempty"`
	}
	items := make([]listItem, 0, len(events))
	for _, ev := range events {
		preview := ev.TranscriptPreview(200)
		ev.Transcript = nil
		items = append(items, listItem{Event: ev, TranscriptPreview: preview})
	}
	c.JSON(http.StatusOK, gin.H{"events": items})
}

// getEventHandler handles GET /api/events/:id: the event plus its run log,
// job history, epic candidates, and extracted projections.
func (s *Server) getEventHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	ev, err := s.events.GetEvent(ctx, id)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	runs, err := s.runs.ListRuns(ctx, id)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	jobs, err := s.queue.ListJobsForEvent(ctx, id)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	candidates, err := s.events.ListCandidates(ctx, id)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	projections, err := s.projections.ListProjections(ctx, id)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"event":       ev,
		"runs":        runs,
		"jobs":        jobs,
		"candidates":  candidates,
		"projections": projections,
	})
}

// reprocessRequest is the body of POST /api/events/:id/epic.
type reprocessRequest struct {
	EpicID string `json:"epic_id" binding:"required"`
}

// reprocessEventHandler handles POST /api/events/:id/epic: force an epic
// and re-run extraction. The matcher is bypassed for forced runs.
func (s *Server) reprocessEventHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var req reprocessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "epic_id is required"})
		return
	}

	ev, err := s.events.GetEvent(ctx, id)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if ev.Transcript == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "transcript expired; cannot reprocess"})
		return
	}
	if _, err := s.epics.GetEpic(ctx, req.EpicID); err != nil {
		abortWithServiceError(c, err)
		return
	}

	job, err := s.queue.Enqueue(ctx, id, models.JobTypeReprocess,
		models.ReprocessPayload{EpicID: req.EpicID, Transcript: *ev.Transcript},
		queue.EnqueueOptions{})
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}
