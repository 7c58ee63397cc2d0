package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlog/voxlog/pkg/config"
	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/models"
	"github.com/voxlog/voxlog/pkg/queue"
	"github.com/voxlog/voxlog/pkg/services"
)

type apiFixture struct {
	server *Server
	router *gin.Engine
	db     *database.Client
	events *services.EventService
	epics  *services.EpicService
	queue  *queue.Queue
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	dataDir := t.TempDir()
	cfg := &config.Config{
		Server: &config.ServerConfig{
			HTTPPort: 8080,
			DataDir:  dataDir,
			DBPath:   filepath.Join(dataDir, "test.db"),
		},
		Queue: &config.QueueConfig{
			WorkerCount:   1,
			MaxConcurrent: 1,
			PollInterval:  10 * time.Millisecond,
			JobTimeout:    time.Second,
		},
		Retention: &config.RetentionConfig{
			TranscriptTTL:   14 * 24 * time.Hour,
			CleanupInterval: 24 * time.Hour,
			JobRetention:    30 * 24 * time.Hour,
		},
		Whisper: &config.WhisperConfig{ModelsDir: filepath.Join(dataDir, "models")},
		LLM:     &config.LLMConfig{ModelsDir: filepath.Join(dataDir, "llm")},
		Push:    &config.PushConfig{},
	}

	events := services.NewEventService(db)
	epics := services.NewEpicService(db)
	projections := services.NewProjectionService(db)
	q := queue.New(db)

	f := &apiFixture{
		db:     db,
		events: events,
		epics:  epics,
		queue:  q,
	}
	f.server = NewServer(Deps{
		Config:      cfg,
		DB:          db,
		Events:      events,
		Epics:       epics,
		Projections: projections,
		Runs:        services.NewRunService(db),
		Search:      services.NewSearchService(db, projections),
		Subs:        services.NewPushSubscriptionService(db),
		Queue:       q,
		Pool:        nil,
		LLM:         nil,
		Sweeper:     nil,
	})
	f.router = f.server.Handler()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateEventUploadsAudioAndEnqueues(t *testing.T) {
	f := newAPIFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "memo one.m4a")
	require.NoError(t, err)
	_, err = part.Write([]byte("not really audio"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("language", "en"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/events", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeBody(t, w)
	eventID := body["eventId"].(string)
	require.NotEmpty(t, eventID)
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["jobId"])

	// Audio landed in the uploads dir, named after the event id with the
	// original name sanitised.
	ev, err := f.events.GetEvent(context.Background(), eventID)
	require.NoError(t, err)
	require.NotNil(t, ev.AudioPath)
	audioPath := *ev.AudioPath
	assert.Contains(t, filepath.Base(audioPath), eventID+"_")
	assert.Contains(t, audioPath, "memo_one.m4a")
	_, err = os.Stat(audioPath)
	require.NoError(t, err)

	// One stt job with the audio path in its payload.
	jobs, err := f.queue.ListJobsForEvent(context.Background(), eventID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobTypeSTT, jobs[0].Type)

	var payload models.STTPayload
	require.NoError(t, jobs[0].DecodePayload(&payload))
	assert.Equal(t, audioPath, payload.AudioPath)
	assert.Equal(t, "en", payload.Language)
}

func TestCreateEventRequiresAudio(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/api/events", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetEventDetail(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	ev, err := f.events.CreateEvent(ctx, services.CreateEventInput{Language: "en"})
	require.NoError(t, err)
	require.NoError(t, f.events.SetTranscript(ctx, ev.ID, "standup notes", time.Hour))

	w := f.do(t, http.MethodGet, "/api/events/"+ev.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, ev.ID, body["event"].(map[string]any)["id"])
	assert.Contains(t, body, "runs")
	assert.Contains(t, body, "jobs")
	assert.Contains(t, body, "candidates")
	assert.Contains(t, body, "projections")
}

func TestGetEventNotFound(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/events/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReprocessEvent(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	epic, err := f.epics.CreateEpic(ctx, services.CreateEpicInput{Title: "Rollout"})
	require.NoError(t, err)
	ev, err := f.events.CreateEvent(ctx, services.CreateEventInput{})
	require.NoError(t, err)
	require.NoError(t, f.events.SetTranscript(ctx, ev.ID, "talk about rollout", time.Hour))

	w := f.do(t, http.MethodPost, "/api/events/"+ev.ID+"/epic", gin.H{"epic_id": epic.ID})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	jobs, err := f.queue.ListJobsForEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobTypeReprocess, jobs[0].Type)

	var payload models.ReprocessPayload
	require.NoError(t, jobs[0].DecodePayload(&payload))
	assert.Equal(t, epic.ID, payload.EpicID)
	assert.Equal(t, "talk about rollout", payload.Transcript)
}

func TestReprocessExpiredTranscriptConflicts(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	epic, err := f.epics.CreateEpic(ctx, services.CreateEpicInput{Title: "Rollout"})
	require.NoError(t, err)
	ev, err := f.events.CreateEvent(ctx, services.CreateEventInput{})
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/events/"+ev.ID+"/epic", gin.H{"epic_id": epic.ID})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestReprocessUnknownEpic(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	ev, err := f.events.CreateEvent(ctx, services.CreateEventInput{})
	require.NoError(t, err)
	require.NoError(t, f.events.SetTranscript(ctx, ev.ID, "text", time.Hour))

	w := f.do(t, http.MethodPost, "/api/events/"+ev.ID+"/epic", gin.H{"epic_id": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEpicLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/epics", gin.H{
		"title":   "Billing Migration",
		"aliases": []string{"billing"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	epicID := decodeBody(t, w)["id"].(string)

	// Duplicate alias collides.
	w = f.do(t, http.MethodPost, "/api/epics", gin.H{"title": "Billing"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/epics/"+epicID+"/aliases", gin.H{"alias": "stripe work"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodGet, "/api/epics/"+epicID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body, "open_actions")
	assert.Contains(t, body, "open_items")

	w = f.do(t, http.MethodPost, "/api/epics/"+epicID+"/archive", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/epics?status=active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody(t, w)["epics"])
}

func TestSearchRequiresQuery(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/search", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/search?q=anything", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(0), body["count"])
}

func TestPushSubscriptionEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	// Push is not configured in the fixture.
	w := f.do(t, http.MethodGet, "/api/push/vapid-key", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/push/subscriptions", gin.H{
		"endpoint": "https://push.example/abc",
		"keys":     gin.H{"p256dh": "k1", "auth": "k2"},
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodDelete, "/api/push/subscriptions", gin.H{
		"endpoint": "https://push.example/abc",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminQueueEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, "ev-1", models.JobTypeSTT, models.STTPayload{AudioPath: "/x"}, queue.EnqueueOptions{})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/admin/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/admin/queue/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["jobs"], 1)

	w = f.do(t, http.MethodPost, "/api/admin/queue/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/admin/queue/dead-letters", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/admin/queue/dead-letters/bogus/retry", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/admin/queue/purge", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminStats(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body, "events")
	assert.Contains(t, body, "queue")
}

func TestAdminTranscripts(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	ev, err := f.events.CreateEvent(ctx, services.CreateEventInput{})
	require.NoError(t, err)
	require.NoError(t, f.events.SetTranscript(ctx, ev.ID, "old", -time.Hour))

	w := f.do(t, http.MethodGet, "/api/admin/transcripts/expiring", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	// No sweeper wired in the fixture.
	w = f.do(t, http.MethodPost, "/api/admin/transcripts/purge", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminWhisperModels(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/admin/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Len(t, body["models"], 3)
}

func TestAdminModelDownloadValidation(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/admin/models/download", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/admin/models/download", gin.H{"model": "enormous"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminModelDelete(t *testing.T) {
	f := newAPIFixture(t)
	modelsDir := f.server.config.Whisper.ModelsDir
	require.NoError(t, os.MkdirAll(modelsDir, 0o755))

	// Unknown size and not-downloaded model.
	w := f.do(t, http.MethodDelete, "/api/admin/models/enormous", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodDelete, "/api/admin/models/tiny", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// A downloaded model file is removed from disk.
	path := filepath.Join(modelsDir, "ggml-tiny.bin")
	require.NoError(t, os.WriteFile(path, []byte("stub"), 0o644))
	w = f.do(t, http.MethodDelete, "/api/admin/models/tiny", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAdminModelDeleteRefusesConfiguredModel(t *testing.T) {
	f := newAPIFixture(t)
	f.server.config.Whisper.Model = "base"

	w := f.do(t, http.MethodDelete, "/api/admin/models/base", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdminLLMModelEndpointsWithoutSupervisor(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/admin/models/llm/download", gin.H{
		"url": "http://127.0.0.1:1/m.gguf", "file": "m.gguf",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, http.MethodDelete, "/api/admin/models/llm/m.gguf", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, http.MethodGet, "/api/admin/llm/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}
