package whisper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlog/voxlog/pkg/config"
	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/models"
	"github.com/voxlog/voxlog/pkg/queue"
	"github.com/voxlog/voxlog/pkg/services"
)

func newWorkerFixture(t *testing.T) (*STTWorker, *services.EventService, *services.RunService, *queue.Queue) {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	events := services.NewEventService(db)
	runs := services.NewRunService(db)
	q := queue.New(db)
	tr := &Transcriber{
		config:    &config.WhisperConfig{CLIPath: "whisper-cli", Threads: 1, FFmpegPath: "ffmpeg"},
		modelPath: "ggml-tiny.bin",
	}
	return NewSTTWorker(tr, events, runs, q, 24*time.Hour), events, runs, q
}

func TestSTTWorkerMissingAudioIsTerminal(t *testing.T) {
	w, events, runs, q := newWorkerFixture(t)
	ctx := context.Background()

	audio := "/nonexistent/memo.wav"
	ev, err := events.CreateEvent(ctx, services.CreateEventInput{AudioPath: audio})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, ev.ID, models.JobTypeSTT,
		models.STTPayload{AudioPath: audio}, queue.EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)

	res := w.Execute(ctx, job)
	require.Error(t, res.Err)
	assert.False(t, res.Retryable, "a deleted upload never comes back")

	got, err := events.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, got.Status)
	assert.Contains(t, got.StatusReason, "audio file missing")

	history, err := runs.ListRuns(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.RunStatusError, history[0].Status)
}

func TestSTTWorkerEmptyPayloadIsTerminal(t *testing.T) {
	w, events, _, q := newWorkerFixture(t)
	ctx := context.Background()

	ev, err := events.CreateEvent(ctx, services.CreateEventInput{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, ev.ID, models.JobTypeSTT,
		models.STTPayload{}, queue.EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)

	res := w.Execute(ctx, job)
	require.Error(t, res.Err)
	assert.False(t, res.Retryable)
}
