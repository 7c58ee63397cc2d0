package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/models"
)

func newDB(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))
	return db
}

func TestEventLifecycle(t *testing.T) {
	svc := NewEventService(newDB(t))
	ctx := context.Background()

	ev, err := svc.CreateEvent(ctx, CreateEventInput{AudioPath: "/data/uploads/a.m4a", Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusQueued, ev.Status)

	require.NoError(t, svc.UpdateStatus(ctx, ev.ID, models.EventStatusTranscribing, ""))
	require.NoError(t, svc.SetTranscript(ctx, ev.ID, "hello world", 14*24*time.Hour))

	got, err := svc.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusTranscribed, got.Status)
	require.NotNil(t, got.Transcript)
	assert.Equal(t, "hello world", *got.Transcript)
	require.NotNil(t, got.TranscriptExpiresAt)
	assert.WithinDuration(t, time.Now().Add(14*24*time.Hour), *got.TranscriptExpiresAt, time.Minute)
}

func TestGetEventNotFound(t *testing.T) {
	svc := NewEventService(newDB(t))
	_, err := svc.GetEvent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.UpdateStatus(context.Background(), "missing", models.EventStatusFailed, "x"), ErrNotFound)
}

func TestListEventsFiltersByStatus(t *testing.T) {
	svc := NewEventService(newDB(t))
	ctx := context.Background()

	a, err := svc.CreateEvent(ctx, CreateEventInput{})
	require.NoError(t, err)
	_, err = svc.CreateEvent(ctx, CreateEventInput{})
	require.NoError(t, err)
	require.NoError(t, svc.UpdateStatus(ctx, a.ID, models.EventStatusFailed, "boom"))

	failed, err := svc.ListEvents(ctx, models.EventStatusFailed, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, a.ID, failed[0].ID)
	assert.Equal(t, "boom", failed[0].StatusReason)

	all, err := svc.ListEvents(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestExpireTranscripts(t *testing.T) {
	svc := NewEventService(newDB(t))
	ctx := context.Background()

	expired, err := svc.CreateEvent(ctx, CreateEventInput{})
	require.NoError(t, err)
	require.NoError(t, svc.SetTranscript(ctx, expired.ID, "old", -time.Hour))

	fresh, err := svc.CreateEvent(ctx, CreateEventInput{})
	require.NoError(t, err)
	require.NoError(t, svc.SetTranscript(ctx, fresh.ID, "new", time.Hour))

	ids, err := svc.ExpireTranscripts(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{expired.ID}, ids)

	// Transcript and expiry clear together, satisfying the pairing check.
	got, err := svc.GetEvent(ctx, expired.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Transcript)
	assert.Nil(t, got.TranscriptExpiresAt)

	// Second pass is a no-op.
	ids, err = svc.ExpireTranscripts(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAssignAndClearEpic(t *testing.T) {
	db := newDB(t)
	events := NewEventService(db)
	epics := NewEpicService(db)
	ctx := context.Background()

	epic, err := epics.CreateEpic(ctx, CreateEpicInput{Title: "Migration"})
	require.NoError(t, err)
	ev, err := events.CreateEvent(ctx, CreateEventInput{})
	require.NoError(t, err)

	require.NoError(t, events.AssignEpic(ctx, ev.ID, &epic.ID))
	got, err := events.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EpicID)

	require.NoError(t, events.AssignEpic(ctx, ev.ID, nil))
	got, err = events.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, got.EpicID)
}

func TestReplaceCandidatesRewritesWholeList(t *testing.T) {
	db := newDB(t)
	events := NewEventService(db)
	epics := NewEpicService(db)
	ctx := context.Background()

	e1, err := epics.CreateEpic(ctx, CreateEpicInput{Title: "One"})
	require.NoError(t, err)
	e2, err := epics.CreateEpic(ctx, CreateEpicInput{Title: "Two"})
	require.NoError(t, err)
	ev, err := events.CreateEvent(ctx, CreateEventInput{})
	require.NoError(t, err)

	first := []models.EpicCandidate{
		{EventID: ev.ID, EpicID: e1.ID, Title: "One", Confidence: 0.8, Rank: 0, MatchType: models.MatchFTS},
		{EventID: ev.ID, EpicID: e2.ID, Title: "Two", Confidence: 0.54, Rank: 1, MatchType: models.MatchFTS},
	}
	require.NoError(t, events.ReplaceCandidates(ctx, ev.ID, first))

	second := []models.EpicCandidate{
		{EventID: ev.ID, EpicID: e2.ID, Title: "Two", Confidence: 0.95, Rank: 0, MatchType: models.MatchExact},
	}
	require.NoError(t, events.ReplaceCandidates(ctx, ev.ID, second))

	got, err := events.ListCandidates(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e2.ID, got[0].EpicID)
	assert.Equal(t, models.MatchExact, got[0].MatchType)

	require.NoError(t, events.ClearCandidates(ctx, ev.ID))
	got, err = events.ListCandidates(ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecentExcerptsTruncates(t *testing.T) {
	db := newDB(t)
	events := NewEventService(db)
	epics := NewEpicService(db)
	ctx := context.Background()

	epic, err := epics.CreateEpic(ctx, CreateEpicInput{Title: "Epic"})
	require.NoError(t, err)

	long := make([]rune, 300)
	for i := range long {
		long[i] = 'x'
	}
	ev, err := events.CreateEvent(ctx, CreateEventInput{})
	require.NoError(t, err)
	require.NoError(t, events.SetTranscript(ctx, ev.ID, string(long), time.Hour))
	require.NoError(t, events.AssignEpic(ctx, ev.ID, &epic.ID))

	excerpts, err := events.RecentExcerpts(ctx, epic.ID, 3, 200)
	require.NoError(t, err)
	require.Len(t, excerpts, 1)
	assert.Len(t, excerpts[0], 200)
}
