package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlog/voxlog/pkg/models"
)

func TestRecordAndListRuns(t *testing.T) {
	db := newDB(t)
	events := NewEventService(db)
	runs := NewRunService(db)
	ctx := context.Background()

	ev, err := events.CreateEvent(ctx, CreateEventInput{})
	require.NoError(t, err)

	require.NoError(t, runs.RecordRun(ctx, &models.EventRun{
		EventID:    ev.ID,
		JobType:    models.JobTypeSTT,
		Status:     models.RunStatusSuccess,
		Output:     `{"transcript_chars": 42}`,
		DurationMS: 1500,
	}))
	require.NoError(t, runs.RecordRun(ctx, &models.EventRun{
		EventID:      ev.ID,
		JobType:      models.JobTypeExtract,
		Status:       models.RunStatusError,
		ErrorMessage: "llm unreachable",
		DurationMS:   300,
	}))

	got, err := runs.ListRuns(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Oldest first.
	assert.Equal(t, models.JobTypeSTT, got[0].JobType)
	assert.Equal(t, models.RunStatusSuccess, got[0].Status)
	assert.Equal(t, models.JobTypeExtract, got[1].JobType)
	assert.Equal(t, "llm unreachable", got[1].ErrorMessage)
}

func TestRunAggregates(t *testing.T) {
	db := newDB(t)
	events := NewEventService(db)
	runs := NewRunService(db)
	ctx := context.Background()

	ev, err := events.CreateEvent(ctx, CreateEventInput{})
	require.NoError(t, err)

	for _, r := range []models.EventRun{
		{EventID: ev.ID, JobType: models.JobTypeSTT, Status: models.RunStatusSuccess, DurationMS: 100},
		{EventID: ev.ID, JobType: models.JobTypeSTT, Status: models.RunStatusError, DurationMS: 300},
		{EventID: ev.ID, JobType: models.JobTypeExtract, Status: models.RunStatusSuccess, DurationMS: 50},
	} {
		require.NoError(t, runs.RecordRun(ctx, &r))
	}

	aggs, err := runs.Aggregates(ctx)
	require.NoError(t, err)
	require.Len(t, aggs, 2)

	byType := map[models.JobType]RunAggregate{}
	for _, a := range aggs {
		byType[a.JobType] = a
	}
	stt := byType[models.JobTypeSTT]
	assert.Equal(t, 2, stt.Runs)
	assert.Equal(t, 1, stt.Errors)
	assert.InDelta(t, 200, stt.AvgDurationMS, 0.001)
	assert.Equal(t, int64(300), stt.MaxDurationMS)

	extract := byType[models.JobTypeExtract]
	assert.Equal(t, 1, extract.Runs)
	assert.Zero(t, extract.Errors)
}
