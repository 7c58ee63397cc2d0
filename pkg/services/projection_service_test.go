package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/models"
)

type projectionFixture struct {
	db          *database.Client
	events      *EventService
	epics       *EpicService
	projections *ProjectionService
	eventID     string
	epicID      string
}

func newProjectionFixture(t *testing.T) *projectionFixture {
	t.Helper()
	db := newDB(t)
	f := &projectionFixture{
		db:          db,
		events:      NewEventService(db),
		epics:       NewEpicService(db),
		projections: NewProjectionService(db),
	}
	ctx := context.Background()
	epic, err := f.epics.CreateEpic(ctx, CreateEpicInput{Title: "Fixture epic"})
	require.NoError(t, err)
	f.epicID = epic.ID
	ev, err := f.events.CreateEvent(ctx, CreateEventInput{})
	require.NoError(t, err)
	f.eventID = ev.ID
	return f
}

func sampleSet(eventID, epicID string) *models.ProjectionSet {
	return &models.ProjectionSet{
		Actions: []models.Action{{
			ID:            "act-1",
			SourceEventID: eventID,
			EpicID:        &epicID,
			Type:          models.ActionFollowUp,
			Title:         "Ping Dana about rollout",
			Body:          "mentioned in standup",
			Priority:      models.PriorityP1,
			Mentions:      []string{"Dana"},
		}},
		Blockers: []models.WorkItem{{
			ID: "blk-1", SourceEventID: eventID, EpicID: &epicID,
			Kind: models.KindBlocker, Description: "Waiting on infra quota",
		}},
		Dependencies: []models.WorkItem{{
			ID: "dep-1", SourceEventID: eventID, EpicID: &epicID,
			Kind: models.KindDependency, Description: "Needs schema migration",
		}},
		Issues: []models.WorkItem{{
			ID: "iss-1", SourceEventID: eventID, EpicID: &epicID,
			Kind: models.KindIssue, Description: "Flaky retries in staging",
		}},
		Knowledge: []models.KnowledgeItem{{
			ID: "kn-1", SourceEventID: eventID, EpicID: &epicID,
			Title: "Retry policy", Kind: models.KnowledgeDecision,
			Tags: []string{"queue"}, BodyMD: "backoff doubles per attempt",
		}},
	}
}

func TestReplaceProjectionsRoundTrip(t *testing.T) {
	f := newProjectionFixture(t)
	ctx := context.Background()

	require.NoError(t, f.projections.ReplaceProjections(ctx, f.eventID, sampleSet(f.eventID, f.epicID)))

	set, err := f.projections.ListProjections(ctx, f.eventID)
	require.NoError(t, err)
	require.Len(t, set.Actions, 1)
	assert.Equal(t, "Ping Dana about rollout", set.Actions[0].Title)
	assert.Equal(t, []string{"Dana"}, set.Actions[0].Mentions)
	assert.Equal(t, models.PriorityP1, set.Actions[0].Priority)
	require.Len(t, set.Blockers, 1)
	assert.Equal(t, models.WorkItemOpen, set.Blockers[0].Status)
	require.Len(t, set.Dependencies, 1)
	require.Len(t, set.Issues, 1)
	require.Len(t, set.Knowledge, 1)
	assert.Equal(t, []string{"queue"}, set.Knowledge[0].Tags)
}

// Reprocessing replaces the whole set; projections from the previous run
// must not survive.
func TestReplaceProjectionsOverwrites(t *testing.T) {
	f := newProjectionFixture(t)
	ctx := context.Background()

	require.NoError(t, f.projections.ReplaceProjections(ctx, f.eventID, sampleSet(f.eventID, f.epicID)))

	smaller := &models.ProjectionSet{
		Actions: []models.Action{{
			ID: "act-2", SourceEventID: f.eventID, EpicID: &f.epicID,
			Type: models.ActionDeadline, Title: "File report",
			Priority: models.PriorityP0,
		}},
	}
	require.NoError(t, f.projections.ReplaceProjections(ctx, f.eventID, smaller))

	set, err := f.projections.ListProjections(ctx, f.eventID)
	require.NoError(t, err)
	require.Len(t, set.Actions, 1)
	assert.Equal(t, "act-2", set.Actions[0].ID)
	assert.Empty(t, set.Blockers)
	assert.Empty(t, set.Dependencies)
	assert.Empty(t, set.Issues)
	assert.Empty(t, set.Knowledge)
}

func TestOpenActionsAndWorkItems(t *testing.T) {
	f := newProjectionFixture(t)
	ctx := context.Background()

	require.NoError(t, f.projections.ReplaceProjections(ctx, f.eventID, sampleSet(f.eventID, f.epicID)))

	actions, err := f.projections.OpenActions(ctx, f.epicID, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	blockers, err := f.projections.OpenWorkItems(ctx, models.KindBlocker, f.epicID)
	require.NoError(t, err)
	assert.Len(t, blockers, 1)

	_, err = f.projections.OpenWorkItems(ctx, models.WorkItemKind("bogus"), f.epicID)
	assert.Error(t, err)
}

func TestGetActionNotFound(t *testing.T) {
	f := newProjectionFixture(t)
	_, err := f.projections.GetAction(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEpicIDForContent(t *testing.T) {
	f := newProjectionFixture(t)
	ctx := context.Background()

	require.NoError(t, f.projections.ReplaceProjections(ctx, f.eventID, sampleSet(f.eventID, f.epicID)))

	id, err := f.projections.EpicIDForContent(ctx, database.ContentAction, "act-1")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, f.epicID, *id)

	id, err = f.projections.EpicIDForContent(ctx, database.ContentEpic, f.epicID)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, f.epicID, *id)

	_, err = f.projections.EpicIDForContent(ctx, database.ContentKnowledge, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
