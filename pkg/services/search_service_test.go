package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlog/voxlog/pkg/models"
)

func TestSearchFiltersByEpic(t *testing.T) {
	f := newProjectionFixture(t)
	ctx := context.Background()

	other, err := f.epics.CreateEpic(ctx, CreateEpicInput{Title: "Other epic"})
	require.NoError(t, err)
	ev2, err := f.events.CreateEvent(ctx, CreateEventInput{})
	require.NoError(t, err)

	require.NoError(t, f.projections.ReplaceProjections(ctx, f.eventID, &models.ProjectionSet{
		Actions: []models.Action{{
			ID: "act-a", SourceEventID: f.eventID, EpicID: &f.epicID,
			Type: models.ActionFollowUp, Title: "Review deployment checklist",
			Priority: models.PriorityP2,
		}},
	}))
	require.NoError(t, f.projections.ReplaceProjections(ctx, ev2.ID, &models.ProjectionSet{
		Actions: []models.Action{{
			ID: "act-b", SourceEventID: ev2.ID, EpicID: &other.ID,
			Type: models.ActionFollowUp, Title: "Review budget deployment",
			Priority: models.PriorityP2,
		}},
	}))

	search := NewSearchService(f.db, f.projections)

	all, err := search.Search(ctx, "deployment", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, err := search.Search(ctx, "deployment", other.ID, 10)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "act-b", scoped[0].ContentID)
	require.NotNil(t, scoped[0].EpicID)
	assert.Equal(t, other.ID, *scoped[0].EpicID)
}

func TestSearchSkipsStaleIndexRows(t *testing.T) {
	f := newProjectionFixture(t)
	ctx := context.Background()

	require.NoError(t, f.projections.ReplaceProjections(ctx, f.eventID, &models.ProjectionSet{
		Knowledge: []models.KnowledgeItem{{
			ID: "kn-stale", SourceEventID: f.eventID, EpicID: &f.epicID,
			Title: "Orphan note", Kind: models.KnowledgeTech, BodyMD: "stale content",
		}},
	}))

	// Remove the source row without touching the index; the hit must be
	// silently dropped, not surfaced or turned into an error.
	_, err := f.db.DB().ExecContext(ctx, `DELETE FROM knowledge_items WHERE id = 'kn-stale'`)
	require.NoError(t, err)
	_, err = f.db.DB().ExecContext(ctx,
		`INSERT INTO search_index (content_type, content_id, title, content)
         VALUES ('knowledge', 'kn-stale', 'Orphan note', 'stale content')`)
	require.NoError(t, err)

	search := NewSearchService(f.db, f.projections)
	hits, err := search.Search(ctx, "stale", "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchHonoursLimit(t *testing.T) {
	f := newProjectionFixture(t)
	ctx := context.Background()

	var actions []models.Action
	for i := 0; i < 5; i++ {
		actions = append(actions, models.Action{
			ID: "act-" + string(rune('a'+i)), SourceEventID: f.eventID, EpicID: &f.epicID,
			Type: models.ActionFollowUp, Title: "Common keyword rollout",
			Priority: models.PriorityP2,
		})
	}
	require.NoError(t, f.projections.ReplaceProjections(ctx, f.eventID, &models.ProjectionSet{Actions: actions}))

	search := NewSearchService(f.db, f.projections)
	hits, err := search.Search(ctx, "rollout", "", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}
