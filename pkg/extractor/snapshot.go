package extractor

import (
	"context"
	"fmt"

	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/models"
)

// Snapshot assembly limits.
const (
	maxSnapshotActions  = 10
	maxRecentExcerpts   = 3
	excerptMaxLen       = 200
	maxKnowledgeMatches = 5
)

// buildSnapshot assembles the epic context block for the prompt.
func (e *Extractor) buildSnapshot(ctx context.Context, epicID string) (*EpicSnapshot, error) {
	epic, err := e.epics.GetEpic(ctx, epicID)
	if err != nil {
		return nil, fmt.Errorf("failed to load epic %s: %w", epicID, err)
	}

	snap := &EpicSnapshot{EpicID: epic.ID, Title: epic.Title}
	for _, a := range epic.Aliases {
		snap.Aliases = append(snap.Aliases, a.Alias)
	}

	for _, kind := range []models.WorkItemKind{models.KindBlocker, models.KindDependency, models.KindIssue} {
		items, err := e.projections.OpenWorkItems(ctx, kind, epicID)
		if err != nil {
			return nil, err
		}
		descs := make([]string, 0, len(items))
		for _, it := range items {
			descs = append(descs, it.Description)
		}
		switch kind {
		case models.KindBlocker:
			snap.OpenBlockers = descs
		case models.KindDependency:
			snap.OpenDeps = descs
		case models.KindIssue:
			snap.OpenIssues = descs
		}
	}

	actions, err := e.projections.OpenActions(ctx, epicID, maxSnapshotActions)
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		snap.OpenActions = append(snap.OpenActions, a.Title)
	}

	excerpts, err := e.events.RecentExcerpts(ctx, epicID, maxRecentExcerpts, excerptMaxLen)
	if err != nil {
		return nil, err
	}
	snap.RecentExcerpts = excerpts
	return snap, nil
}

// knowledgeSnippets returns the top FTS-matching knowledge notes for a
// transcript, formatted for the prompt.
func (e *Extractor) knowledgeSnippets(ctx context.Context, transcript string) ([]string, error) {
	hits, err := e.db.Search(ctx, transcript, database.ContentKnowledge, maxKnowledgeMatches)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, fmt.Sprintf("%s: %s", h.Title, h.Snippet))
	}
	return out, nil
}
