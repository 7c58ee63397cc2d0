package extractor

import (
	"time"

	"github.com/google/uuid"

	"github.com/voxlog/voxlog/pkg/models"
)

// project converts a validated extraction into the projection set for one
// event. Deadlines and email drafts become actions of their own types.
func project(eventID string, epicID *string, ex *Extraction) *models.ProjectionSet {
	now := time.Now().UTC()
	set := &models.ProjectionSet{}

	for _, a := range ex.NewActions {
		action := models.Action{
			ID:            uuid.NewString(),
			SourceEventID: eventID,
			EpicID:        epicID,
			Type:          models.ActionType(a.Type),
			Title:         a.Title,
			Body:          a.Body,
			Priority:      models.Priority(a.Priority),
			Mentions:      a.Mentions,
			CreatedAt:     now,
		}
		if a.DueAt != "" {
			if t, err := ParseDueDate(a.DueAt); err == nil {
				action.DueAt = &t
			}
		}
		set.Actions = append(set.Actions, action)
	}

	for _, d := range ex.NewDeadlines {
		due, err := ParseDueDate(d.DueAt)
		action := models.Action{
			ID:            uuid.NewString(),
			SourceEventID: eventID,
			EpicID:        epicID,
			Type:          models.ActionDeadline,
			Title:         d.Title,
			Priority:      models.Priority(d.Priority),
			CreatedAt:     now,
		}
		if err == nil {
			action.DueAt = &due
		}
		set.Actions = append(set.Actions, action)
	}

	for _, draft := range ex.EmailDrafts {
		set.Actions = append(set.Actions, models.Action{
			ID:            uuid.NewString(),
			SourceEventID: eventID,
			EpicID:        epicID,
			Type:          models.ActionEmail,
			Title:         draft.Subject,
			Body:          draft.Body,
			Priority:      models.PriorityP2,
			CreatedAt:     now,
		})
	}

	set.Blockers = workItems(eventID, epicID, models.KindBlocker, ex.Blockers, now)
	set.Dependencies = workItems(eventID, epicID, models.KindDependency, ex.Dependencies, now)
	set.Issues = workItems(eventID, epicID, models.KindIssue, ex.Issues, now)

	for _, k := range ex.KnowledgeItems {
		set.Knowledge = append(set.Knowledge, models.KnowledgeItem{
			ID:            uuid.NewString(),
			SourceEventID: eventID,
			EpicID:        epicID,
			Title:         k.Title,
			Kind:          models.KnowledgeKind(k.Kind),
			Tags:          k.Tags,
			BodyMD:        k.BodyMD,
			CreatedAt:     now,
		})
	}
	return set
}

func workItems(eventID string, epicID *string, kind models.WorkItemKind, descs []WorkItemDesc, now time.Time) []models.WorkItem {
	out := make([]models.WorkItem, 0, len(descs))
	for _, d := range descs {
		out = append(out, models.WorkItem{
			ID:            uuid.NewString(),
			Kind:          kind,
			SourceEventID: eventID,
			EpicID:        epicID,
			Description:   d.Description,
			Status:        models.WorkItemOpen,
			CreatedAt:     now,
		})
	}
	return out
}
