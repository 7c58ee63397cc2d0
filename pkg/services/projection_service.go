package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/models"
)

// ProjectionService owns the typed projection tables derived from events.
type ProjectionService struct {
	db *database.Client
}

// NewProjectionService creates a ProjectionService.
func NewProjectionService(db *database.Client) *ProjectionService {
	return &ProjectionService{db: db}
}

var workItemTables = map[models.WorkItemKind]string{
	models.KindBlocker:    "blockers",
	models.KindDependency: "dependencies",
	models.KindIssue:      "issues",
}

// ReplaceProjections deletes every projection row for the event and writes
// the new set, all inside one transaction. Running it twice with the same
// set yields the same rows (modulo generated ids), which is what makes
// reprocessing idempotent.
func (s *ProjectionService) ReplaceProjections(ctx context.Context, eventID string, set *models.ProjectionSet) error {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin projection rewrite: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"actions", "blockers", "dependencies", "issues", "knowledge_items"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE source_event_id = ?`, eventID); err != nil {
			return fmt.Errorf("failed to clear %s for event %s: %w", table, eventID, err)
		}
	}

	now := database.FormatTime(time.Now())
	for _, a := range set.Actions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO actions (id, source_event_id, epic_id, type, title, body, priority, due_at, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, eventID, a.EpicID, string(a.Type), a.Title, a.Body,
			string(a.Priority), database.FormatTimePtr(a.DueAt), now); err != nil {
			return fmt.Errorf("failed to insert action: %w", err)
		}
		for _, name := range a.Mentions {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO action_mentions (action_id, name) VALUES (?, ?)`,
				a.ID, name); err != nil {
				return fmt.Errorf("failed to insert mention: %w", err)
			}
		}
	}

	insertItems := func(items []models.WorkItem) error {
		for _, it := range items {
			table, ok := workItemTables[it.Kind]
			if !ok {
				return fmt.Errorf("unknown work item kind %q", it.Kind)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO `+table+` (id, source_event_id, epic_id, description, status, created_at)
                 VALUES (?, ?, ?, ?, ?, ?)`,
				it.ID, eventID, it.EpicID, it.Description, string(models.WorkItemOpen), now); err != nil {
				return fmt.Errorf("failed to insert %s: %w", it.Kind, err)
			}
		}
		return nil
	}
	if err := insertItems(set.Blockers); err != nil {
		return err
	}
	if err := insertItems(set.Dependencies); err != nil {
		return err
	}
	if err := insertItems(set.Issues); err != nil {
		return err
	}

	for _, k := range set.Knowledge {
		tags := k.Tags
		if tags == nil {
			tags = []string{}
		}
		tagJSON, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO knowledge_items (id, source_event_id, epic_id, title, kind, tags, body_md, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			k.ID, eventID, k.EpicID, k.Title, string(k.Kind), string(tagJSON), k.BodyMD, now); err != nil {
			return fmt.Errorf("failed to insert knowledge item: %w", err)
		}
	}

	return tx.Commit()
}

// ListProjections loads the full projection set for an event.
func (s *ProjectionService) ListProjections(ctx context.Context, eventID string) (*models.ProjectionSet, error) {
	set := &models.ProjectionSet{}

	actions, err := s.listActions(ctx, `source_event_id = ?`, eventID)
	if err != nil {
		return nil, err
	}
	set.Actions = actions

	for kind, table := range workItemTables {
		items, err := s.listWorkItems(ctx, kind, table, `source_event_id = ?`, eventID)
		if err != nil {
			return nil, err
		}
		switch kind {
		case models.KindBlocker:
			set.Blockers = items
		case models.KindDependency:
			set.Dependencies = items
		case models.KindIssue:
			set.Issues = items
		}
	}

	knowledge, err := s.listKnowledge(ctx, `source_event_id = ?`, eventID)
	if err != nil {
		return nil, err
	}
	set.Knowledge = knowledge
	return set, nil
}

// GetAction fetches one action with its mentions.
func (s *ProjectionService) GetAction(ctx context.Context, id string) (*models.Action, error) {
	actions, err := s.listActions(ctx, `id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, ErrNotFound
	}
	return &actions[0], nil
}

// OpenActions returns up to limit open (not completed) actions for an
// epic, newest first. Used for the extractor's epic snapshot.
func (s *ProjectionService) OpenActions(ctx context.Context, epicID string, limit int) ([]models.Action, error) {
	return s.listActions(ctx,
		`epic_id = ? AND completed_at IS NULL ORDER BY created_at DESC LIMIT `+fmt.Sprint(limit), epicID)
}

// OpenWorkItems returns open blockers/dependencies/issues for an epic.
func (s *ProjectionService) OpenWorkItems(ctx context.Context, kind models.WorkItemKind, epicID string) ([]models.WorkItem, error) {
	table, ok := workItemTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown work item kind %q", kind)
	}
	return s.listWorkItems(ctx, kind, table, `epic_id = ? AND status = 'open'`, epicID)
}

func (s *ProjectionService) listActions(ctx context.Context, where string, args ...any) ([]models.Action, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT id, source_event_id, epic_id, type, title, body, priority, due_at, completed_at, created_at
         FROM actions WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var out []models.Action
	for rows.Next() {
		var (
			a                 models.Action
			epicID            sql.NullString
			typ, prio         string
			dueAt, completed  sql.NullString
			createdAt         string
		)
		if err := rows.Scan(&a.ID, &a.SourceEventID, &epicID, &typ, &a.Title, &a.Body,
			&prio, &dueAt, &completed, &createdAt); err != nil {
			return nil, err
		}
		a.Type = models.ActionType(typ)
		a.Priority = models.Priority(prio)
		if epicID.Valid {
			a.EpicID = &epicID.String
		}
		if a.DueAt, err = database.TimeFromNull(dueAt); err != nil {
			return nil, err
		}
		if a.CompletedAt, err = database.TimeFromNull(completed); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		mentions, err := s.listMentions(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Mentions = mentions
	}
	return out, nil
}

func (s *ProjectionService) listMentions(ctx context.Context, actionID string) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT name FROM action_mentions WHERE action_id = ? ORDER BY name`, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mentions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *ProjectionService) listWorkItems(ctx context.Context, kind models.WorkItemKind, table, where string, args ...any) ([]models.WorkItem, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT id, source_event_id, epic_id, description, status, resolved_at, created_at
         FROM `+table+` WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var out []models.WorkItem
	for rows.Next() {
		var (
			it         models.WorkItem
			epicID     sql.NullString
			status     string
			resolvedAt sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&it.ID, &it.SourceEventID, &epicID, &it.Description,
			&status, &resolvedAt, &createdAt); err != nil {
			return nil, err
		}
		it.Kind = kind
		it.Status = models.WorkItemStatus(status)
		if epicID.Valid {
			it.EpicID = &epicID.String
		}
		if it.ResolvedAt, err = database.TimeFromNull(resolvedAt); err != nil {
			return nil, err
		}
		if it.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *ProjectionService) listKnowledge(ctx context.Context, where string, args ...any) ([]models.KnowledgeItem, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT id, source_event_id, epic_id, title, kind, tags, body_md, created_at
         FROM knowledge_items WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge items: %w", err)
	}
	defer rows.Close()

	var out []models.KnowledgeItem
	for rows.Next() {
		var (
			k         models.KnowledgeItem
			epicID    sql.NullString
			kind      string
			tags      string
			createdAt string
		)
		if err := rows.Scan(&k.ID, &k.SourceEventID, &epicID, &k.Title, &kind, &tags, &k.BodyMD, &createdAt); err != nil {
			return nil, err
		}
		k.Kind = models.KnowledgeKind(kind)
		if epicID.Valid {
			k.EpicID = &epicID.String
		}
		if err := json.Unmarshal([]byte(tags), &k.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags for %s: %w", k.ID, err)
		}
		if k.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// EpicIDForContent resolves the epic a search hit belongs to. Returns nil
// when the row has no epic, ErrNotFound when the source row is gone.
func (s *ProjectionService) EpicIDForContent(ctx context.Context, contentType database.ContentType, contentID string) (*string, error) {
	var table string
	switch contentType {
	case database.ContentAction:
		table = "actions"
	case database.ContentKnowledge:
		table = "knowledge_items"
	case database.ContentEpic:
		return &contentID, nil
	default:
		return nil, fmt.Errorf("unknown content type %q", contentType)
	}

	var epicID sql.NullString
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT epic_id FROM `+table+` WHERE id = ?`, contentID).Scan(&epicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("epic lookup for %s/%s failed: %w", contentType, contentID, err)
	}
	if !epicID.Valid {
		return nil, nil
	}
	return &epicID.String, nil
}
