package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/models"
)

// EventService owns the events table and the per-event candidate list.
type EventService struct {
	db *database.Client
}

// NewEventService creates an EventService.
func NewEventService(db *database.Client) *EventService {
	return &EventService{db: db}
}

// CreateEventInput carries the upload metadata for a new event.
type CreateEventInput struct {
	AudioPath string
	Language  string
}

// CreateEvent inserts a new event in status queued.
func (s *EventService) CreateEvent(ctx context.Context, in CreateEventInput) (*models.Event, error) {
	now := time.Now().UTC()
	ev := &models.Event{
		ID:        uuid.NewString(),
		Language:  in.Language,
		Status:    models.EventStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.AudioPath != "" {
		ev.AudioPath = &in.AudioPath
	}

	_, err := s.db.DB().ExecContext(ctx,
		`INSERT INTO events (id, audio_path, language, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AudioPath, ev.Language, ev.Status,
		database.FormatTime(now), database.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	return ev, nil
}

const eventColumns = `id, audio_path, language, transcript, transcript_expires_at,
    status, status_reason, detected_command, epic_id, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*models.Event, error) {
	var (
		ev                       models.Event
		audioPath, transcript    sql.NullString
		expiresAt, command, epic sql.NullString
		createdAt, updatedAt     string
		status                   string
	)
	err := row.Scan(&ev.ID, &audioPath, &ev.Language, &transcript, &expiresAt,
		&status, &ev.StatusReason, &command, &epic, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ev.Status = models.EventStatus(status)
	if audioPath.Valid {
		ev.AudioPath = &audioPath.String
	}
	if transcript.Valid {
		ev.Transcript = &transcript.String
	}
	if command.Valid {
		ev.DetectedCommand = &command.String
	}
	if epic.Valid {
		ev.EpicID = &epic.String
	}
	if ev.TranscriptExpiresAt, err = database.TimeFromNull(expiresAt); err != nil {
		return nil, err
	}
	if ev.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if ev.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetEvent fetches one event by id.
func (s *EventService) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event %s: %w", id, err)
	}
	return ev, nil
}

// ListEvents returns events newest-first, optionally filtered by status.
func (s *EventService) ListEvents(ctx context.Context, status models.EventStatus, limit, offset int) ([]*models.Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SetAudioPath records where the uploaded audio landed on disk. The file
// is named after the event id, so the event row exists first.
func (s *EventService) SetAudioPath(ctx context.Context, id, path string) error {
	res, err := s.db.DB().ExecContext(ctx,
		`UPDATE events SET audio_path = ?, updated_at = ? WHERE id = ?`,
		path, database.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set audio path for event %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus transitions an event and records the reason.
func (s *EventService) UpdateStatus(ctx context.Context, id string, status models.EventStatus, reason string) error {
	res, err := s.db.DB().ExecContext(ctx,
		`UPDATE events SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, database.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update event %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTranscript stores the transcript with its TTL and moves the event to
// transcribed. Transcript and expiry are set together, never separately.
func (s *EventService) SetTranscript(ctx context.Context, id, transcript string, ttl time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(ttl)
	res, err := s.db.DB().ExecContext(ctx,
		`UPDATE events SET transcript = ?, transcript_expires_at = ?,
             status = ?, status_reason = '', updated_at = ?
         WHERE id = ?`,
		transcript, database.FormatTime(expires), string(models.EventStatusTranscribed),
		database.FormatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to store transcript for event %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignEpic binds (or clears, with nil) the resolved epic for an event.
func (s *EventService) AssignEpic(ctx context.Context, id string, epicID *string) error {
	res, err := s.db.DB().ExecContext(ctx,
		`UPDATE events SET epic_id = ?, updated_at = ? WHERE id = ?`,
		epicID, database.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to assign epic for event %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus returns event counts keyed by status.
func (s *EventService) CountByStatus(ctx context.Context) (map[models.EventStatus]int, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.EventStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.EventStatus(status)] = n
	}
	return counts, rows.Err()
}

// ExpireTranscripts atomically clears transcript and expiry on every event
// whose TTL elapsed before now, returning the affected event ids.
func (s *EventService) ExpireTranscripts(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`UPDATE events SET transcript = NULL, transcript_expires_at = NULL, updated_at = ?
         WHERE transcript IS NOT NULL AND transcript_expires_at < ?
         RETURNING id`,
		database.FormatTime(now), database.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to expire transcripts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListExpiring returns events whose transcript TTL elapses before the
// cutoff, for the admin transcripts view.
func (s *EventService) ListExpiring(ctx context.Context, cutoff time.Time) ([]*models.Event, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
         WHERE transcript IS NOT NULL AND transcript_expires_at < ?
         ORDER BY transcript_expires_at ASC`,
		database.FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ClearAudioPath nulls the audio path after the file is deleted from disk.
func (s *EventService) ClearAudioPath(ctx context.Context, id string) error {
	_, err := s.db.DB().ExecContext(ctx,
		`UPDATE events SET audio_path = NULL, updated_at = ? WHERE id = ?`,
		database.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to clear audio path for event %s: %w", id, err)
	}
	return nil
}

// ReplaceCandidates rewrites the whole candidate list for an event inside
// one transaction so reprocessing replaces stale candidates cleanly.
func (s *EventService) ReplaceCandidates(ctx context.Context, eventID string, candidates []models.EpicCandidate) error {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin candidate rewrite: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM event_epic_candidates WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to clear candidates for event %s: %w", eventID, err)
	}
	for _, c := range candidates {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_epic_candidates (event_id, epic_id, title, confidence, rank, match_type)
             VALUES (?, ?, ?, ?, ?, ?)`,
			eventID, c.EpicID, c.Title, c.Confidence, c.Rank, string(c.MatchType)); err != nil {
			return fmt.Errorf("failed to insert candidate for event %s: %w", eventID, err)
		}
	}
	return tx.Commit()
}

// ListCandidates returns the persisted candidate list ordered by rank.
func (s *EventService) ListCandidates(ctx context.Context, eventID string) ([]models.EpicCandidate, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT event_id, epic_id, title, confidence, rank, match_type
         FROM event_epic_candidates WHERE event_id = ? ORDER BY rank ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	defer rows.Close()

	var out []models.EpicCandidate
	for rows.Next() {
		var c models.EpicCandidate
		var mt string
		if err := rows.Scan(&c.EventID, &c.EpicID, &c.Title, &c.Confidence, &c.Rank, &mt); err != nil {
			return nil, err
		}
		c.MatchType = models.MatchType(mt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClearCandidates drops the candidate list once an event completes.
func (s *EventService) ClearCandidates(ctx context.Context, eventID string) error {
	_, err := s.db.DB().ExecContext(ctx,
		`DELETE FROM event_epic_candidates WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("failed to clear candidates for event %s: %w", eventID, err)
	}
	return nil
}

// RecentExcerpts returns up to limit recent transcript excerpts for an
// epic, each truncated to maxLen characters, for the extractor's snapshot.
func (s *EventService) RecentExcerpts(ctx context.Context, epicID string, limit, maxLen int) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT transcript FROM events
         WHERE epic_id = ? AND transcript IS NOT NULL
         ORDER BY created_at DESC LIMIT ?`, epicID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch excerpts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		r := []rune(t)
		if len(r) > maxLen {
			t = string(r[:maxLen])
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
