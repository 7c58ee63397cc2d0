package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/models"
)

// EpicService owns epics and their aliases.
type EpicService struct {
	db *database.Client
}

// NewEpicService creates an EpicService.
func NewEpicService(db *database.Client) *EpicService {
	return &EpicService{db: db}
}

// CreateEpicInput carries the fields for a new epic. The title is always
// added as an alias so exact matching works out of the box.
type CreateEpicInput struct {
	Title       string
	Description string
	Aliases     []string
}

// CreateEpic inserts an epic and its aliases in one transaction.
// A normalised alias collision returns ErrAlreadyExists.
func (s *EpicService) CreateEpic(ctx context.Context, in CreateEpicInput) (*models.Epic, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, &ValidationError{Field: "title", Message: "must not be empty"}
	}

	now := time.Now().UTC()
	epic := &models.Epic{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		Status:      models.EpicStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin epic insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO epics (id, title, description, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		epic.ID, epic.Title, epic.Description, string(epic.Status),
		database.FormatTime(now), database.FormatTime(now)); err != nil {
		return nil, fmt.Errorf("failed to insert epic: %w", err)
	}

	seen := map[string]bool{}
	for _, alias := range append([]string{in.Title}, in.Aliases...) {
		normalized := models.NormalizeAlias(alias)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO epic_aliases (epic_id, alias, normalized) VALUES (?, ?, ?)`,
			epic.ID, alias, normalized); err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("alias %q: %w", alias, ErrAlreadyExists)
			}
			return nil, fmt.Errorf("failed to insert alias %q: %w", alias, err)
		}
		epic.Aliases = append(epic.Aliases, models.EpicAlias{
			EpicID: epic.ID, Alias: alias, Normalized: normalized,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit epic insert: %w", err)
	}
	return epic, nil
}

// GetEpic fetches one epic with its aliases.
func (s *EpicService) GetEpic(ctx context.Context, id string) (*models.Epic, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT id, title, description, status, created_at, updated_at FROM epics WHERE id = ?`, id)
	epic, err := scanEpic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch epic %s: %w", id, err)
	}
	epic.Aliases, err = s.listAliases(ctx, id)
	if err != nil {
		return nil, err
	}
	return epic, nil
}

func scanEpic(row interface{ Scan(...any) error }) (*models.Epic, error) {
	var (
		epic                 models.Epic
		status               string
		createdAt, updatedAt string
	)
	if err := row.Scan(&epic.ID, &epic.Title, &epic.Description, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	epic.Status = models.EpicStatus(status)
	var err error
	if epic.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if epic.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &epic, nil
}

func (s *EpicService) listAliases(ctx context.Context, epicID string) ([]models.EpicAlias, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT id, epic_id, alias, normalized FROM epic_aliases WHERE epic_id = ? ORDER BY id`, epicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	defer rows.Close()

	var out []models.EpicAlias
	for rows.Next() {
		var a models.EpicAlias
		if err := rows.Scan(&a.ID, &a.EpicID, &a.Alias, &a.Normalized); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListEpics returns epics, optionally filtered by status.
func (s *EpicService) ListEpics(ctx context.Context, status models.EpicStatus) ([]*models.Epic, error) {
	query := `SELECT id, title, description, status, created_at, updated_at FROM epics`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list epics: %w", err)
	}
	defer rows.Close()

	var out []*models.Epic
	for rows.Next() {
		epic, err := scanEpic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, epic)
	}
	return out, rows.Err()
}

// ArchiveEpic marks an epic archived. Its projections survive.
func (s *EpicService) ArchiveEpic(ctx context.Context, id string) error {
	res, err := s.db.DB().ExecContext(ctx,
		`UPDATE epics SET status = ?, updated_at = ? WHERE id = ?`,
		string(models.EpicStatusArchived), database.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to archive epic %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddAlias attaches a new alias to an existing epic.
func (s *EpicService) AddAlias(ctx context.Context, epicID, alias string) error {
	normalized := models.NormalizeAlias(alias)
	if normalized == "" {
		return &ValidationError{Field: "alias", Message: "must not be empty"}
	}
	_, err := s.db.DB().ExecContext(ctx,
		`INSERT INTO epic_aliases (epic_id, alias, normalized) VALUES (?, ?, ?)`,
		epicID, alias, normalized)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to add alias: %w", err)
	}
	return nil
}

// AliasMatch is the result of an exact alias lookup.
type AliasMatch struct {
	EpicID string
	Title  string
	Active bool
}

// FindByAlias resolves a normalised alias to its epic, or ErrNotFound.
func (s *EpicService) FindByAlias(ctx context.Context, normalized string) (*AliasMatch, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT e.id, e.title, e.status
         FROM epic_aliases a JOIN epics e ON e.id = a.epic_id
         WHERE a.normalized = ?`, normalized)

	var m AliasMatch
	var status string
	err := row.Scan(&m.EpicID, &m.Title, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("alias lookup failed: %w", err)
	}
	m.Active = models.EpicStatus(status) == models.EpicStatusActive
	return &m, nil
}

// IsActive reports whether the epic exists and is active.
func (s *EpicService) IsActive(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT status FROM epics WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("epic status lookup failed: %w", err)
	}
	return models.EpicStatus(status) == models.EpicStatusActive, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
