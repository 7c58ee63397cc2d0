package services

import (
	"context"
	"errors"

	"github.com/voxlog/voxlog/pkg/database"
)

// SearchService answers ranked full-text queries for the API.
type SearchService struct {
	db          *database.Client
	projections *ProjectionService
}

// NewSearchService creates a SearchService.
func NewSearchService(db *database.Client, projections *ProjectionService) *SearchService {
	return &SearchService{db: db, projections: projections}
}

// SearchResult is one ranked hit with its resolved epic.
type SearchResult struct {
	ContentType string  `json:"content_type"`
	ContentID   string  `json:"content_id"`
	Title       string  `json:"title"`
	Snippet     string  `json:"snippet"`
	Rank        float64 `json:"rank"`
	EpicID      *string `json:"epic_id,omitempty"`
}

// Search runs a ranked query over all indexed content, optionally keeping
// only rows belonging to one epic. An empty sanitised query returns nil.
func (s *SearchService) Search(ctx context.Context, query, epicID string, limit int) ([]SearchResult, error) {
	// Over-fetch when filtering by epic so the post-filter still fills the page.
	fetchLimit := limit
	if epicID != "" {
		fetchLimit = limit * 4
	}
	hits, err := s.db.Search(ctx, query, "", fetchLimit)
	if err != nil {
		return nil, err
	}

	var out []SearchResult
	for _, h := range hits {
		hitEpic, err := s.projections.EpicIDForContent(ctx, h.ContentType, h.ContentID)
		if errors.Is(err, ErrNotFound) {
			// Index row outlived its source; a rebuild will drop it.
			continue
		}
		if err != nil {
			return nil, err
		}
		if epicID != "" && (hitEpic == nil || *hitEpic != epicID) {
			continue
		}
		out = append(out, SearchResult{
			ContentType: string(h.ContentType),
			ContentID:   h.ContentID,
			Title:       h.Title,
			Snippet:     h.Snippet,
			Rank:        h.Rank,
			EpicID:      hitEpic,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
