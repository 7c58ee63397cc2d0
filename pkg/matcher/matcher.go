// Package matcher ranks candidate epics for a transcript: an exact alias
// lookup first, then phrase-safe full-text retrieval with decayed
// confidence scores.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/models"
	"github.com/voxlog/voxlog/pkg/services"
)

// Scoring constants. FTS confidences decay linearly with rank so lower
// hits are further discounted.
const (
	exactConfidence = 0.95
	ftsTopN         = 3
	reviewThreshold = 0.80
	ambiguityGap    = 0.20

	// ftsScoreTie flags two FTS hits as indistinguishable when their raw
	// bm25 scores are this close, regardless of the assigned confidences.
	ftsScoreTie = 0.1
)

var ftsBaseConfidence = [ftsTopN]float64{0.80, 0.60, 0.40}

// Result is the ranked candidate list plus the ambiguity verdict.
type Result struct {
	Candidates  []models.EpicCandidate
	NeedsReview bool
	Gap         float64
}

// Top returns the best candidate, or nil when there is none.
func (r *Result) Top() *models.EpicCandidate {
	if len(r.Candidates) == 0 {
		return nil
	}
	return &r.Candidates[0]
}

// Matcher resolves transcripts to epic candidates.
type Matcher struct {
	db    *database.Client
	epics *services.EpicService
}

// New creates a Matcher.
func New(db *database.Client, epics *services.EpicService) *Matcher {
	return &Matcher{db: db, epics: epics}
}

// Match ranks epics for a query string. The exact-alias stage wins
// outright when it resolves an active epic; otherwise FTS supplies up to
// three decayed candidates.
func (m *Matcher) Match(ctx context.Context, eventID, query string) (*Result, error) {
	var (
		candidates []models.EpicCandidate
		rawScores  []float64
	)
	exact, err := m.matchExact(ctx, eventID, query)
	if err != nil {
		return nil, err
	}
	if exact != nil {
		candidates = []models.EpicCandidate{*exact}
	} else {
		if candidates, rawScores, err = m.matchFTS(ctx, eventID, query); err != nil {
			return nil, err
		}
	}

	result := &Result{Candidates: candidates}
	result.NeedsReview, result.Gap = assess(candidates, rawScores)
	return result, nil
}

// matchExact resolves the normalised query in the alias table. Hits on
// archived epics are ignored.
func (m *Matcher) matchExact(ctx context.Context, eventID, query string) (*models.EpicCandidate, error) {
	normalized := models.NormalizeAlias(query)
	if normalized == "" {
		return nil, nil
	}
	hit, err := m.epics.FindByAlias(ctx, normalized)
	if errors.Is(err, services.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !hit.Active {
		return nil, nil
	}
	return &models.EpicCandidate{
		EventID:    eventID,
		EpicID:     hit.EpicID,
		Title:      hit.Title,
		Confidence: exactConfidence,
		Rank:       0,
		MatchType:  models.MatchExact,
	}, nil
}

// matchFTS runs a phrase-safe query against the epic slice of the search
// index and assigns decayed confidences to the top hits. The raw bm25
// scores come back alongside the candidates for the ambiguity test.
func (m *Matcher) matchFTS(ctx context.Context, eventID, query string) ([]models.EpicCandidate, []float64, error) {
	hits, err := m.db.SearchPhrase(ctx, query, database.ContentEpic, ftsTopN*2)
	if err != nil {
		return nil, nil, fmt.Errorf("epic fts query failed: %w", err)
	}

	var (
		out    []models.EpicCandidate
		scores []float64
	)
	for _, h := range hits {
		if len(out) == ftsTopN {
			break
		}
		active, err := m.epics.IsActive(ctx, h.ContentID)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if !active {
			continue
		}
		idx := len(out)
		out = append(out, models.EpicCandidate{
			EventID:    eventID,
			EpicID:     h.ContentID,
			Title:      h.Title,
			Confidence: ftsBaseConfidence[idx] * (1 - 0.1*float64(idx)),
			Rank:       idx,
			MatchType:  models.MatchFTS,
		})
		scores = append(scores, h.Rank)
	}
	return out, scores, nil
}

// assess applies the ambiguity test: review when there are no candidates,
// a single weak one, or the top two are too close. Closeness is judged on
// the assigned confidences and, for FTS hits, on the raw bm25 scores: the
// confidence ladder spreads even near-identical hits apart, so two raw
// scores within ftsScoreTie of each other still count as ambiguous.
func assess(candidates []models.EpicCandidate, rawScores []float64) (needsReview bool, gap float64) {
	switch len(candidates) {
	case 0:
		return true, 0
	case 1:
		return candidates[0].Confidence < reviewThreshold, 0
	default:
		gap = candidates[0].Confidence - candidates[1].Confidence
		if gap < ambiguityGap {
			return true, gap
		}
		if len(rawScores) >= 2 && math.Abs(rawScores[0]-rawScores[1]) < ftsScoreTie {
			return true, gap
		}
		return false, gap
	}
}
