package models

import (
	"strings"
	"time"
)

// EpicStatus is the lifecycle state of an epic.
type EpicStatus string

// Epic states.
const (
	EpicStatusActive   EpicStatus = "active"
	EpicStatusArchived EpicStatus = "archived"
)

// Epic is a long-lived project container that groups projections from many
// events. Epics own their aliases; projection membership is a nullable
// reference, never ownership.
type Epic struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      EpicStatus `json:"status"`
	Aliases     []EpicAlias `json:"aliases,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EpicAlias is an alternate name for an epic. The normalised form is
// globally unique so an exact alias lookup resolves at most one epic.
type EpicAlias struct {
	ID         int64  `json:"id"`
	EpicID     string `json:"epic_id"`
	Alias      string `json:"alias"`
	Normalized string `json:"normalized"`
}

// NormalizeAlias lowercases, trims, and collapses internal whitespace.
// Both alias storage and exact-match lookups go through this.
func NormalizeAlias(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// MatchType describes how an epic candidate was found.
type MatchType string

// Candidate match types.
const (
	MatchExact MatchType = "exact"
	MatchFTS   MatchType = "fts"
)

// EpicCandidate is a ranked potential epic for an event, persisted for
// operator review. The list is rewritten whole per event.
type EpicCandidate struct {
	EventID    string    `json:"event_id"`
	EpicID     string    `json:"epic_id"`
	Title      string    `json:"title"`
	Confidence float64   `json:"confidence"`
	Rank       int       `json:"rank"`
	MatchType  MatchType `json:"match_type"`
}
