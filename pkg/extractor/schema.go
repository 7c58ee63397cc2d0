// Package extractor turns transcripts into validated structured artefacts
// via the local LLM: prompt assembly, the bounded call loop, and the
// idempotent projection of results.
package extractor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Extraction is the single JSON object the model must produce.
type Extraction struct {
	Labels           []string        `json:"labels" validate:"dive,oneof=EpicUpdate KnowledgeNote ActionItem Decision Blocker Issue"`
	ResolvedEpic     *ResolvedEpic   `json:"resolved_epic" validate:"omitempty"`
	EpicMentions     []EpicMention   `json:"epic_mentions" validate:"dive"`
	NewActions       []NewAction     `json:"new_actions" validate:"dive"`
	NewDeadlines     []NewDeadline   `json:"new_deadlines" validate:"dive"`
	Blockers         []WorkItemDesc  `json:"blockers" validate:"dive"`
	Dependencies     []WorkItemDesc  `json:"dependencies" validate:"dive"`
	Issues           []WorkItemDesc  `json:"issues" validate:"dive"`
	KnowledgeItems   []NewKnowledge  `json:"knowledge_items" validate:"dive"`
	EmailDrafts      []EmailDraft    `json:"email_drafts" validate:"dive"`
	NeedsReview      bool            `json:"needs_review"`
	EvidenceSnippets []string        `json:"evidence_snippets"`
}

// ResolvedEpic is the model's epic binding, if it found one.
type ResolvedEpic struct {
	EpicID     string  `json:"epic_id" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// EpicMention is an epic named in passing, without a binding.
type EpicMention struct {
	Name       string  `json:"name" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// NewAction is one extracted follow-up.
type NewAction struct {
	Type     string   `json:"type" validate:"oneof=follow_up deadline email"`
	Title    string   `json:"title" validate:"required"`
	Priority string   `json:"priority" validate:"oneof=P0 P1 P2"`
	DueAt    string   `json:"due_at,omitempty" validate:"omitempty,iso8601date"`
	Mentions []string `json:"mentions"`
	Body     string   `json:"body"`
}

// NewDeadline is an extracted dated commitment; projected as an action of
// type deadline.
type NewDeadline struct {
	Title    string `json:"title" validate:"required"`
	Priority string `json:"priority" validate:"oneof=P0 P1 P2"`
	DueAt    string `json:"due_at" validate:"required,iso8601date"`
}

// WorkItemDesc is the shared shape of blockers, dependencies, and issues.
type WorkItemDesc struct {
	Description string `json:"description" validate:"required"`
}

// NewKnowledge is one extracted knowledge note.
type NewKnowledge struct {
	Title  string   `json:"title" validate:"required"`
	Kind   string   `json:"kind" validate:"oneof=tech decision process"`
	Tags   []string `json:"tags"`
	BodyMD string   `json:"body_md" validate:"required"`
}

// EmailDraft is projected as an action of type email with priority P2.
type EmailDraft struct {
	Subject string `json:"subject" validate:"required"`
	Body    string `json:"body" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Models emit either full timestamps or bare dates.
	_ = v.RegisterValidation("iso8601date", func(fl validator.FieldLevel) bool {
		_, err := ParseDueDate(fl.Field().String())
		return err == nil
	})
	return v
}

// ParseDueDate accepts RFC 3339 timestamps or bare ISO dates.
func ParseDueDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 date: %q", s)
}

// ParseExtraction unwraps fenced code if present, JSON-parses, and
// validates against the schema.
func ParseExtraction(raw string) (*Extraction, error) {
	text := unwrapFences(strings.TrimSpace(raw))
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	var ex Extraction
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(&ex); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(&ex); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	return &ex, nil
}

// unwrapFences strips a surrounding markdown code fence, with or without a
// language tag.
func unwrapFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := strings.TrimPrefix(s, "```")
	if i := strings.Index(body, "\n"); i >= 0 {
		// Drop the language tag line (e.g. "json").
		body = body[i+1:]
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body)
}
