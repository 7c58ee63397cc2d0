package models

import "time"

// ActionType distinguishes the three kinds of action projections.
type ActionType string

// Action types.
const (
	ActionFollowUp ActionType = "follow_up"
	ActionDeadline ActionType = "deadline"
	ActionEmail    ActionType = "email"
)

// Priority is the action priority band.
type Priority string

// Priorities, highest first.
const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// Action is a projection of an event: a follow-up, deadline, or email
// draft. Actions cascade-delete with their source event.
type Action struct {
	ID            string     `json:"id"`
	SourceEventID string     `json:"source_event_id"`
	EpicID        *string    `json:"epic_id,omitempty"`
	Type          ActionType `json:"type"`
	Title         string     `json:"title"`
	Body          string     `json:"body,omitempty"`
	Priority      Priority   `json:"priority"`
	DueAt         *time.Time `json:"due_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Mentions      []string   `json:"mentions,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// WorkItemStatus is shared by blockers, dependencies, and issues.
type WorkItemStatus string

// Work item states.
const (
	WorkItemOpen     WorkItemStatus = "open"
	WorkItemResolved WorkItemStatus = "resolved"
)

// WorkItemKind names the three description-only projection tables.
type WorkItemKind string

// Work item kinds.
const (
	KindBlocker    WorkItemKind = "blocker"
	KindDependency WorkItemKind = "dependency"
	KindIssue      WorkItemKind = "issue"
)

// WorkItem is a blocker, dependency, or issue projection. All three carry
// the same shape and live in separate tables.
type WorkItem struct {
	ID            string         `json:"id"`
	Kind          WorkItemKind   `json:"kind"`
	SourceEventID string         `json:"source_event_id"`
	EpicID        *string        `json:"epic_id,omitempty"`
	Description   string         `json:"description"`
	Status        WorkItemStatus `json:"status"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// KnowledgeKind classifies a knowledge note.
type KnowledgeKind string

// Knowledge kinds.
const (
	KnowledgeTech     KnowledgeKind = "tech"
	KnowledgeDecision KnowledgeKind = "decision"
	KnowledgeProcess  KnowledgeKind = "process"
)

// KnowledgeItem is a markdown note extracted from a transcript. Tags
// serialise as a compact JSON array.
type KnowledgeItem struct {
	ID            string        `json:"id"`
	SourceEventID string        `json:"source_event_id"`
	EpicID        *string       `json:"epic_id,omitempty"`
	Title         string        `json:"title"`
	Kind          KnowledgeKind `json:"kind"`
	Tags          []string      `json:"tags,omitempty"`
	BodyMD        string        `json:"body_md"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ProjectionSet is everything one extract/reprocess pass wrote for an
// event. The projector replaces the whole set atomically.
type ProjectionSet struct {
	Actions      []Action        `json:"actions"`
	Blockers     []WorkItem      `json:"blockers"`
	Dependencies []WorkItem      `json:"dependencies"`
	Issues       []WorkItem      `json:"issues"`
	Knowledge    []KnowledgeItem `json:"knowledge"`
}
