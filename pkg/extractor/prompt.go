package extractor

import (
	"fmt"
	"strings"
)

// systemPrompt fixes the output contract for every extraction call.
const systemPrompt = `You are an extraction engine for work voice memos.
Respond with a SINGLE JSON object and nothing else: no prose, no markdown,
no code fences.

Rules:
- "labels" may only contain: EpicUpdate, KnowledgeNote, ActionItem, Decision, Blocker, Issue.
- All dates are ISO-8601 (YYYY-MM-DD or full RFC 3339 timestamps).
- Only extract what the transcript states; do not invent details.
- When unsure about the epic binding or any extraction, set "needs_review": true.
- Omit nothing the schema requires; use empty arrays rather than null.`

// schemaDescription is the schema shown to the model in the user prompt.
const schemaDescription = `{
  "labels": ["EpicUpdate|KnowledgeNote|ActionItem|Decision|Blocker|Issue"],
  "resolved_epic": {"epic_id": "string", "confidence": 0.0} | null,
  "epic_mentions": [{"name": "string", "confidence": 0.0}],
  "new_actions": [{"type": "follow_up|deadline|email", "title": "string", "priority": "P0|P1|P2", "due_at": "YYYY-MM-DD", "mentions": ["string"], "body": "string"}],
  "new_deadlines": [{"title": "string", "priority": "P0|P1|P2", "due_at": "YYYY-MM-DD"}],
  "blockers": [{"description": "string"}],
  "dependencies": [{"description": "string"}],
  "issues": [{"description": "string"}],
  "knowledge_items": [{"title": "string", "kind": "tech|decision|process", "tags": ["string"], "body_md": "string"}],
  "email_drafts": [{"subject": "string", "body": "string"}],
  "needs_review": false,
  "evidence_snippets": ["string"]
}`

// EpicSnapshot is the context block injected when the event is bound to an
// epic.
type EpicSnapshot struct {
	EpicID         string
	Title          string
	Aliases        []string
	OpenBlockers   []string
	OpenDeps       []string
	OpenIssues     []string
	OpenActions    []string // up to 10 titles
	RecentExcerpts []string // up to 3, each <= 200 chars
}

// buildUserPrompt assembles the schema, optional epic snapshot, knowledge
// snippets, and the transcript into one user message.
func buildUserPrompt(snapshot *EpicSnapshot, knowledgeSnippets []string, transcript string) string {
	var b strings.Builder

	b.WriteString("Output JSON schema:\n")
	b.WriteString(schemaDescription)
	b.WriteString("\n")

	if snapshot != nil {
		b.WriteString("\nCurrent epic context:\n")
		fmt.Fprintf(&b, "- epic_id: %s\n- title: %s\n", snapshot.EpicID, snapshot.Title)
		writeList(&b, "aliases", snapshot.Aliases)
		writeList(&b, "open blockers", snapshot.OpenBlockers)
		writeList(&b, "open dependencies", snapshot.OpenDeps)
		writeList(&b, "open issues", snapshot.OpenIssues)
		writeList(&b, "open actions", snapshot.OpenActions)
		writeList(&b, "recent memo excerpts", snapshot.RecentExcerpts)
	}

	if len(knowledgeSnippets) > 0 {
		b.WriteString("\nRelated knowledge notes:\n")
		for _, s := range knowledgeSnippets {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	b.WriteString("\nTranscript:\n")
	b.WriteString(transcript)
	return b.String()
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "- %s:\n", label)
	for _, item := range items {
		fmt.Fprintf(b, "  - %s\n", item)
	}
}

// retryResponseLimit caps how much of a bad response is echoed back.
const retryResponseLimit = 500

// buildRetryPrompt names the validation failure and restates the contract,
// echoing a truncated copy of the previous response.
func buildRetryPrompt(prevResponse string, validationErr error) string {
	trimmed := prevResponse
	if len(trimmed) > retryResponseLimit {
		trimmed = trimmed[:retryResponseLimit] + "…"
	}
	var b strings.Builder
	b.WriteString("Your previous response was invalid.\n\nResponse (truncated):\n")
	b.WriteString(trimmed)
	fmt.Fprintf(&b, "\n\nError: %v\n\n", validationErr)
	b.WriteString("Reply again with a SINGLE valid JSON object matching the schema. ")
	b.WriteString("No prose, no code fences, empty arrays instead of null.")
	return b.String()
}
