package extractor

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/llm"
	"github.com/voxlog/voxlog/pkg/matcher"
	"github.com/voxlog/voxlog/pkg/models"
	"github.com/voxlog/voxlog/pkg/queue"
	"github.com/voxlog/voxlog/pkg/services"
)

// Call loop tuning.
const (
	maxLLMAttempts = 3
	temperature    = 0.1
	maxTokens      = 2048
)

// bindConfidence is the minimum resolved-epic confidence that overrides an
// ambiguous matcher verdict.
const bindConfidence = 0.80

// ChatClient is the slice of the LLM supervisor the extractor needs.
type ChatClient interface {
	ChatCompletions(ctx context.Context, messages []llm.Message, opts llm.CompletionOptions) (string, error)
}

// Extractor runs the extract/reprocess pipeline step: prompt, call,
// validate, project, mark.
type Extractor struct {
	db          *database.Client
	llm         ChatClient
	events      *services.EventService
	epics       *services.EpicService
	projections *services.ProjectionService
	matcher     *matcher.Matcher
	queue       *queue.Queue
}

// New creates an Extractor.
func New(db *database.Client, chat ChatClient, events *services.EventService,
	epics *services.EpicService, projections *services.ProjectionService,
	m *matcher.Matcher, q *queue.Queue) *Extractor {
	return &Extractor{
		db: db, llm: chat, events: events, epics: epics,
		projections: projections, matcher: m, queue: q,
	}
}

// Outcome is what one extraction pass decided.
type Outcome struct {
	Status    models.EventStatus
	EpicID    *string
	Set       *models.ProjectionSet
	Attempts  int
	Extracted *Extraction
}

// ProcessEvent runs one extract or reprocess pass. forcedEpicID, when set,
// bypasses the matcher and binds the event to that epic.
func (e *Extractor) ProcessEvent(ctx context.Context, eventID, transcript string, forcedEpicID *string) (*Outcome, error) {
	if err := e.events.UpdateStatus(ctx, eventID, models.EventStatusProcessing, ""); err != nil {
		return nil, retryable(err)
	}

	var (
		snapshot         *EpicSnapshot
		matcherAmbiguous bool
		matchTop         *models.EpicCandidate
	)

	if forcedEpicID != nil {
		if _, err := e.epics.GetEpic(ctx, *forcedEpicID); err != nil {
			if errors.Is(err, services.ErrNotFound) {
				return nil, permanent(fmt.Errorf("forced epic %s does not exist", *forcedEpicID))
			}
			return nil, retryable(err)
		}
		snap, err := e.buildSnapshot(ctx, *forcedEpicID)
		if err != nil {
			return nil, retryable(err)
		}
		snapshot = snap
	} else {
		match, err := e.matcher.Match(ctx, eventID, transcript)
		if err != nil {
			return nil, retryable(err)
		}
		if err := e.events.ReplaceCandidates(ctx, eventID, match.Candidates); err != nil {
			return nil, retryable(err)
		}
		matcherAmbiguous = match.NeedsReview
		matchTop = match.Top()
		if matchTop != nil && !match.NeedsReview {
			snap, err := e.buildSnapshot(ctx, matchTop.EpicID)
			if err != nil {
				return nil, retryable(err)
			}
			snapshot = snap
		}
	}

	snippets, err := e.knowledgeSnippets(ctx, transcript)
	if err != nil {
		return nil, retryable(err)
	}

	extraction, attempts, err := e.callLoop(ctx, snapshot, snippets, transcript)
	if err != nil {
		return nil, err
	}

	status := models.EventStatusCompleted
	if forcedEpicID == nil {
		resolvedStrongly := extraction.ResolvedEpic != nil &&
			extraction.ResolvedEpic.Confidence >= bindConfidence
		if extraction.NeedsReview || (matcherAmbiguous && !resolvedStrongly) {
			status = models.EventStatusNeedsReview
		}
	}

	// Projections, the epic binding, and push jobs exist only for
	// completed events. A needs_review event keeps its persisted
	// candidates and writes nothing until an operator forces an epic.
	var epicID *string
	set := &models.ProjectionSet{}
	if status == models.EventStatusCompleted {
		epicID = e.resolveEpic(ctx, extraction, forcedEpicID, matchTop, matcherAmbiguous)
		set = project(eventID, epicID, extraction)
		if err := e.projections.ReplaceProjections(ctx, eventID, set); err != nil {
			return nil, retryable(err)
		}
		if err := e.events.AssignEpic(ctx, eventID, epicID); err != nil {
			return nil, retryable(err)
		}
	}

	if err := e.events.UpdateStatus(ctx, eventID, status, ""); err != nil {
		return nil, retryable(err)
	}
	if status == models.EventStatusCompleted {
		if err := e.events.ClearCandidates(ctx, eventID); err != nil {
			return nil, retryable(err)
		}
		e.enqueuePushJobs(ctx, eventID, set)
	}

	return &Outcome{
		Status:    status,
		EpicID:    epicID,
		Set:       set,
		Attempts:  attempts,
		Extracted: extraction,
	}, nil
}

// callLoop drives up to three completion attempts, feeding validation
// failures back as retry prompts.
func (e *Extractor) callLoop(ctx context.Context, snapshot *EpicSnapshot, snippets []string, transcript string) (*Extraction, int, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildUserPrompt(snapshot, snippets, transcript)},
	}

	var lastErr error
	for attempt := 1; attempt <= maxLLMAttempts; attempt++ {
		raw, err := e.llm.ChatCompletions(ctx, messages, llm.CompletionOptions{
			Temperature: temperature,
			MaxTokens:   maxTokens,
		})
		if err != nil {
			// Transport failures and an unready server are queue-level
			// retries, not prompt-level ones.
			return nil, attempt, retryable(err)
		}

		extraction, perr := ParseExtraction(raw)
		if perr == nil {
			return extraction, attempt, nil
		}
		lastErr = perr
		messages = append(messages, llm.Message{
			Role: "user", Content: buildRetryPrompt(raw, perr),
		})
	}
	return nil, maxLLMAttempts, permanent(fmt.Errorf("Failed after %d attempts: %w", maxLLMAttempts, lastErr))
}

// resolveEpic picks the event's epic binding: forced wins, then a strong
// model resolution, then an unambiguous matcher top hit.
func (e *Extractor) resolveEpic(ctx context.Context, ex *Extraction, forced *string, matchTop *models.EpicCandidate, ambiguous bool) *string {
	if forced != nil {
		return forced
	}
	if ex.ResolvedEpic != nil && ex.ResolvedEpic.Confidence >= bindConfidence {
		if _, err := e.epics.GetEpic(ctx, ex.ResolvedEpic.EpicID); err == nil {
			id := ex.ResolvedEpic.EpicID
			return &id
		}
	}
	if matchTop != nil && !ambiguous {
		id := matchTop.EpicID
		return &id
	}
	return nil
}

// enqueuePushJobs schedules one push job per urgent action. Duplicate
// suppression is the push worker's job via the sent ledger.
func (e *Extractor) enqueuePushJobs(ctx context.Context, eventID string, set *models.ProjectionSet) {
	for _, a := range set.Actions {
		if a.Priority != models.PriorityP0 && a.Priority != models.PriorityP1 {
			continue
		}
		_, err := e.queue.Enqueue(ctx, eventID, models.JobTypePush, models.PushPayload{
			ActionID: a.ID,
			Title:    a.Title,
			Priority: string(a.Priority),
		}, queue.EnqueueOptions{})
		if err != nil {
			// Push is best-effort; the extraction already succeeded.
			continue
		}
	}
}

// pipelineError carries the retryable verdict to the queue worker.
type pipelineError struct {
	err       error
	retryable bool
}

func (p *pipelineError) Error() string { return p.err.Error() }
func (p *pipelineError) Unwrap() error { return p.err }

func retryable(err error) error { return &pipelineError{err: err, retryable: true} }
func permanent(err error) error { return &pipelineError{err: err, retryable: false} }

// IsRetryable reports whether a ProcessEvent error should go back to the
// queue for backoff.
func IsRetryable(err error) bool {
	var p *pipelineError
	if errors.As(err, &p) {
		return p.retryable
	}
	return true
}
