// Package merge collapses conversations believed to belong to the same person
// into one, atomically from the caller's point of view.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/threadline/threadline/internal/conversation"
)

// Summarizer regenerates a conversation summary after a merge. Satisfied by
// the summary generator; may be nil.
type Summarizer interface {
	ShouldSummarize(conv *conversation.Conversation) bool
	Refresh(ctx context.Context, conv *conversation.Conversation) bool
}

// Result reports a completed merge so in-memory session state pointing at the
// now-deleted conversation ids can be redirected.
type Result struct {
	Conversation         *conversation.Conversation
	MergedCandidateCount int
	MergedMessageCount   int
	AbsorbedIDs          []string
}

// Engine merges candidate conversations into a primary one.
type Engine struct {
	store     conversation.Store
	summaries Summarizer
	logger    *slog.Logger
}

// NewEngine creates a merge engine.
func NewEngine(log *slog.Logger, store conversation.Store, summaries Summarizer) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:     store,
		summaries: summaries,
		logger:    log.With(slog.String("service", "merge")),
	}
}

// Merge folds candidates into primary, persists primary, and deletes the
// candidates as one batch. Primary is mutated in place.
//
// Messages arrive from two independently-clocked channels, so the union is
// stable-sorted by timestamp rather than trusting insertion order; ties keep
// their original relative order. De-duplication by (timestamp, role, content)
// makes a retried merge converge on the same logical conversation, so the
// operation is idempotent in effect even though it is not transactional.
func (e *Engine) Merge(ctx context.Context, primary *conversation.Conversation, candidates []*conversation.Conversation) (Result, error) {
	if primary == nil {
		return Result{}, fmt.Errorf("merge primary is required")
	}

	absorbed := make([]*conversation.Conversation, 0, len(candidates))
	seen := map[string]struct{}{primary.ID: {}}
	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		if _, ok := seen[candidate.ID]; ok {
			continue
		}
		seen[candidate.ID] = struct{}{}
		absorbed = append(absorbed, candidate)
	}
	if len(absorbed) == 0 {
		return Result{
			Conversation:       primary,
			MergedMessageCount: len(primary.Messages),
		}, nil
	}

	unionMessages(primary, absorbed)
	unionIdentifiers(primary, absorbed)
	adoptProfile(primary, absorbed)
	for _, candidate := range absorbed {
		if candidate.LastActivity.After(primary.LastActivity) {
			primary.LastActivity = candidate.LastActivity
		}
	}

	// Best effort: a failed regeneration must not fail the merge. A summary
	// left stale is caught by the context assembler's fallback.
	if e.summaries != nil && e.summaries.ShouldSummarize(primary) {
		e.summaries.Refresh(ctx, primary)
	}

	if err := e.store.Save(ctx, primary); err != nil {
		return Result{}, fmt.Errorf("persist merged conversation: %w", err)
	}

	absorbedIDs := make([]string, 0, len(absorbed))
	for _, candidate := range absorbed {
		absorbedIDs = append(absorbedIDs, candidate.ID)
	}
	if err := e.store.Delete(ctx, absorbedIDs); err != nil {
		// Accepted inconsistency: the orphan duplicates the primary until a
		// later lookup re-discovers and re-merges it.
		e.logger.Warn("merge candidate delete failed, orphan will be re-merged on next lookup",
			slog.String("primary_id", primary.ID),
			slog.Any("candidate_ids", absorbedIDs),
			slog.Any("error", err),
		)
	}

	e.logger.Info("conversations merged",
		slog.String("primary_id", primary.ID),
		slog.Int("candidates", len(absorbed)),
		slog.Int("messages", len(primary.Messages)),
	)
	return Result{
		Conversation:         primary,
		MergedCandidateCount: len(absorbed),
		MergedMessageCount:   len(primary.Messages),
		AbsorbedIDs:          absorbedIDs,
	}, nil
}

func unionMessages(primary *conversation.Conversation, candidates []*conversation.Conversation) {
	seen := make(map[string]struct{}, len(primary.Messages))
	union := make([]conversation.Message, 0, len(primary.Messages))
	appendUnique := func(msgs []conversation.Message) {
		for _, msg := range msgs {
			key := msg.DedupeKey()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			union = append(union, msg)
		}
	}
	appendUnique(primary.Messages)
	for _, candidate := range candidates {
		appendUnique(candidate.Messages)
	}
	sort.SliceStable(union, func(i, j int) bool {
		return union[i].Timestamp.Before(union[j].Timestamp)
	})
	primary.Messages = union
}

func unionIdentifiers(primary *conversation.Conversation, candidates []*conversation.Conversation) {
	for _, candidate := range candidates {
		for _, id := range candidate.Identifiers {
			primary.AddIdentifier(id)
		}
	}
}

// adoptProfile prefers the primary's profile unless the primary has no
// canonical external user id and a candidate does.
func adoptProfile(primary *conversation.Conversation, candidates []*conversation.Conversation) {
	if primary.Profile.ExternalUserID != "" {
		return
	}
	for _, candidate := range candidates {
		if candidate.Profile.ExternalUserID != "" {
			primary.Profile = candidate.Profile
			return
		}
	}
}
