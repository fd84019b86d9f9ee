// ABOUTME: Merges several contexts of related sessions into one
// ABOUTME: Chronological thread, renumbered turns, rebuilt aggregate

package enricher

import (
	"slices"
	"sort"

	"github.com/nainya/convmemory/pkg/conversation"
)

// MergeRelatedContexts combines contexts into the first one's identity.
// A single context is returned unchanged.
func (e *Enricher) MergeRelatedContexts(contexts []conversation.ConversationContext) (conversation.ConversationContext, error) {
	if len(contexts) == 0 {
		return conversation.ConversationContext{}, conversation.ErrEmptyMergeInput
	}
	if len(contexts) == 1 {
		return conversation.CloneContext(contexts[0]), nil
	}

	first := contexts[0]
	merged := conversation.ConversationContext{
		ID:        first.ID,
		SessionID: first.SessionID,
		Metadata: conversation.ContextMetadata{
			CreatedAt: first.Metadata.CreatedAt,
			Tags:      []string{},
		},
	}

	seen := make(map[string]bool)
	var thread []conversation.ConversationTurn
	for _, cc := range contexts {
		for _, t := range cc.ConversationThread {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			thread = append(thread, conversation.CloneTurn(t))
		}
		for _, s := range cc.Summaries {
			merged.Summaries = append(merged.Summaries, conversation.CloneSummary(s))
		}

		m := cc.Metadata
		if m.CreatedAt.Before(merged.Metadata.CreatedAt) {
			merged.Metadata.CreatedAt = m.CreatedAt
		}
		if m.LastAccessed.After(merged.Metadata.LastAccessed) {
			merged.Metadata.LastAccessed = m.LastAccessed
		}
		merged.Metadata.AccessCount += m.AccessCount
		merged.Metadata.CompressionLevel = max(merged.Metadata.CompressionLevel, m.CompressionLevel)
		for _, tag := range m.Tags {
			if !slices.Contains(merged.Metadata.Tags, tag) {
				merged.Metadata.Tags = append(merged.Metadata.Tags, tag)
			}
		}
		if cc.ExpiresAt.After(merged.ExpiresAt) {
			merged.ExpiresAt = cc.ExpiresAt
		}
		if cc.LastUpdated.After(merged.LastUpdated) {
			merged.LastUpdated = cc.LastUpdated
		}
	}

	sort.SliceStable(thread, func(i, j int) bool {
		return thread[i].Timestamp.Before(thread[j].Timestamp)
	})
	for i := range thread {
		thread[i].TurnNumber = i + 1
	}
	if thread == nil {
		thread = []conversation.ConversationTurn{}
	}
	merged.ConversationThread = thread
	merged.CumulativeContext = e.BuildCumulativeContext(thread)

	e.log.Debug().
		Str("context_id", merged.ID).
		Int("sources", len(contexts)).
		Int("turns", len(thread)).
		Msg("Merged contexts")
	return merged, nil
}
