// ABOUTME: Conformance tests shared by every Repository implementation
// ABOUTME: Backends call Run from their own _test.go files

package contextdbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/convmemory/pkg/contextdb"
	"github.com/nainya/convmemory/pkg/conversation"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// Sample builds a small but fully populated context
func Sample(id, sessionID string, turns int) conversation.ConversationContext {
	cc := conversation.ConversationContext{
		ID:                 id,
		SessionID:          sessionID,
		ConversationThread: []conversation.ConversationTurn{},
		CumulativeContext:  conversation.NewCumulativeContext(),
		LastUpdated:        base.Add(time.Duration(turns) * time.Minute),
		ExpiresAt:          base.Add(24 * time.Hour),
		Metadata: conversation.ContextMetadata{
			CreatedAt:    base,
			LastAccessed: base,
			AccessCount:  1,
			Tags:         []string{},
		},
	}
	for i := 1; i <= turns; i++ {
		turnID := fmt.Sprintf("%s-turn-%d", id, i)
		cc.ConversationThread = append(cc.ConversationThread, conversation.ConversationTurn{
			ID:         turnID,
			TurnNumber: i,
			Query: conversation.ProcessedQuery{
				ID:           fmt.Sprintf("%s-q-%d", id, i),
				OriginalText: "What is the beam size?",
				Intent:       conversation.QueryIntent{Type: "dimension_lookup", Confidence: 0.9},
			},
			Response: conversation.AnalysisResult{
				Summary:    "The beam is 300 mm deep.",
				Confidence: 0.85,
				Findings:   []conversation.Finding{{Description: "Beam depth 300 mm", Confidence: 0.9, DocumentID: "doc-1"}},
			},
			ContextContributions: []string{"entity:beam"},
			Timestamp:            base.Add(time.Duration(i) * time.Minute),
		})
		cc.CumulativeContext.ExtractedEntities["beam"] = append(cc.CumulativeContext.ExtractedEntities["beam"], conversation.EntityMention{
			Text: "beam", Type: "component", Confidence: 0.8, SourceTurnID: turnID, FirstSeen: base.Add(time.Minute), MentionCount: i,
		})
	}
	return cc
}

// Run exercises the Repository contract against a fresh repository from factory
func Run(t *testing.T, factory func(t *testing.T) contextdb.Repository) {
	t.Helper()

	t.Run("save and load", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		cc := Sample("ctx-1", "session-1", 3)

		require.NoError(t, repo.Save(ctx, cc))

		loaded, err := repo.Load(ctx, "ctx-1")
		require.NoError(t, err)
		assert.Equal(t, cc, loaded)

		bySession, err := repo.LoadBySession(ctx, "session-1")
		require.NoError(t, err)
		assert.Equal(t, cc, bySession)
	})

	t.Run("missing ids", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		_, err := repo.Load(ctx, "nope")
		assert.ErrorIs(t, err, contextdb.ErrNotFound)

		_, err = repo.LoadBySession(ctx, "nope")
		assert.ErrorIs(t, err, contextdb.ErrNotFound)

		assert.NoError(t, repo.Delete(ctx, "nope"))
	})

	t.Run("save overwrites", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		cc := Sample("ctx-1", "session-1", 1)
		require.NoError(t, repo.Save(ctx, cc))

		cc = Sample("ctx-1", "session-1", 4)
		cc.Metadata.AccessCount = 7
		require.NoError(t, repo.Save(ctx, cc))

		loaded, err := repo.Load(ctx, "ctx-1")
		require.NoError(t, err)
		assert.Len(t, loaded.ConversationThread, 4)
		assert.Equal(t, 7, loaded.Metadata.AccessCount)

		all, err := repo.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("delete", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		require.NoError(t, repo.Save(ctx, Sample("ctx-1", "session-1", 1)))
		require.NoError(t, repo.Save(ctx, Sample("ctx-2", "session-2", 1)))

		require.NoError(t, repo.Delete(ctx, "ctx-1"))

		_, err := repo.Load(ctx, "ctx-1")
		assert.ErrorIs(t, err, contextdb.ErrNotFound)
		_, err = repo.LoadBySession(ctx, "session-1")
		assert.ErrorIs(t, err, contextdb.ErrNotFound)

		_, err = repo.LoadBySession(ctx, "session-2")
		assert.NoError(t, err)
	})

	t.Run("list", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		all, err := repo.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)

		for i := 3; i >= 1; i-- {
			require.NoError(t, repo.Save(ctx, Sample(fmt.Sprintf("ctx-%d", i), fmt.Sprintf("session-%d", i), i)))
		}

		all, err = repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "ctx-1", all[0].ID)
		assert.Equal(t, "ctx-3", all[2].ID)
		assert.Len(t, all[2].ConversationThread, 3)
	})

	t.Run("session moves to new context", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		require.NoError(t, repo.Save(ctx, Sample("ctx-old", "session-1", 1)))
		require.NoError(t, repo.Delete(ctx, "ctx-old"))
		require.NoError(t, repo.Save(ctx, Sample("ctx-new", "session-1", 2)))

		loaded, err := repo.LoadBySession(ctx, "session-1")
		require.NoError(t, err)
		assert.Equal(t, "ctx-new", loaded.ID)
	})
}
