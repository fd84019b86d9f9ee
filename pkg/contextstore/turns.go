package contextstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nainya/convmemory/pkg/conversation"
	"github.com/nainya/convmemory/pkg/enricher"
)

// AddTurn appends a query/response exchange to a context, folds it into the
// aggregate and compacts the thread once it grows past MaxTurnsPerContext.
// The returned turn reflects its position after any compaction.
func (s *Store) AddTurn(ctx context.Context, contextID string, query conversation.ProcessedQuery, response conversation.AnalysisResult, followUpDetected bool) (turn conversation.ConversationTurn, err error) {
	start := time.Now()
	sessionID := ""
	defer func() { s.observe("add_turn", sessionID, start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	cc, err := s.loadByID(ctx, contextID)
	if err != nil {
		return conversation.ConversationTurn{}, err
	}
	sessionID = cc.SessionID

	now := s.clock.Now()
	timestamp := now
	if n := len(cc.ConversationThread); n > 0 && timestamp.Before(cc.ConversationThread[n-1].Timestamp) {
		timestamp = cc.ConversationThread[n-1].Timestamp
	}
	if query.ID == "" {
		query.ID = s.newID()
	}

	turn = conversation.ConversationTurn{
		ID:               s.newID(),
		TurnNumber:       len(cc.ConversationThread) + 1,
		Query:            query,
		Response:         response,
		FollowUpDetected: followUpDetected,
		Timestamp:        timestamp,
	}
	turn = conversation.CloneTurn(turn)
	turn.ContextContributions = s.enricher.ContributionsFor(turn)

	next := conversation.CloneContext(cc)
	next.ConversationThread = append(next.ConversationThread, turn)
	next.CumulativeContext = s.enricher.UpdateCumulativeContext(cc.CumulativeContext, turn, len(next.ConversationThread))
	next.LastUpdated = now
	next.ExpiresAt = now.Add(s.expiration())

	if len(next.ConversationThread) > s.config.MaxTurnsPerContext {
		before := len(next.ConversationThread)
		compacted, result := s.summarizer.CompressContext(next)
		if result.RemovedTurns > 0 {
			next = compacted
			s.metrics.RecordCompaction(result.RemovedTurns)
			s.log.LogCompaction(next.ID, before, len(next.ConversationThread), next.Metadata.CompressionLevel, result.CompressionRatio)
		}
	}

	if err := ctx.Err(); err != nil {
		return conversation.ConversationTurn{}, err
	}
	if err := s.repo.Save(ctx, next); err != nil {
		return conversation.ConversationTurn{}, fmt.Errorf("failed to save context: %w", err)
	}
	s.metrics.RecordTurnAppended()

	for _, t := range next.ConversationThread {
		if t.ID == turn.ID {
			return t, nil
		}
	}
	return turn, nil
}

// GetRelevantContext ranks the session's turns against queryText. A session
// without a context yields no turns rather than an error. Reading relevance
// does not count as an access.
func (s *Store) GetRelevantContext(ctx context.Context, sessionID, queryText string, limit int) (scores []conversation.ContextRelevanceScore, err error) {
	start := time.Now()
	defer func() { s.observe("get_relevant_context", sessionID, start, err) }()

	cc, err := s.loadBySession(ctx, sessionID)
	if errors.Is(err, conversation.ErrContextNotFound) {
		return []conversation.ContextRelevanceScore{}, nil
	}
	if err != nil {
		return nil, err
	}

	return s.enricher.RetrieveRelevantContext(enricher.RetrievalRequest{
		SessionID:       sessionID,
		Query:           queryText,
		MaxContextTurns: limit,
	}, cc), nil
}

// EnhanceQuery retrieves relevant turns for query and prefixes them as context
func (s *Store) EnhanceQuery(ctx context.Context, sessionID string, query conversation.ProcessedQuery, limit int) (enricher.EnhancedQuery, error) {
	cc, err := s.loadBySession(ctx, sessionID)
	if errors.Is(err, conversation.ErrContextNotFound) {
		return s.enricher.EnhanceQueryWithContext(query, nil, conversation.ConversationContext{})
	}
	if err != nil {
		return enricher.EnhancedQuery{}, err
	}

	var entities []string
	for _, e := range query.Entities {
		entities = append(entities, e.Text)
	}
	scores := s.enricher.RetrieveRelevantContext(enricher.RetrievalRequest{
		SessionID:       sessionID,
		Query:           enricher.StripContextBlock(query.Text()),
		QueryEntities:   entities,
		MaxContextTurns: limit,
	}, cc)
	return s.enricher.EnhanceQueryWithContext(query, scores, cc)
}
