package contextstore

import (
	"context"
	"fmt"
	"time"

	"github.com/nainya/convmemory/pkg/conversation"
	"github.com/nainya/convmemory/pkg/enricher"
	"github.com/nainya/convmemory/pkg/summarizer"
)

// ValidationResult reports structural problems of a stored context
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ValidateContext checks ids, turn contiguity, ordering and expiry. It reads
// nothing from storage.
func (s *Store) ValidateContext(cc conversation.ConversationContext) ValidationResult {
	result := ValidationResult{
		Errors:   []string{},
		Warnings: []string{},
	}

	if cc.ID == "" {
		result.Errors = append(result.Errors, "context id is missing")
	}
	if cc.SessionID == "" {
		result.Errors = append(result.Errors, "session id is missing")
	}
	for i, t := range cc.ConversationThread {
		if t.TurnNumber != i+1 {
			result.Errors = append(result.Errors, fmt.Sprintf("turn %s has number %d, expected %d", t.ID, t.TurnNumber, i+1))
		}
		if i > 0 && t.Timestamp.Before(cc.ConversationThread[i-1].Timestamp) {
			result.Errors = append(result.Errors, fmt.Sprintf("turn %d is older than the turn before it", t.TurnNumber))
		}
	}

	now := s.clock.Now()
	if !cc.ExpiresAt.IsZero() && now.After(cc.ExpiresAt) {
		result.Warnings = append(result.Warnings, fmt.Sprintf("context expired at %s", cc.ExpiresAt.Format(time.RFC3339)))
	}
	if len(cc.ConversationThread) > s.config.MaxTurnsPerContext {
		result.Warnings = append(result.Warnings, fmt.Sprintf("thread has %d turns, above the limit of %d", len(cc.ConversationThread), s.config.MaxTurnsPerContext))
	}
	if len(cc.ConversationThread) > 0 && cc.CumulativeContext.IsEmpty() {
		result.Warnings = append(result.Warnings, "cumulative context is empty for a non-empty thread")
	}

	result.IsValid = len(result.Errors) == 0
	return result
}

// Diagnosis is a read-only health report for one session
type Diagnosis struct {
	Context     conversation.ConversationContext `json:"context"`
	Validation  ValidationResult                 `json:"validation"`
	Consistency enricher.ValidationReport        `json:"consistency"`
	Usage       summarizer.MemoryUsage           `json:"usage"`
	TurnScores  []summarizer.RelevanceScore      `json:"turnScores"`
	Summary     conversation.ContextSummary      `json:"summary"`
}

// DiagnoseContext inspects a session's context without recording an access
func (s *Store) DiagnoseContext(ctx context.Context, sessionID string) (Diagnosis, error) {
	cc, err := s.loadBySession(ctx, sessionID)
	if err != nil {
		return Diagnosis{}, err
	}

	return Diagnosis{
		Context:     cc,
		Validation:  s.ValidateContext(cc),
		Consistency: s.enricher.ValidateContext(cc),
		Usage:       s.summarizer.CalculateMemoryUsage([]conversation.ConversationContext{cc}),
		TurnScores:  s.summarizer.ScoreContext(cc),
		Summary:     s.summarizer.GenerateContextSummary(cc),
	}, nil
}
