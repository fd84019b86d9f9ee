package summarizer

import (
	"slices"
	"time"

	"github.com/nainya/convmemory/pkg/codec"
	"github.com/nainya/convmemory/pkg/conversation"
)

// CleanupReport summarizes one policy sweep
type CleanupReport struct {
	ContextsRemoved int            `json:"contextsRemoved"`
	TurnsRemoved    int            `json:"turnsRemoved"`
	BytesFreed      int            `json:"bytesFreed"`
	PoliciesFired   []string       `json:"policiesFired"`
	Firings         map[string]int `json:"firings"` // Contexts removed per policy
	RemovedIDs      []string       `json:"removedIds"`
}

// ApplyCleanupPolicies returns the contexts no policy expires, plus a report
// of what was dropped. The input slice is left untouched.
func (s *Summarizer) ApplyCleanupPolicies(contexts []conversation.ConversationContext) ([]conversation.ConversationContext, CleanupReport) {
	report := CleanupReport{
		PoliciesFired: []string{},
		Firings:       make(map[string]int),
		RemovedIDs:    []string{},
	}
	now := s.clock.Now()

	kept := make([]conversation.ConversationContext, 0, len(contexts))
	for _, cc := range contexts {
		policy, expired := s.matchPolicy(cc, now)
		if !expired {
			kept = append(kept, cc)
			continue
		}
		report.ContextsRemoved++
		report.TurnsRemoved += len(cc.ConversationThread)
		report.BytesFreed += codec.Size(cc)
		report.RemovedIDs = append(report.RemovedIDs, cc.ID)
		report.Firings[policy]++
		if !slices.Contains(report.PoliciesFired, policy) {
			report.PoliciesFired = append(report.PoliciesFired, policy)
		}
		s.log.Debug().
			Str("context_id", cc.ID).
			Str("session_id", cc.SessionID).
			Str("policy", policy).
			Msg("Context expired by policy")
	}
	return kept, report
}

// matchPolicy returns the first policy that expires cc
func (s *Summarizer) matchPolicy(cc conversation.ConversationContext, now time.Time) (string, bool) {
	for _, p := range s.config.Policies {
		if PolicyMatches(p, cc, now) {
			return p.Name, true
		}
	}
	return "", false
}

// PolicyMatches reports whether p expires cc at now. Zero durations disable
// the corresponding age check.
func PolicyMatches(p conversation.ExpirationPolicy, cc conversation.ConversationContext, now time.Time) bool {
	if p.MaxAge > 0 && now.Sub(cc.Metadata.CreatedAt) > p.MaxAge {
		return true
	}
	if p.MaxInactivity > 0 && now.Sub(lastActivity(cc)) > p.MaxInactivity {
		return true
	}
	for _, c := range p.Conditions {
		if EvaluateCondition(c, cc) {
			return true
		}
	}
	return false
}

// EvaluateCondition evaluates one expiration condition against cc
func EvaluateCondition(c conversation.Condition, cc conversation.ConversationContext) bool {
	switch c := c.(type) {
	case conversation.LowAccessCount:
		return cc.Metadata.AccessCount < c.Threshold
	case conversation.NoFollowUps:
		return !slices.ContainsFunc(cc.ConversationThread, func(t conversation.ConversationTurn) bool {
			return t.FollowUpDetected
		})
	case conversation.LowConfidence:
		if len(cc.ConversationThread) == 0 {
			return false
		}
		var total float64
		for _, t := range cc.ConversationThread {
			total += t.Response.Confidence
		}
		return total/float64(len(cc.ConversationThread)) < c.Threshold
	default:
		return false
	}
}

func lastActivity(cc conversation.ConversationContext) time.Time {
	last := cc.Metadata.LastAccessed
	if cc.LastUpdated.After(last) {
		last = cc.LastUpdated
	}
	if last.IsZero() {
		last = cc.Metadata.CreatedAt
	}
	return last
}
