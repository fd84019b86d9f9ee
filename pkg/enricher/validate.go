// ABOUTME: Structural validation of a conversation context
// ABOUTME: Hard errors versus soft inconsistencies, reported as data

package enricher

import (
	"fmt"
	"maps"
	"slices"

	"github.com/nainya/convmemory/pkg/conversation"
)

// ValidationReport separates broken invariants from soft inconsistencies
type ValidationReport struct {
	IsValid          bool     `json:"isValid"`
	ValidationErrors []string `json:"validationErrors"`
	Inconsistencies  []string `json:"inconsistencies"`
}

// ValidateContext checks ids, ordering, numbering and aggregate references
func (e *Enricher) ValidateContext(cc conversation.ConversationContext) ValidationReport {
	report := ValidationReport{
		ValidationErrors: []string{},
		Inconsistencies:  []string{},
	}
	errorf := func(format string, args ...any) {
		report.ValidationErrors = append(report.ValidationErrors, fmt.Sprintf(format, args...))
	}
	warnf := func(format string, args ...any) {
		report.Inconsistencies = append(report.Inconsistencies, fmt.Sprintf(format, args...))
	}

	if cc.ID == "" {
		errorf("context id is missing")
	}
	if cc.SessionID == "" {
		errorf("session id is missing")
	}
	if len(cc.ConversationThread) == 0 {
		warnf("conversation thread is empty")
	}

	turnIDs := make(map[string]bool, len(cc.ConversationThread))
	queryIDs := make(map[string]bool, len(cc.ConversationThread))
	for i, t := range cc.ConversationThread {
		if t.ID == "" {
			errorf("turn at position %d has no id", i+1)
		}
		if t.TurnNumber != i+1 {
			warnf("turn numbering gap: position %d has turn number %d", i+1, t.TurnNumber)
		}
		if i > 0 && t.Timestamp.Before(cc.ConversationThread[i-1].Timestamp) {
			errorf("timestamp inversion at turn %d", t.TurnNumber)
		}
		turnIDs[t.ID] = true
		queryIDs[queryKey(t)] = true
	}

	agg := cc.CumulativeContext
	for _, key := range agg.EntityKeys() {
		for _, m := range agg.ExtractedEntities[key] {
			if !turnIDs[m.SourceTurnID] {
				warnf("orphaned entity mention %q from turn %q", key, m.SourceTurnID)
			}
		}
	}
	docIDs := slices.Sorted(maps.Keys(agg.DocumentContext))
	for _, id := range docIDs {
		if !slices.ContainsFunc(agg.DocumentContext[id].TurnIDs, func(t string) bool { return turnIDs[t] }) {
			warnf("orphaned document %q", id)
		}
	}
	for _, node := range agg.TopicProgression {
		if !slices.ContainsFunc(node.QueryIDs, func(id string) bool { return queryIDs[id] }) {
			warnf("orphaned topic %q", node.Topic)
		}
	}
	for _, rel := range agg.RelationshipMap {
		if !slices.ContainsFunc(rel.SourceTurnIDs, func(id string) bool { return turnIDs[id] }) {
			warnf("orphaned relationship %s -> %s", rel.Source, rel.Target)
		}
	}

	report.IsValid = len(report.ValidationErrors) == 0
	return report
}
