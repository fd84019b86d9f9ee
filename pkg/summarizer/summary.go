package summarizer

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/nainya/convmemory/pkg/conversation"
)

// EmptySummaryText is the summary of a context with no relevant turns
const EmptySummaryText = "No significant conversation activity."

const (
	maxSummaryTopics       = 3
	maxSummaryFindings     = 3
	maxRelationshipPoints  = 3
	relationshipConfidence = 0.7
	summaryRelevanceWeight = 0.6
	summaryResponseWeight  = 0.4
)

type scoredTurn struct {
	turn  conversation.ConversationTurn
	score RelevanceScore
}

// GenerateContextSummary digests the relevant turns of cc
func (s *Summarizer) GenerateContextSummary(cc conversation.ConversationContext) conversation.ContextSummary {
	return s.summarize(cc.ConversationThread, cc.CumulativeContext)
}

func (s *Summarizer) summarize(turns []conversation.ConversationTurn, agg conversation.CumulativeContext) conversation.ContextSummary {
	summary := conversation.ContextSummary{
		Summary:           EmptySummaryText,
		KeyPoints:         []string{},
		RelevantEntities:  []string{},
		OriginalTurnCount: len(turns),
		GeneratedAt:       s.clock.Now(),
	}

	var selected []scoredTurn
	for _, turn := range turns {
		score := s.ScoreTurn(turn, agg)
		if score.Overall >= s.config.RelevanceThreshold {
			selected = append(selected, scoredTurn{turn: turn, score: score})
		}
	}
	if len(selected) == 0 {
		return summary
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].score.Overall > selected[j].score.Overall
	})

	turnIDs := make(map[string]bool, len(selected))
	queryIDs := make(map[string]bool, len(selected))
	var findings []string
	var relevance, confidence float64
	for _, st := range selected {
		turnIDs[st.turn.ID] = true
		if st.turn.Query.ID != "" {
			queryIDs[st.turn.Query.ID] = true
		} else {
			queryIDs[st.turn.ID] = true
		}
		relevance += st.score.Overall
		confidence += st.turn.Response.Confidence
		for _, f := range st.turn.Response.Findings {
			if f.Confidence > highConfidence && f.Description != "" && !slices.Contains(findings, f.Description) {
				findings = append(findings, f.Description)
			}
		}
	}
	n := float64(len(selected))

	var relPoints []string
	for _, rel := range agg.RelationshipMap {
		if len(relPoints) == maxRelationshipPoints {
			break
		}
		if rel.Confidence > relationshipConfidence && slices.ContainsFunc(rel.SourceTurnIDs, func(id string) bool { return turnIDs[id] }) {
			relPoints = append(relPoints, fmt.Sprintf("%s relates to %s (%s)", rel.Source, rel.Target, strings.ReplaceAll(rel.Relationship, "_", " ")))
		}
	}
	findingBudget := max(s.config.MaxKeyPoints-len(relPoints), 0)
	summary.KeyPoints = append(summary.KeyPoints, findings[:min(len(findings), findingBudget)]...)
	summary.KeyPoints = append(summary.KeyPoints, relPoints...)
	if len(summary.KeyPoints) > s.config.MaxKeyPoints {
		summary.KeyPoints = summary.KeyPoints[:s.config.MaxKeyPoints]
	}

	summary.RelevantEntities = topEntities(agg, turnIDs, s.config.MaxRelevantEntities)
	topics := topTopics(agg, queryIDs, maxSummaryTopics)

	var b strings.Builder
	fmt.Fprintf(&b, "Summary of %d relevant turn(s) out of %d.", len(selected), len(turns))
	if len(topics) > 0 {
		fmt.Fprintf(&b, " Main topics: %s.", strings.Join(topics, ", "))
	}
	if len(findings) > 0 {
		fmt.Fprintf(&b, " Key findings: %s.", strings.Join(findings[:min(len(findings), maxSummaryFindings)], "; "))
	}
	summary.Summary = b.String()
	summary.SelectedTurnCount = len(selected)
	summary.Confidence = clamp(summaryRelevanceWeight*(relevance/n) + summaryResponseWeight*(confidence/n))

	return summary
}

// topEntities ranks aggregate entities by mentions inside the given turns
func topEntities(agg conversation.CumulativeContext, turnIDs map[string]bool, limit int) []string {
	type counted struct {
		key   string
		count int
	}
	var ranked []counted
	for key, mentions := range agg.ExtractedEntities {
		c := 0
		for _, m := range mentions {
			if turnIDs[m.SourceTurnID] {
				c++
			}
		}
		if c > 0 {
			ranked = append(ranked, counted{key, c})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].key < ranked[j].key
	})

	out := []string{}
	for _, r := range ranked {
		if len(out) == limit {
			break
		}
		out = append(out, r.key)
	}
	return out
}

// topTopics returns the most relevant topics touched by the given queries
func topTopics(agg conversation.CumulativeContext, queryIDs map[string]bool, limit int) []string {
	var nodes []conversation.TopicNode
	for _, node := range agg.TopicProgression {
		if slices.ContainsFunc(node.QueryIDs, func(id string) bool { return queryIDs[id] }) {
			nodes = append(nodes, node)
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Relevance > nodes[j].Relevance })

	var out []string
	for _, node := range nodes {
		if len(out) == limit {
			break
		}
		out = append(out, node.Topic)
	}
	return out
}
