// ABOUTME: Deep-copy helpers for copy-on-write context handling
// ABOUTME: Engine functions clone before modifying and return the new value

package conversation

import (
	"maps"
	"slices"
)

// CloneContext returns a deep copy of c
func CloneContext(c ConversationContext) ConversationContext {
	out := c
	out.ConversationThread = CloneTurns(c.ConversationThread)
	out.CumulativeContext = CloneCumulative(c.CumulativeContext)
	out.Metadata.Tags = slices.Clone(c.Metadata.Tags)
	if c.Summaries != nil {
		out.Summaries = make([]ContextSummary, len(c.Summaries))
		for i, s := range c.Summaries {
			out.Summaries[i] = CloneSummary(s)
		}
	}
	return out
}

// CloneTurns returns a deep copy of a turn slice
func CloneTurns(turns []ConversationTurn) []ConversationTurn {
	if turns == nil {
		return nil
	}
	out := make([]ConversationTurn, len(turns))
	for i, t := range turns {
		out[i] = CloneTurn(t)
	}
	return out
}

// CloneTurn returns a deep copy of t
func CloneTurn(t ConversationTurn) ConversationTurn {
	out := t
	out.ContextContributions = slices.Clone(t.ContextContributions)
	out.Query.Entities = slices.Clone(t.Query.Entities)
	out.Query.Documents = slices.Clone(t.Query.Documents)
	out.Response.Findings = slices.Clone(t.Response.Findings)
	out.Response.Consensus.ModelsUsed = slices.Clone(t.Response.Consensus.ModelsUsed)
	return out
}

// CloneCumulative returns a deep copy of the aggregate; nil containers come back empty
func CloneCumulative(c CumulativeContext) CumulativeContext {
	out := NewCumulativeContext()
	for key, mentions := range c.ExtractedEntities {
		out.ExtractedEntities[key] = slices.Clone(mentions)
	}
	for id, doc := range c.DocumentContext {
		doc.PagesReferenced = slices.Clone(doc.PagesReferenced)
		doc.KeyFindings = slices.Clone(doc.KeyFindings)
		doc.TurnIDs = slices.Clone(doc.TurnIDs)
		out.DocumentContext[id] = doc
	}
	for _, topic := range c.TopicProgression {
		topic.RelatedTopics = slices.Clone(topic.RelatedTopics)
		topic.QueryIDs = slices.Clone(topic.QueryIDs)
		out.TopicProgression = append(out.TopicProgression, topic)
	}
	out.KeyInsights = append(out.KeyInsights, c.KeyInsights...)
	for _, rel := range c.RelationshipMap {
		rel.SourceTurnIDs = slices.Clone(rel.SourceTurnIDs)
		out.RelationshipMap = append(out.RelationshipMap, rel)
	}
	return out
}

// CloneSummary returns a deep copy of s
func CloneSummary(s ContextSummary) ContextSummary {
	out := s
	out.KeyPoints = slices.Clone(s.KeyPoints)
	out.RelevantEntities = slices.Clone(s.RelevantEntities)
	return out
}

// EntityKeys returns the aggregate's entity keys in sorted order
func (c CumulativeContext) EntityKeys() []string {
	return slices.Sorted(maps.Keys(c.ExtractedEntities))
}
