package summarizer

import (
	"math"
	"strings"

	"github.com/nainya/convmemory/pkg/conversation"
)

// RelevanceScore breaks down how much a turn matters to its session
type RelevanceScore struct {
	TurnID          string  `json:"turnId"`
	EntityRelevance float64 `json:"entityRelevance"`
	TopicRelevance  float64 `json:"topicRelevance"`
	Recency         float64 `json:"recency"`
	Interaction     float64 `json:"interaction"`
	Overall         float64 `json:"overall"`
}

const (
	recencyWeight     = 0.2
	interactionWeight = 0.1
	highConfidence    = 0.8
)

// ScoreTurn scores turn against the aggregate of its context
func (s *Summarizer) ScoreTurn(turn conversation.ConversationTurn, agg conversation.CumulativeContext) RelevanceScore {
	text := strings.ToLower(turn.Text())
	// Normalized keys ("12 mm") rarely appear verbatim in the raw text.
	keys := make(map[string]struct{})
	for _, k := range s.builder.EntityKeys(turn) {
		keys[k] = struct{}{}
	}

	var entity float64
	for key, mentions := range agg.ExtractedEntities {
		if key == "" || len(mentions) == 0 {
			continue
		}
		if _, ok := keys[key]; !ok && !strings.Contains(text, key) {
			continue
		}
		count := mentions[len(mentions)-1].MentionCount
		entity += math.Min(float64(count)/10, 1) * 0.3
	}

	qid := turn.Query.ID
	if qid == "" {
		qid = turn.ID
	}
	var topic float64
	for _, node := range agg.TopicProgression {
		if node.HasQuery(qid) {
			topic += math.Min(float64(len(node.QueryIDs))/5, 1) * node.Relevance
		}
	}

	ageHours := s.clock.Now().Sub(turn.Timestamp).Hours()
	recency := math.Exp(-math.Max(ageHours, 0) / 24)

	var interaction float64
	if turn.FollowUpDetected {
		interaction += 0.3
	}
	if turn.Response.Confidence > highConfidence {
		interaction += 0.4
	}
	interaction += math.Min(float64(len(turn.ContextContributions))/5, 0.3)

	score := RelevanceScore{
		TurnID:          turn.ID,
		EntityRelevance: clamp(entity),
		TopicRelevance:  clamp(topic),
		Recency:         clamp(recency),
		Interaction:     clamp(interaction),
	}
	score.Overall = clamp(score.EntityRelevance*s.config.EntityWeight +
		score.TopicRelevance*s.config.TopicWeight +
		score.Recency*recencyWeight +
		score.Interaction*interactionWeight)
	return score
}

// ScoreContext scores every turn of cc in thread order
func (s *Summarizer) ScoreContext(cc conversation.ConversationContext) []RelevanceScore {
	scores := make([]RelevanceScore, 0, len(cc.ConversationThread))
	for _, turn := range cc.ConversationThread {
		scores = append(scores, s.ScoreTurn(turn, cc.CumulativeContext))
	}
	return scores
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
