// ABOUTME: Relevance ranking of past turns against a new query
// ABOUTME: Lexical/entity/topic overlap blended with exponential recency decay

package enricher

import (
	"math"
	"sort"

	"github.com/nainya/convmemory/pkg/conversation"
)

// recencyDecayHours is the e-folding time of the recency score
const recencyDecayHours = 24.0

// RetrievalRequest asks for the turns most relevant to a query
type RetrievalRequest struct {
	SessionID          string
	Query              string
	QueryEntities      []string // Optional upstream entities, merged with extracted ones
	MaxContextTurns    int      // Zero uses the enricher default
	RelevanceThreshold *float64 // Nil uses the enricher default; zero keeps every turn
}

// RetrieveRelevantContext ranks the turns of cc against req
func (e *Enricher) RetrieveRelevantContext(req RetrievalRequest, cc conversation.ConversationContext) []conversation.ContextRelevanceScore {
	limit := req.MaxContextTurns
	if limit <= 0 {
		limit = e.config.MaxContextTurns
	}
	threshold := e.config.RelevanceThreshold
	if req.RelevanceThreshold != nil {
		threshold = *req.RelevanceThreshold
	}

	qTokens := contentTokens(req.Query)
	qEntities := make(map[string]bool)
	for _, k := range e.entityKeys(req.Query) {
		qEntities[k] = true
	}
	for _, k := range req.QueryEntities {
		if k = NormalizeEntity(k); k != "" {
			qEntities[k] = true
		}
	}
	qTopics := make(map[string]bool)
	for _, t := range assignTopics(conversation.ProcessedQuery{OriginalText: req.Query}) {
		if t != TopicGeneral {
			qTopics[t] = true
		}
	}

	now := e.clock.Now()
	scores := make([]conversation.ContextRelevanceScore, 0, len(cc.ConversationThread))
	for _, turn := range cc.ConversationThread {
		tokenOverlap := overlap(qTokens, contentTokens(turn.Text()))

		var matchedEntities []string
		for _, ex := range e.extractEntities(turn) {
			if qEntities[ex.key] {
				matchedEntities = append(matchedEntities, ex.key)
			}
		}
		entityOverlap := ratio(len(matchedEntities), len(qEntities))

		var matchedTopics []string
		for _, t := range turnTopics(turn, cc.CumulativeContext) {
			if qTopics[t] {
				matchedTopics = append(matchedTopics, t)
			}
		}
		sort.Strings(matchedTopics)
		topicOverlap := ratio(len(matchedTopics), len(qTopics))

		semantic := clamp(0.5*tokenOverlap + 0.3*entityOverlap + 0.2*topicOverlap)
		recency := RecencyScore(now.Sub(turn.Timestamp).Hours())
		score := clamp(e.config.SemanticWeight*semantic + e.config.RecencyWeight*recency)
		if score < threshold {
			continue
		}

		scores = append(scores, conversation.ContextRelevanceScore{
			TurnID:          turn.ID,
			TurnNumber:      turn.TurnNumber,
			Score:           score,
			SemanticScore:   semantic,
			RecencyScore:    recency,
			MatchedEntities: nonNil(matchedEntities),
			MatchedTopics:   nonNil(matchedTopics),
		})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].TurnNumber > scores[j].TurnNumber
	})
	if len(scores) > limit {
		scores = scores[:limit]
	}

	e.log.Debug().
		Str("session_id", req.SessionID).
		Int("candidates", len(cc.ConversationThread)).
		Int("selected", len(scores)).
		Msg("Retrieved relevant context")
	return scores
}

// RecencyScore is exp(-ageHours/24), with future timestamps treated as age zero
func RecencyScore(ageHours float64) float64 {
	if ageHours < 0 {
		ageHours = 0
	}
	return math.Exp(-ageHours / recencyDecayHours)
}

// turnTopics returns the aggregate topics that list the turn's query,
// falling back to the heuristic when the aggregate has none for it
func turnTopics(turn conversation.ConversationTurn, agg conversation.CumulativeContext) []string {
	qid := queryKey(turn)
	var topics []string
	for _, node := range agg.TopicProgression {
		if node.HasQuery(qid) {
			topics = append(topics, node.Topic)
		}
	}
	if len(topics) == 0 {
		topics = assignTopics(turn.Query)
	}
	return topics
}

func overlap(query, candidate map[string]bool) float64 {
	n := 0
	for tok := range query {
		if candidate[tok] {
			n++
		}
	}
	return ratio(n, len(query))
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
