// ABOUTME: Query enhancement with a bounded conversation-context block
// ABOUTME: Replaces any existing block so repeated enhancement never stacks

package enricher

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/nainya/convmemory/pkg/conversation"
)

const (
	contextBlockStart = "[Conversation context]"
	contextBlockEnd   = "[/Conversation context]"
	maxEntitiesAdded  = 10
)

// EnhancedQuery is a query augmented with prior conversation context
type EnhancedQuery struct {
	OriginalText   string   `json:"originalText"`
	EnhancedText   string   `json:"enhancedText"`
	ContextTurnIDs []string `json:"contextTurnIds"`
	EntitiesAdded  []string `json:"entitiesAdded"`
	Confidence     float64  `json:"confidence"`
}

// EnhanceQueryWithContext prefixes query with the turns named in scores.
// Every score must reference a turn of cc.
func (e *Enricher) EnhanceQueryWithContext(query conversation.ProcessedQuery, scores []conversation.ContextRelevanceScore, cc conversation.ConversationContext) (EnhancedQuery, error) {
	byID := make(map[string]conversation.ConversationTurn, len(cc.ConversationThread))
	for _, t := range cc.ConversationThread {
		byID[t.ID] = t
	}
	for _, s := range scores {
		if _, ok := byID[s.TurnID]; !ok {
			return EnhancedQuery{}, fmt.Errorf("%w: %s", conversation.ErrTurnNotFound, s.TurnID)
		}
	}

	base := StripContextBlock(query.Text())
	result := EnhancedQuery{
		OriginalText:   query.Text(),
		EnhancedText:   base,
		ContextTurnIDs: []string{},
		EntitiesAdded:  []string{},
	}
	if len(scores) == 0 {
		return result, nil
	}

	ordered := slices.Clone(scores)
	sort.SliceStable(ordered, func(i, j int) bool {
		return byID[ordered[i].TurnID].TurnNumber < byID[ordered[j].TurnID].TurnNumber
	})

	var b strings.Builder
	b.WriteString(contextBlockStart)
	b.WriteString("\n")
	budget := e.config.MaxPreambleLength - len(contextBlockStart) - len(contextBlockEnd) - 2

	var included []conversation.ContextRelevanceScore
	for _, s := range ordered {
		turn := byID[s.TurnID]
		line := fmt.Sprintf("Turn %d: Q: %s | A: %s\n",
			turn.TurnNumber,
			truncate(turn.Query.Text(), e.config.MaxSnippetLength),
			truncate(turn.Response.Summary, e.config.MaxSnippetLength))
		if len(line) > budget {
			if len(included) > 0 || budget < 16 {
				break
			}
			// Always carry at least the first turn, cut to fit.
			line = truncate(line, budget-1) + "\n"
		}
		b.WriteString(line)
		budget -= len(line)
		included = append(included, s)
	}
	if len(included) == 0 {
		return result, nil
	}

	own := make(map[string]bool)
	for _, k := range e.entityKeys(base) {
		own[k] = true
	}
	for _, qe := range query.Entities {
		own[NormalizeEntity(qe.Text)] = true
	}
	added := make(map[string]bool)
	for _, s := range included {
		for _, ex := range e.extractEntities(byID[s.TurnID]) {
			if !own[ex.key] {
				added[ex.key] = true
			}
		}
	}
	for k := range added {
		result.EntitiesAdded = append(result.EntitiesAdded, k)
	}
	sort.Strings(result.EntitiesAdded)
	if len(result.EntitiesAdded) > maxEntitiesAdded {
		result.EntitiesAdded = result.EntitiesAdded[:maxEntitiesAdded]
	}
	if len(result.EntitiesAdded) > 0 {
		line := "Entities: " + strings.Join(result.EntitiesAdded, ", ") + "\n"
		if len(line) <= budget {
			b.WriteString(line)
		}
	}
	b.WriteString(contextBlockEnd)

	var total, respConf float64
	for _, s := range included {
		result.ContextTurnIDs = append(result.ContextTurnIDs, s.TurnID)
		total += s.Score
		respConf += byID[s.TurnID].Response.Confidence
	}
	n := float64(len(included))
	result.Confidence = clamp((total / n) * (0.5 + 0.5*respConf/n))
	result.EnhancedText = b.String() + "\n\n" + base

	return result, nil
}

// StripContextBlock removes a leading conversation-context block from text
func StripContextBlock(text string) string {
	start := strings.Index(text, contextBlockStart)
	if start < 0 {
		return text
	}
	end := strings.Index(text[start:], contextBlockEnd)
	if end < 0 {
		return text
	}
	end += start + len(contextBlockEnd)
	return strings.TrimSpace(text[:start] + text[end:])
}
