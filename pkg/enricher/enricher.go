// ABOUTME: Context enricher maintaining the cumulative aggregate of a session
// ABOUTME: Builds, folds, ranks, merges and validates conversation contexts

package enricher

import (
	"slices"
	"sort"

	"github.com/rs/zerolog"

	"github.com/nainya/convmemory/internal/clock"
	"github.com/nainya/convmemory/pkg/conversation"
)

// Config tunes retrieval and aggregation
type Config struct {
	MaxContextTurns     int     `yaml:"max_context_turns"`
	RelevanceThreshold  float64 `yaml:"relevance_threshold"`
	SemanticWeight      float64 `yaml:"semantic_weight"`
	RecencyWeight       float64 `yaml:"recency_weight"`
	MaxKeyInsights      int     `yaml:"max_key_insights"`
	InsightConfidence   float64 `yaml:"insight_confidence"`
	MaxPreambleLength   int     `yaml:"max_preamble_length"`
	MaxSnippetLength    int     `yaml:"max_snippet_length"`
	MaxEntitiesPerTurn  int     `yaml:"max_entities_per_turn"` // Bounds co-occurrence pairs
	MaxDocumentFindings int     `yaml:"max_document_findings"`

	Vocabulary Vocabulary `yaml:"vocabulary,omitempty"` // Nil means DefaultVocabulary
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxContextTurns:     5,
		RelevanceThreshold:  0.3,
		SemanticWeight:      0.7,
		RecencyWeight:       0.3,
		MaxKeyInsights:      20,
		InsightConfidence:   0.8,
		MaxPreambleLength:   1500,
		MaxSnippetLength:    300,
		MaxEntitiesPerTurn:  10,
		MaxDocumentFindings: 20,
	}
}

// Enricher derives and queries the cumulative aggregate
type Enricher struct {
	config Config
	vocab  Vocabulary
	clock  clock.Clock
	log    zerolog.Logger
}

// Option configures an Enricher
type Option func(*Enricher)

// WithClock sets the time source used for recency
func WithClock(c clock.Clock) Option {
	return func(e *Enricher) { e.clock = c }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Enricher) { e.log = l.With().Str("component", "enricher").Logger() }
}

// New creates an Enricher
func New(cfg Config, opts ...Option) *Enricher {
	e := &Enricher{
		config: cfg,
		vocab:  cfg.Vocabulary,
		clock:  clock.Real(),
		log:    zerolog.Nop(),
	}
	if e.vocab == nil {
		e.vocab = DefaultVocabulary()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the enricher configuration
func (e *Enricher) Config() Config {
	return e.config
}

// BuildCumulativeContext derives the aggregate from turns in order
func (e *Enricher) BuildCumulativeContext(turns []conversation.ConversationTurn) conversation.CumulativeContext {
	agg := conversation.NewCumulativeContext()
	for i, turn := range turns {
		e.fold(&agg, turn, i+1)
	}
	return agg
}

// UpdateCumulativeContext folds one more turn into a copy of agg.
// turnCount is the number of turns including the new one.
func (e *Enricher) UpdateCumulativeContext(agg conversation.CumulativeContext, turn conversation.ConversationTurn, turnCount int) conversation.CumulativeContext {
	next := conversation.CloneCumulative(agg)
	e.fold(&next, turn, turnCount)
	e.log.Debug().
		Str("turn_id", turn.ID).
		Int("entities", len(next.ExtractedEntities)).
		Int("topics", len(next.TopicProgression)).
		Msg("Folded turn into aggregate")
	return next
}

// ContributionsFor lists what a turn adds to the aggregate
func (e *Enricher) ContributionsFor(turn conversation.ConversationTurn) []string {
	entities := e.extractEntities(turn)
	var out []string
	for _, ex := range entities {
		out = append(out, "entity:"+ex.key)
	}
	for _, pair := range e.pairs(entities) {
		out = append(out, "relationship:"+pair[0]+"|"+pair[1])
	}
	for _, t := range assignTopics(turn.Query) {
		out = append(out, "topic:"+t)
	}
	for _, id := range turnDocuments(turn) {
		out = append(out, "document:"+id)
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// fold mutates agg in place with the contributions of turn
func (e *Enricher) fold(agg *conversation.CumulativeContext, turn conversation.ConversationTurn, turnCount int) {
	entities := e.extractEntities(turn)

	for _, ex := range entities {
		mentions := agg.ExtractedEntities[ex.key]
		firstSeen := turn.Timestamp
		if len(mentions) > 0 {
			firstSeen = mentions[0].FirstSeen
		}
		agg.ExtractedEntities[ex.key] = append(mentions, conversation.EntityMention{
			Text:         ex.text,
			Type:         ex.kind,
			Confidence:   ex.confidence,
			SourceTurnID: turn.ID,
			FirstSeen:    firstSeen,
			MentionCount: len(mentions) + 1,
		})
	}

	e.foldDocuments(agg, turn)
	foldTopics(agg, turn, turnCount)
	e.foldRelationships(agg, turn, entities)
	e.foldInsights(agg, turn)
}

func (e *Enricher) foldDocuments(agg *conversation.CumulativeContext, turn conversation.ConversationTurn) {
	docs := turnDocuments(turn)
	if len(docs) == 0 {
		return
	}

	filenames := make(map[string]string)
	pages := make(map[string][]int)
	for _, ref := range turn.Query.Documents {
		if ref.Filename != "" {
			filenames[ref.ID] = ref.Filename
		}
		if ref.Page > 0 {
			pages[ref.ID] = append(pages[ref.ID], ref.Page)
		}
	}
	for _, f := range turn.Response.Findings {
		if f.DocumentID != "" && f.Page > 0 {
			pages[f.DocumentID] = append(pages[f.DocumentID], f.Page)
		}
	}

	for _, id := range docs {
		dc, ok := agg.DocumentContext[id]
		if !ok {
			dc = conversation.DocumentContext{
				DocumentID:      id,
				PagesReferenced: []int{},
				KeyFindings:     []string{},
				TurnIDs:         []string{},
			}
		}
		if dc.Filename == "" {
			dc.Filename = filenames[id]
		}
		for _, p := range pages[id] {
			if !slices.Contains(dc.PagesReferenced, p) {
				dc.PagesReferenced = append(dc.PagesReferenced, p)
			}
		}
		slices.Sort(dc.PagesReferenced)

		for _, f := range turn.Response.Findings {
			// Unattributed findings apply to every document the query named.
			if f.DocumentID != id && f.DocumentID != "" {
				continue
			}
			if f.Description == "" || slices.Contains(dc.KeyFindings, f.Description) {
				continue
			}
			dc.KeyFindings = append(dc.KeyFindings, f.Description)
		}
		if n := e.config.MaxDocumentFindings; n > 0 && len(dc.KeyFindings) > n {
			dc.KeyFindings = dc.KeyFindings[len(dc.KeyFindings)-n:]
		}

		if turn.Timestamp.After(dc.LastReferenced) {
			dc.LastReferenced = turn.Timestamp
		}
		if !slices.Contains(dc.TurnIDs, turn.ID) {
			dc.TurnIDs = append(dc.TurnIDs, turn.ID)
		}
		agg.DocumentContext[id] = dc
	}
}

func foldTopics(agg *conversation.CumulativeContext, turn conversation.ConversationTurn, turnCount int) {
	topics := assignTopics(turn.Query)
	qid := queryKey(turn)

	for _, topic := range topics {
		idx := slices.IndexFunc(agg.TopicProgression, func(n conversation.TopicNode) bool { return n.Topic == topic })
		if idx < 0 {
			agg.TopicProgression = append(agg.TopicProgression, conversation.TopicNode{
				Topic:           topic,
				FirstIntroduced: turn.Timestamp,
				RelatedTopics:   []string{},
				QueryIDs:        []string{},
			})
			idx = len(agg.TopicProgression) - 1
		}
		node := &agg.TopicProgression[idx]
		if !node.HasQuery(qid) {
			node.QueryIDs = append(node.QueryIDs, qid)
		}
		for _, other := range topics {
			if other != topic && !slices.Contains(node.RelatedTopics, other) {
				node.RelatedTopics = append(node.RelatedTopics, other)
			}
		}
	}

	if turnCount < 1 {
		turnCount = 1
	}
	for i := range agg.TopicProgression {
		rel := float64(len(agg.TopicProgression[i].QueryIDs)) / float64(turnCount)
		agg.TopicProgression[i].Relevance = min(rel, 1)
	}
}

func (e *Enricher) foldRelationships(agg *conversation.CumulativeContext, turn conversation.ConversationTurn, entities []extracted) {
	conf := make(map[string]float64, len(entities))
	for _, ex := range entities {
		conf[ex.key] = ex.confidence
	}

	for _, pair := range e.pairs(entities) {
		c := min(conf[pair[0]], conf[pair[1]])
		idx := slices.IndexFunc(agg.RelationshipMap, func(r conversation.EntityRelationship) bool {
			return r.Source == pair[0] && r.Target == pair[1] && r.Relationship == RelationshipCoOccurrence
		})
		if idx < 0 {
			agg.RelationshipMap = append(agg.RelationshipMap, conversation.EntityRelationship{
				Source:        pair[0],
				Target:        pair[1],
				Relationship:  RelationshipCoOccurrence,
				Confidence:    c,
				Context:       truncate(turn.Query.Text(), 120),
				SourceTurnIDs: []string{turn.ID},
			})
			continue
		}
		rel := &agg.RelationshipMap[idx]
		rel.Confidence = max(rel.Confidence, c)
		if !slices.Contains(rel.SourceTurnIDs, turn.ID) {
			rel.SourceTurnIDs = append(rel.SourceTurnIDs, turn.ID)
		}
	}
}

func (e *Enricher) foldInsights(agg *conversation.CumulativeContext, turn conversation.ConversationTurn) {
	add := func(s string) {
		if s != "" && !slices.Contains(agg.KeyInsights, s) {
			agg.KeyInsights = append(agg.KeyInsights, s)
		}
	}
	for _, f := range turn.Response.Findings {
		if f.Confidence >= e.config.InsightConfidence {
			add(f.Description)
		}
	}
	if len(turn.Response.Findings) == 0 && turn.Response.Confidence >= e.config.InsightConfidence {
		add(turn.Response.Summary)
	}
	if n := e.config.MaxKeyInsights; n > 0 && len(agg.KeyInsights) > n {
		agg.KeyInsights = agg.KeyInsights[len(agg.KeyInsights)-n:]
	}
}

// pairs returns the ordered entity pairs of one turn, capped by MaxEntitiesPerTurn
func (e *Enricher) pairs(entities []extracted) [][2]string {
	keys := make([]string, 0, len(entities))
	for _, ex := range entities {
		keys = append(keys, ex.key)
	}
	if n := e.config.MaxEntitiesPerTurn; n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	var out [][2]string
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			out = append(out, [2]string{keys[i], keys[j]})
		}
	}
	return out
}

// turnDocuments lists the document ids a turn touches, sorted
func turnDocuments(turn conversation.ConversationTurn) []string {
	set := make(map[string]bool)
	for _, ref := range turn.Query.Documents {
		if ref.ID != "" {
			set[ref.ID] = true
		}
	}
	for _, f := range turn.Response.Findings {
		if f.DocumentID != "" {
			set[f.DocumentID] = true
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
