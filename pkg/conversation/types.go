// ABOUTME: Conversation memory data model
// ABOUTME: Contexts, turns, cumulative aggregate and boundary query/response types

package conversation

import "time"

// Tags applied to contexts by compaction
const (
	TagCompressed = "compressed"
	TagSummarized = "summarized"
)

// ConversationContext is the canonical per-session record
type ConversationContext struct {
	ID                 string             `json:"id"`
	SessionID          string             `json:"sessionId"`
	ConversationThread []ConversationTurn `json:"conversationThread"`
	CumulativeContext  CumulativeContext  `json:"cumulativeContext"`
	LastUpdated        time.Time          `json:"lastUpdated"`
	ExpiresAt          time.Time          `json:"expiresAt"`
	Metadata           ContextMetadata    `json:"metadata"`
	Summaries          []ContextSummary   `json:"summaries,omitempty"` // Left behind by compaction
}

// ContextMetadata tracks access and compaction bookkeeping
type ContextMetadata struct {
	CreatedAt        time.Time `json:"createdAt"`
	LastAccessed     time.Time `json:"lastAccessed"`
	AccessCount      int       `json:"accessCount"`
	CompressionLevel int       `json:"compressionLevel"` // Number of compaction passes applied
	Tags             []string  `json:"tags"`
}

// HasTag reports whether the context carries tag
func (m ContextMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ConversationTurn is one query/response exchange
type ConversationTurn struct {
	ID                   string         `json:"id"`
	TurnNumber           int            `json:"turnNumber"` // 1-based, sequential
	Query                ProcessedQuery `json:"query"`
	Response             AnalysisResult `json:"response"`
	ContextContributions []string       `json:"contextContributions"`
	FollowUpDetected     bool           `json:"followUpDetected"`
	Timestamp            time.Time      `json:"timestamp"`
}

// Text returns the query and response text the engine scans for entities
func (t ConversationTurn) Text() string {
	text := t.Query.Text() + " " + t.Response.Summary
	for _, f := range t.Response.Findings {
		text += " " + f.Description
	}
	return text
}

// ProcessedQuery is a query after cleaning and classification
type ProcessedQuery struct {
	ID           string        `json:"id"`
	OriginalText string        `json:"originalText"`
	CleanedText  string        `json:"cleanedText"`
	Intent       QueryIntent   `json:"intent"`
	Entities     []QueryEntity `json:"entities"`
	Documents    []DocumentRef `json:"documents"`
}

// Text prefers the cleaned text and falls back to the original
func (q ProcessedQuery) Text() string {
	if q.CleanedText != "" {
		return q.CleanedText
	}
	return q.OriginalText
}

// QueryIntent is the classified intent of a query
type QueryIntent struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// QueryEntity is an entity extracted upstream from the query
type QueryEntity struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// DocumentRef points at an uploaded drawing
type DocumentRef struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Page     int    `json:"page,omitempty"`
}

// AnalysisResult is the response produced for a query
type AnalysisResult struct {
	Summary    string    `json:"summary"`
	Findings   []Finding `json:"findings"`
	Confidence float64   `json:"confidence"`
	Consensus  Consensus `json:"consensus"`
}

// Finding is one structured observation about a drawing
type Finding struct {
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	DocumentID  string  `json:"documentId,omitempty"`
	Page        int     `json:"page,omitempty"`
}

// Consensus describes agreement across the models that answered
type Consensus struct {
	AgreementLevel float64  `json:"agreementLevel"`
	ModelsUsed     []string `json:"modelsUsed"`
}

// CumulativeContext is the session-wide aggregate derived from retained turns
type CumulativeContext struct {
	ExtractedEntities map[string][]EntityMention `json:"extractedEntities"`
	DocumentContext   map[string]DocumentContext `json:"documentContext"`
	TopicProgression  []TopicNode                `json:"topicProgression"`
	KeyInsights       []string                   `json:"keyInsights"`
	RelationshipMap   []EntityRelationship       `json:"relationshipMap"`
}

// NewCumulativeContext returns an aggregate where every container is empty but non-nil
func NewCumulativeContext() CumulativeContext {
	return CumulativeContext{
		ExtractedEntities: make(map[string][]EntityMention),
		DocumentContext:   make(map[string]DocumentContext),
		TopicProgression:  []TopicNode{},
		KeyInsights:       []string{},
		RelationshipMap:   []EntityRelationship{},
	}
}

// IsEmpty reports whether the aggregate holds nothing
func (c CumulativeContext) IsEmpty() bool {
	return len(c.ExtractedEntities) == 0 && len(c.DocumentContext) == 0 &&
		len(c.TopicProgression) == 0 && len(c.KeyInsights) == 0 && len(c.RelationshipMap) == 0
}

// EntityMention records one sighting of an entity
type EntityMention struct {
	Text         string    `json:"text"`
	Type         string    `json:"type"`
	Confidence   float64   `json:"confidence"`
	SourceTurnID string    `json:"sourceTurnId"`
	FirstSeen    time.Time `json:"firstSeen"`
	MentionCount int       `json:"mentionCount"` // Running count including this mention
}

// DocumentContext summarizes what the session has learned about one drawing
type DocumentContext struct {
	DocumentID      string    `json:"documentId"`
	Filename        string    `json:"filename"`
	PagesReferenced []int     `json:"pagesReferenced"`
	KeyFindings     []string  `json:"keyFindings"`
	LastReferenced  time.Time `json:"lastReferenced"`
	TurnIDs         []string  `json:"turnIds"`
}

// TopicNode is one topic in the session's progression
type TopicNode struct {
	Topic           string    `json:"topic"`
	Relevance       float64   `json:"relevance"`
	FirstIntroduced time.Time `json:"firstIntroduced"`
	RelatedTopics   []string  `json:"relatedTopics"`
	QueryIDs        []string  `json:"queryIds"`
}

// HasQuery reports whether queryID belongs to the topic
func (t TopicNode) HasQuery(queryID string) bool {
	for _, id := range t.QueryIDs {
		if id == queryID {
			return true
		}
	}
	return false
}

// EntityRelationship links two entities
type EntityRelationship struct {
	Source        string   `json:"source"`
	Target        string   `json:"target"`
	Relationship  string   `json:"relationship"`
	Confidence    float64  `json:"confidence"`
	Context       string   `json:"context"`
	SourceTurnIDs []string `json:"sourceTurnIds"`
}

// ContextSummary is the textual digest of a set of turns
type ContextSummary struct {
	Summary           string    `json:"summary"`
	KeyPoints         []string  `json:"keyPoints"`
	RelevantEntities  []string  `json:"relevantEntities"`
	OriginalTurnCount int       `json:"originalTurnCount"`
	SelectedTurnCount int       `json:"selectedTurnCount"`
	Confidence        float64   `json:"confidence"`
	GeneratedAt       time.Time `json:"generatedAt"`
}

// ContextRelevanceScore ranks one turn against a retrieval request
type ContextRelevanceScore struct {
	TurnID          string   `json:"turnId"`
	TurnNumber      int      `json:"turnNumber"`
	Score           float64  `json:"score"`
	SemanticScore   float64  `json:"semanticScore"`
	RecencyScore    float64  `json:"recencyScore"`
	MatchedEntities []string `json:"matchedEntities"`
	MatchedTopics   []string `json:"matchedTopics"`
}
