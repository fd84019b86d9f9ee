// ABOUTME: Summarizer and compactor for conversation contexts
// ABOUTME: Scores turns, compacts long threads and sweeps expired sessions

package summarizer

import (
	"github.com/rs/zerolog"

	"github.com/nainya/convmemory/internal/clock"
	"github.com/nainya/convmemory/pkg/conversation"
)

// Config tunes scoring, compaction and cleanup
type Config struct {
	MaxContextLength    int     `yaml:"max_context_length"`    // Turn count that triggers compaction
	CompressionRatio    float64 `yaml:"compression_ratio"`     // Share of non-recent capacity kept
	RelevanceThreshold  float64 `yaml:"relevance_threshold"`   // Minimum score for summary selection
	PreserveRecentTurns int     `yaml:"preserve_recent_turns"` // Newest turns always kept verbatim
	EntityWeight        float64 `yaml:"entity_weight"`
	TopicWeight         float64 `yaml:"topic_weight"`
	MaxKeyPoints        int     `yaml:"max_key_points"`
	MaxRelevantEntities int     `yaml:"max_relevant_entities"`

	Policies []conversation.ExpirationPolicy `yaml:"-"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxContextLength:    15,
		CompressionRatio:    0.7,
		RelevanceThreshold:  0.3,
		PreserveRecentTurns: 3,
		EntityWeight:        0.4,
		TopicWeight:         0.3,
		MaxKeyPoints:        10,
		MaxRelevantEntities: 10,
		Policies:            conversation.DefaultPolicies(),
	}
}

// AggregateBuilder rebuilds the cumulative aggregate over a set of turns.
// EntityKeys reports the aggregate keys a single turn contributes.
type AggregateBuilder interface {
	BuildCumulativeContext(turns []conversation.ConversationTurn) conversation.CumulativeContext
	EntityKeys(turn conversation.ConversationTurn) []string
}

// Summarizer scores, summarizes and compacts contexts.
// All methods take contexts by value and never modify their inputs.
type Summarizer struct {
	config  Config
	builder AggregateBuilder
	clock   clock.Clock
	log     zerolog.Logger
}

// Option configures a Summarizer
type Option func(*Summarizer)

// WithClock sets the time source for recency and policy ages
func WithClock(c clock.Clock) Option {
	return func(s *Summarizer) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Summarizer) { s.log = l.With().Str("component", "summarizer").Logger() }
}

// New creates a Summarizer that rebuilds aggregates with builder
func New(cfg Config, builder AggregateBuilder, opts ...Option) *Summarizer {
	s := &Summarizer{
		config:  cfg,
		builder: builder,
		clock:   clock.Real(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the summarizer configuration
func (s *Summarizer) Config() Config {
	return s.config
}
