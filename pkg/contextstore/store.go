// ABOUTME: Context store owning one conversation context per session
// ABOUTME: Serializes mutation and delegates aggregation and compaction

package contextstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/convmemory/internal/clock"
	"github.com/nainya/convmemory/internal/logger"
	"github.com/nainya/convmemory/internal/metrics"
	"github.com/nainya/convmemory/pkg/contextdb"
	"github.com/nainya/convmemory/pkg/conversation"
	"github.com/nainya/convmemory/pkg/enricher"
	"github.com/nainya/convmemory/pkg/summarizer"
)

// ErrEmptySessionID is returned when an operation needs a session id and gets none
var ErrEmptySessionID = errors.New("session id is required")

// Config controls context lifetime and thread length
type Config struct {
	ExpirationHours    int `yaml:"expiration_hours"`
	MaxTurnsPerContext int `yaml:"max_turns_per_context"` // Compaction trigger inside AddTurn
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		ExpirationHours:    24,
		MaxTurnsPerContext: 20,
	}
}

// Store manages conversation contexts
type Store struct {
	mu sync.Mutex

	config     Config
	repo       contextdb.Repository
	enricher   *enricher.Enricher
	summarizer *summarizer.Summarizer

	clock   clock.Clock
	log     *logger.Logger
	metrics *metrics.Metrics
	newID   func() string
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithIDGenerator replaces uuid-based id generation
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// New creates a Store over repo
func New(cfg Config, repo contextdb.Repository, enr *enricher.Enricher, sum *summarizer.Summarizer, opts ...Option) *Store {
	s := &Store{
		config:     cfg,
		repo:       repo,
		enricher:   enr,
		summarizer: sum,
		clock:      clock.Real(),
		log:        logger.Nop(),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// observe records duration and outcome of an operation
func (s *Store) observe(operation, sessionID string, start time.Time, err error) {
	d := time.Since(start)
	s.metrics.RecordStoreOperation(operation, err, d)
	s.log.LogStoreOperation(operation, sessionID, d, err)
}

// CreateContext starts a new empty context for sessionID.
// An existing context for the session is never overwritten.
func (s *Store) CreateContext(ctx context.Context, sessionID string) (cc conversation.ConversationContext, err error) {
	start := time.Now()
	defer func() { s.observe("create_context", sessionID, start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx, sessionID)
}

func (s *Store) createLocked(ctx context.Context, sessionID string) (conversation.ConversationContext, error) {
	if sessionID == "" {
		return conversation.ConversationContext{}, ErrEmptySessionID
	}

	_, err := s.repo.LoadBySession(ctx, sessionID)
	if err == nil {
		return conversation.ConversationContext{}, fmt.Errorf("%w: session %s", conversation.ErrContextExists, sessionID)
	}
	if !errors.Is(err, contextdb.ErrNotFound) {
		return conversation.ConversationContext{}, fmt.Errorf("failed to check session %s: %w", sessionID, err)
	}

	now := s.clock.Now()
	cc := conversation.ConversationContext{
		ID:                 s.newID(),
		SessionID:          sessionID,
		ConversationThread: []conversation.ConversationTurn{},
		CumulativeContext:  conversation.NewCumulativeContext(),
		LastUpdated:        now,
		ExpiresAt:          now.Add(s.expiration()),
		Metadata: conversation.ContextMetadata{
			CreatedAt:    now,
			LastAccessed: now,
			Tags:         []string{},
		},
	}
	if err := s.repo.Save(ctx, cc); err != nil {
		return conversation.ConversationContext{}, fmt.Errorf("failed to save context: %w", err)
	}
	return cc, nil
}

// GetContextBySessionID returns the session's context and records the access
func (s *Store) GetContextBySessionID(ctx context.Context, sessionID string) (cc conversation.ConversationContext, err error) {
	start := time.Now()
	defer func() { s.observe("get_context", sessionID, start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	cc, err = s.loadBySession(ctx, sessionID)
	if err != nil {
		return conversation.ConversationContext{}, err
	}

	cc.Metadata.AccessCount++
	cc.Metadata.LastAccessed = s.clock.Now()
	if err := s.repo.Save(ctx, cc); err != nil {
		return conversation.ConversationContext{}, fmt.Errorf("failed to record access: %w", err)
	}
	return cc, nil
}

// PeekContext returns the session's context without recording an access
func (s *Store) PeekContext(ctx context.Context, sessionID string) (conversation.ConversationContext, error) {
	return s.loadBySession(ctx, sessionID)
}

// ResetContext discards the session's context, if any, and starts a new one
func (s *Store) ResetContext(ctx context.Context, sessionID string) (cc conversation.ConversationContext, err error) {
	start := time.Now()
	defer func() { s.observe("reset_context", sessionID, start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadBySession(ctx, sessionID)
	switch {
	case err == nil:
		if err := s.repo.Delete(ctx, existing.ID); err != nil {
			return conversation.ConversationContext{}, fmt.Errorf("failed to delete context: %w", err)
		}
	case !errors.Is(err, conversation.ErrContextNotFound):
		return conversation.ConversationContext{}, err
	}
	return s.createLocked(ctx, sessionID)
}

// ListSessions returns the session ids with a stored context, sorted
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	sessions := make([]string, 0, len(all))
	for _, cc := range all {
		sessions = append(sessions, cc.SessionID)
	}
	sort.Strings(sessions)
	return sessions, nil
}

func (s *Store) loadBySession(ctx context.Context, sessionID string) (conversation.ConversationContext, error) {
	cc, err := s.repo.LoadBySession(ctx, sessionID)
	if errors.Is(err, contextdb.ErrNotFound) {
		return conversation.ConversationContext{}, fmt.Errorf("%w: session %s", conversation.ErrContextNotFound, sessionID)
	}
	if err != nil {
		return conversation.ConversationContext{}, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return cc, nil
}

func (s *Store) loadByID(ctx context.Context, contextID string) (conversation.ConversationContext, error) {
	cc, err := s.repo.Load(ctx, contextID)
	if errors.Is(err, contextdb.ErrNotFound) {
		return conversation.ConversationContext{}, fmt.Errorf("%w: %s", conversation.ErrContextNotFound, contextID)
	}
	if err != nil {
		return conversation.ConversationContext{}, fmt.Errorf("failed to load context %s: %w", contextID, err)
	}
	return cc, nil
}

func (s *Store) expiration() time.Duration {
	return time.Duration(s.config.ExpirationHours) * time.Hour
}
