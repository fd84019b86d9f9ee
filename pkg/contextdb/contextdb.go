// ABOUTME: Persistence boundary for conversation contexts
// ABOUTME: Repository interface plus an in-memory implementation

package contextdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nainya/convmemory/pkg/conversation"
)

// ErrNotFound is returned when no stored context matches the lookup
var ErrNotFound = errors.New("context not found in repository")

// Repository persists whole contexts keyed by id, with a session index.
// Saving a context replaces any previous version with the same id.
type Repository interface {
	Save(ctx context.Context, cc conversation.ConversationContext) error
	Load(ctx context.Context, id string) (conversation.ConversationContext, error)
	LoadBySession(ctx context.Context, sessionID string) (conversation.ConversationContext, error)
	Delete(ctx context.Context, id string) error // Deleting a missing id is not an error
	List(ctx context.Context) ([]conversation.ConversationContext, error)
	Close() error
}

// DecodeErrorHandler hears about a stored snapshot that failed to decode.
// List skips such snapshots rather than failing the whole listing.
type DecodeErrorHandler func(id string, err error)

// Report calls h if it is set
func (h DecodeErrorHandler) Report(id string, err error) {
	if h != nil {
		h(id, err)
	}
}

// DecodeErrorReporter is implemented by repositories that persist encoded
// snapshots and can report the ones List skipped
type DecodeErrorReporter interface {
	SetDecodeErrorHandler(h DecodeErrorHandler)
}

// NotFound wraps ErrNotFound with the missing key
func NotFound(key string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Memory is a Repository backed by maps
type Memory struct {
	mu       sync.RWMutex
	contexts map[string]conversation.ConversationContext
	sessions map[string]string // session id -> context id
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		contexts: make(map[string]conversation.ConversationContext),
		sessions: make(map[string]string),
	}
}

// Save stores a copy of cc
func (m *Memory) Save(ctx context.Context, cc conversation.ConversationContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.contexts[cc.ID]; ok && prev.SessionID != cc.SessionID && m.sessions[prev.SessionID] == cc.ID {
		delete(m.sessions, prev.SessionID)
	}
	m.contexts[cc.ID] = conversation.CloneContext(cc)
	m.sessions[cc.SessionID] = cc.ID
	return nil
}

// Load returns a copy of the context with id
func (m *Memory) Load(ctx context.Context, id string) (conversation.ConversationContext, error) {
	if err := ctx.Err(); err != nil {
		return conversation.ConversationContext{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cc, ok := m.contexts[id]
	if !ok {
		return conversation.ConversationContext{}, NotFound(id)
	}
	return conversation.CloneContext(cc), nil
}

// LoadBySession returns a copy of the context indexed under sessionID
func (m *Memory) LoadBySession(ctx context.Context, sessionID string) (conversation.ConversationContext, error) {
	m.mu.RLock()
	id, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return conversation.ConversationContext{}, NotFound("session " + sessionID)
	}
	return m.Load(ctx, id)
}

// Delete removes the context with id
func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cc, ok := m.contexts[id]
	if !ok {
		return nil
	}
	delete(m.contexts, id)
	if m.sessions[cc.SessionID] == id {
		delete(m.sessions, cc.SessionID)
	}
	return nil
}

// List returns copies of every stored context ordered by id
func (m *Memory) List(ctx context.Context) ([]conversation.ConversationContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]conversation.ConversationContext, 0, len(m.contexts))
	for _, cc := range m.contexts {
		out = append(out, conversation.CloneContext(cc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op
func (m *Memory) Close() error {
	return nil
}
