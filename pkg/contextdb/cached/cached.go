// ABOUTME: Read-through cache in front of another context repository
// ABOUTME: Snapshots are kept in ristretto, costed by encoded size

package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/nainya/convmemory/pkg/codec"
	"github.com/nainya/convmemory/pkg/contextdb"
	"github.com/nainya/convmemory/pkg/conversation"
)

// Options sizes the cache
type Options struct {
	MaxCostBytes int64 // Default 64 MiB
	NumCounters  int64 // Default 10x the expected number of cached contexts
}

// Repository caches contexts loaded from or saved to an inner repository
type Repository struct {
	inner contextdb.Repository
	cache *ristretto.Cache
}

// New wraps inner with a ristretto cache
func New(inner contextdb.Repository, opts Options) (*Repository, error) {
	if opts.MaxCostBytes <= 0 {
		opts.MaxCostBytes = 64 << 20
	}
	if opts.NumCounters <= 0 {
		opts.NumCounters = 100_000
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: opts.NumCounters,
		MaxCost:     opts.MaxCostBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create context cache: %w", err)
	}

	return &Repository{inner: inner, cache: cache}, nil
}

func (r *Repository) put(cc conversation.ConversationContext) {
	r.cache.Set(cc.ID, conversation.CloneContext(cc), int64(max(codec.Size(cc), 1)))
	r.cache.Wait()
}

// Save writes through to the inner repository
func (r *Repository) Save(ctx context.Context, cc conversation.ConversationContext) error {
	if err := r.inner.Save(ctx, cc); err != nil {
		r.cache.Del(cc.ID)
		return err
	}
	r.put(cc)
	return nil
}

// Load serves from cache, falling back to the inner repository
func (r *Repository) Load(ctx context.Context, id string) (conversation.ConversationContext, error) {
	if v, ok := r.cache.Get(id); ok {
		if cc, ok := v.(conversation.ConversationContext); ok {
			return conversation.CloneContext(cc), nil
		}
	}

	cc, err := r.inner.Load(ctx, id)
	if err != nil {
		return conversation.ConversationContext{}, err
	}
	r.put(cc)
	return cc, nil
}

// LoadBySession resolves through the inner repository's session index
func (r *Repository) LoadBySession(ctx context.Context, sessionID string) (conversation.ConversationContext, error) {
	cc, err := r.inner.LoadBySession(ctx, sessionID)
	if err != nil {
		return conversation.ConversationContext{}, err
	}
	r.put(cc)
	return cc, nil
}

// Delete removes the context from both layers
func (r *Repository) Delete(ctx context.Context, id string) error {
	r.cache.Del(id)
	return r.inner.Delete(ctx, id)
}

// List always reads from the inner repository
func (r *Repository) List(ctx context.Context) ([]conversation.ConversationContext, error) {
	return r.inner.List(ctx)
}

// SetDecodeErrorHandler passes h to the inner repository when it reports
// decode errors
func (r *Repository) SetDecodeErrorHandler(h contextdb.DecodeErrorHandler) {
	if reporter, ok := r.inner.(contextdb.DecodeErrorReporter); ok {
		reporter.SetDecodeErrorHandler(h)
	}
}

// HitRatio returns the cache hit ratio, or 0 when metrics are disabled
func (r *Repository) HitRatio() float64 {
	if r.cache.Metrics == nil {
		return 0
	}
	return r.cache.Metrics.Ratio()
}

// Close closes the cache and the inner repository
func (r *Repository) Close() error {
	r.cache.Close()
	return r.inner.Close()
}
