// ABOUTME: Redis-backed context repository
// ABOUTME: Snapshot per context, session pointer keys and an id index set

package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nainya/convmemory/pkg/codec"
	"github.com/nainya/convmemory/pkg/contextdb"
	"github.com/nainya/convmemory/pkg/conversation"
)

// Repository implements contextdb.Repository using Redis
type Repository struct {
	client        *redis.Client
	prefix        string
	ttl           time.Duration
	onDecodeError contextdb.DecodeErrorHandler
}

// Options configures the Redis connection
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "convmemory:"
	TTL      time.Duration // Key expiration, default 0 (no expiration)
}

// New creates a Redis repository
func New(opts Options) *Repository {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "convmemory:"
	}

	return &Repository{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
	}
}

func (r *Repository) contextKey(id string) string {
	return fmt.Sprintf("%scontext:%s", r.prefix, id)
}

func (r *Repository) sessionKey(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", r.prefix, sessionID)
}

func (r *Repository) indexKey() string {
	return r.prefix + "contexts"
}

// Save stores a snapshot of cc and points its session at it
func (r *Repository) Save(ctx context.Context, cc conversation.ConversationContext) error {
	data, err := codec.EncodeContext(&cc)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.contextKey(cc.ID), data, r.ttl)
	pipe.Set(ctx, r.sessionKey(cc.SessionID), cc.ID, r.ttl)
	pipe.SAdd(ctx, r.indexKey(), cc.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save context to redis: %w", err)
	}
	return nil
}

// Load retrieves a context by id
func (r *Repository) Load(ctx context.Context, id string) (conversation.ConversationContext, error) {
	data, err := r.client.Get(ctx, r.contextKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return conversation.ConversationContext{}, contextdb.NotFound(id)
		}
		return conversation.ConversationContext{}, fmt.Errorf("failed to load context from redis: %w", err)
	}

	cc, err := codec.DecodeContext(data)
	if err != nil {
		return conversation.ConversationContext{}, fmt.Errorf("failed to decode context %s: %w", id, err)
	}
	return *cc, nil
}

// LoadBySession retrieves the context a session points at
func (r *Repository) LoadBySession(ctx context.Context, sessionID string) (conversation.ConversationContext, error) {
	id, err := r.client.Get(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return conversation.ConversationContext{}, contextdb.NotFound("session " + sessionID)
		}
		return conversation.ConversationContext{}, fmt.Errorf("failed to resolve session from redis: %w", err)
	}
	return r.Load(ctx, id)
}

// Delete removes a context and its session pointer
func (r *Repository) Delete(ctx context.Context, id string) error {
	cc, err := r.Load(ctx, id)
	if errors.Is(err, contextdb.ErrNotFound) {
		return r.client.SRem(ctx, r.indexKey(), id).Err()
	}
	if err != nil {
		return err
	}

	sessionKey := r.sessionKey(cc.SessionID)
	owner, err := r.client.Get(ctx, sessionKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to resolve session from redis: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.contextKey(id))
	pipe.SRem(ctx, r.indexKey(), id)
	if owner == id {
		pipe.Del(ctx, sessionKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete context from redis: %w", err)
	}
	return nil
}

// List returns every indexed context ordered by id. Index entries whose
// snapshot has expired are skipped, as are snapshots that fail to decode.
func (r *Repository) List(ctx context.Context) ([]conversation.ConversationContext, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	if len(ids) == 0 {
		return []conversation.ConversationContext{}, nil
	}
	sort.Strings(ids)

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.contextKey(id))
	}
	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch contexts: %w", err)
	}

	out := make([]conversation.ConversationContext, 0, len(results))
	for i, result := range results {
		data, ok := result.(string)
		if !ok {
			continue
		}
		cc, err := codec.DecodeContext([]byte(data))
		if err != nil {
			r.onDecodeError.Report(ids[i], err)
			continue
		}
		out = append(out, *cc)
	}
	return out, nil
}

// SetDecodeErrorHandler registers h to hear about snapshots List skipped
func (r *Repository) SetDecodeErrorHandler(h contextdb.DecodeErrorHandler) {
	r.onDecodeError = h
}

// Close closes the Redis client
func (r *Repository) Close() error {
	return r.client.Close()
}
