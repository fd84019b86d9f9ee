// ABOUTME: PostgreSQL-backed context repository
// ABOUTME: One row per context holding a codec snapshot, indexed by session

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nainya/convmemory/pkg/codec"
	"github.com/nainya/convmemory/pkg/contextdb"
	"github.com/nainya/convmemory/pkg/conversation"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Repository implements contextdb.Repository using PostgreSQL
type Repository struct {
	pool          DBPool
	tableName     string
	onDecodeError contextdb.DecodeErrorHandler
}

// Options configures the Postgres connection
type Options struct {
	ConnString string
	TableName  string // Default "conversation_contexts"
}

// New connects to Postgres and ensures the schema exists
func New(ctx context.Context, opts Options) (*Repository, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	repo := NewWithPool(pool, opts.TableName)
	if err := repo.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// NewWithPool creates a repository over an existing pool
func NewWithPool(pool DBPool, tableName string) *Repository {
	if tableName == "" {
		tableName = "conversation_contexts"
	}
	return &Repository{
		pool:      pool,
		tableName: tableName,
	}
}

// InitSchema creates the table if it doesn't exist
func (r *Repository) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			snapshot BYTEA NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_session_id ON %s (session_id);
	`, r.tableName, r.tableName, r.tableName)

	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save upserts a snapshot of cc
func (r *Repository) Save(ctx context.Context, cc conversation.ConversationContext) error {
	data, err := codec.EncodeContext(&cc)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, session_id, snapshot, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			snapshot = EXCLUDED.snapshot,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`, r.tableName)

	_, err = r.pool.Exec(ctx, query, cc.ID, cc.SessionID, data, cc.ExpiresAt, cc.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to save context: %w", err)
	}
	return nil
}

// Load retrieves a context by id
func (r *Repository) Load(ctx context.Context, id string) (conversation.ConversationContext, error) {
	query := fmt.Sprintf(`SELECT snapshot FROM %s WHERE id = $1`, r.tableName)
	return r.loadOne(ctx, query, id)
}

// LoadBySession retrieves the most recently updated context of a session
func (r *Repository) LoadBySession(ctx context.Context, sessionID string) (conversation.ConversationContext, error) {
	query := fmt.Sprintf(`SELECT snapshot FROM %s WHERE session_id = $1 ORDER BY updated_at DESC LIMIT 1`, r.tableName)
	return r.loadOne(ctx, query, sessionID)
}

func (r *Repository) loadOne(ctx context.Context, query, key string) (conversation.ConversationContext, error) {
	var data []byte
	if err := r.pool.QueryRow(ctx, query, key).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return conversation.ConversationContext{}, contextdb.NotFound(key)
		}
		return conversation.ConversationContext{}, fmt.Errorf("failed to load context: %w", err)
	}

	cc, err := codec.DecodeContext(data)
	if err != nil {
		return conversation.ConversationContext{}, fmt.Errorf("failed to decode context %s: %w", key, err)
	}
	return *cc, nil
}

// Delete removes a context by id
func (r *Repository) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.tableName)
	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete context: %w", err)
	}
	return nil
}

// List returns every stored context ordered by id. Rows that fail to
// decode are reported to the decode error handler and skipped.
func (r *Repository) List(ctx context.Context) ([]conversation.ConversationContext, error) {
	query := fmt.Sprintf(`SELECT id, snapshot FROM %s ORDER BY id`, r.tableName)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer rows.Close()

	out := []conversation.ConversationContext{}
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan context row: %w", err)
		}
		cc, err := codec.DecodeContext(data)
		if err != nil {
			r.onDecodeError.Report(id, err)
			continue
		}
		out = append(out, *cc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate context rows: %w", err)
	}
	return out, nil
}

// SetDecodeErrorHandler registers h to hear about snapshots List skipped
func (r *Repository) SetDecodeErrorHandler(h contextdb.DecodeErrorHandler) {
	r.onDecodeError = h
}

// Close closes the connection pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}
