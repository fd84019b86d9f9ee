// ABOUTME: SQLite-backed context repository
// ABOUTME: Single-file persistence for local deployments

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nainya/convmemory/pkg/codec"
	"github.com/nainya/convmemory/pkg/contextdb"
	"github.com/nainya/convmemory/pkg/conversation"
)

// Repository implements contextdb.Repository using SQLite
type Repository struct {
	db            *sql.DB
	tableName     string
	onDecodeError contextdb.DecodeErrorHandler
}

// Options configures the SQLite database
type Options struct {
	Path      string
	TableName string // Default "conversation_contexts"
}

// New opens the database and ensures the schema exists
func New(opts Options) (*Repository, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	tableName := opts.TableName
	if tableName == "" {
		tableName = "conversation_contexts"
	}

	repo := &Repository{
		db:        db,
		tableName: tableName,
	}
	if err := repo.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// InitSchema creates the table if it doesn't exist
func (r *Repository) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			snapshot BLOB NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_session_id ON %s (session_id);
	`, r.tableName, r.tableName, r.tableName)

	if _, err := r.db.ExecContext(ctx, query); err != nil {
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
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			snapshot = excluded.snapshot,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, r.tableName)

	_, err = r.db.ExecContext(ctx, query,
		cc.ID,
		cc.SessionID,
		data,
		cc.ExpiresAt.UnixNano(),
		cc.LastUpdated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save context: %w", err)
	}
	return nil
}

// Load retrieves a context by id
func (r *Repository) Load(ctx context.Context, id string) (conversation.ConversationContext, error) {
	query := fmt.Sprintf(`SELECT snapshot FROM %s WHERE id = ?`, r.tableName)
	return r.loadOne(ctx, query, id)
}

// LoadBySession retrieves the most recently updated context of a session
func (r *Repository) LoadBySession(ctx context.Context, sessionID string) (conversation.ConversationContext, error) {
	query := fmt.Sprintf(`SELECT snapshot FROM %s WHERE session_id = ? ORDER BY updated_at DESC LIMIT 1`, r.tableName)
	return r.loadOne(ctx, query, sessionID)
}

func (r *Repository) loadOne(ctx context.Context, query, key string) (conversation.ConversationContext, error) {
	var data []byte
	if err := r.db.QueryRowContext(ctx, query, key).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, r.tableName)
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete context: %w", err)
	}
	return nil
}

// List returns every stored context ordered by id. Rows that fail to
// decode are reported to the decode error handler and skipped.
func (r *Repository) List(ctx context.Context) ([]conversation.ConversationContext, error) {
	query := fmt.Sprintf(`SELECT id, snapshot FROM %s ORDER BY id`, r.tableName)
	rows, err := r.db.QueryContext(ctx, query)
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

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}
