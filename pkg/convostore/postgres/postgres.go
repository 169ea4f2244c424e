// Package postgres provides the PostgreSQL implementation of
// [convostore.Store] the Conversation Job (C8) and post-conversation
// pipeline (C9) persist conversation documents to.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conversalabs/conversa-core/pkg/convostore"
	"github.com/conversalabs/conversa-core/pkg/types"
)

var _ convostore.Store = (*Store)(nil)

// Schema is the DDL creating the conversations table.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id                  TEXT PRIMARY KEY,
    session_id          TEXT NOT NULL,
    user_id             TEXT NOT NULL,
    client_id           TEXT NOT NULL,
    audio_path          TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    transcript_versions JSONB NOT NULL DEFAULT '{}',
    active_version      TEXT NOT NULL DEFAULT '',
    title               TEXT NOT NULL DEFAULT '',
    summary             TEXT NOT NULL DEFAULT '',
    detailed_summary    TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL,
    completed_at        TIMESTAMPTZ,
    end_reason          TEXT NOT NULL DEFAULT '',
    deleted             BOOLEAN NOT NULL DEFAULT false,
    error               TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);
`

// Store is a [convostore.Store] backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, ensures the schema exists, and returns a Store.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("convostore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convostore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convostore: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping reports whether the underlying connection pool can reach Postgres.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const insertQuery = `
	INSERT INTO conversations (
		id, session_id, user_id, client_id, audio_path, status,
		transcript_versions, active_version, title, summary, detailed_summary,
		created_at, completed_at, end_reason, deleted, error
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

// Create implements convostore.Store.
func (s *Store) Create(ctx context.Context, conv types.Conversation) error {
	versions, err := marshalVersions(conv.TranscriptVersions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, insertQuery,
		conv.ConversationID, conv.SessionID, conv.UserID, conv.ClientID, conv.AudioPath, string(conv.Status),
		versions, conv.ActiveVersion, conv.Title, conv.Summary, conv.DetailedSummary,
		conv.CreatedAt, nullableTime(conv.CompletedAt), string(conv.EndReason), conv.Deleted, conv.Error,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return convostore.ErrAlreadyExists
		}
		return fmt.Errorf("convostore: create %s: %w", conv.ConversationID, err)
	}
	return nil
}

const selectQuery = `
	SELECT id, session_id, user_id, client_id, audio_path, status,
	       transcript_versions, active_version, title, summary, detailed_summary,
	       created_at, completed_at, end_reason, deleted, error
	FROM conversations WHERE id = $1`

const selectForUpdateQuery = selectQuery + ` FOR UPDATE`

// Get implements convostore.Store.
func (s *Store) Get(ctx context.Context, conversationID string) (types.Conversation, error) {
	row := s.pool.QueryRow(ctx, selectQuery, conversationID)
	return scanConversation(row)
}

// Mutate implements convostore.Store.
func (s *Store) Mutate(ctx context.Context, conversationID string, fn func(*types.Conversation) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convostore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	conv, err := scanConversation(tx.QueryRow(ctx, selectForUpdateQuery, conversationID))
	if err != nil {
		return err
	}
	if err := fn(&conv); err != nil {
		return err
	}
	if err := s.update(ctx, tx, conv); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convostore: commit: %w", err)
	}
	return nil
}

const updateQuery = `
	UPDATE conversations SET
		audio_path = $2, status = $3, transcript_versions = $4, active_version = $5,
		title = $6, summary = $7, detailed_summary = $8,
		completed_at = $9, end_reason = $10, deleted = $11, error = $12
	WHERE id = $1`

func (s *Store) update(ctx context.Context, tx pgx.Tx, conv types.Conversation) error {
	versions, err := marshalVersions(conv.TranscriptVersions)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, updateQuery,
		conv.ConversationID, conv.AudioPath, string(conv.Status), versions, conv.ActiveVersion,
		conv.Title, conv.Summary, conv.DetailedSummary,
		nullableTime(conv.CompletedAt), string(conv.EndReason), conv.Deleted, conv.Error,
	)
	if err != nil {
		return fmt.Errorf("convostore: update %s: %w", conv.ConversationID, err)
	}
	return nil
}

const listBySessionQuery = `
	SELECT id, session_id, user_id, client_id, audio_path, status,
	       transcript_versions, active_version, title, summary, detailed_summary,
	       created_at, completed_at, end_reason, deleted, error
	FROM conversations WHERE session_id = $1 ORDER BY created_at ASC`

// ListBySession implements convostore.Store.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]types.Conversation, error) {
	rows, err := s.pool.Query(ctx, listBySessionQuery, sessionID)
	if err != nil {
		return nil, fmt.Errorf("convostore: list by session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []types.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convostore: list by session %s: %w", sessionID, err)
	}
	if out == nil {
		out = []types.Conversation{}
	}
	return out, nil
}

// row is satisfied by both pgx.Row (QueryRow) and pgx.Rows (Query, after
// Next), letting scanConversation serve every read path above.
type row interface {
	Scan(dest ...any) error
}

func scanConversation(r row) (types.Conversation, error) {
	var (
		conv         types.Conversation
		status       string
		endReason    string
		versionsJSON []byte
		completedAt  *time.Time
	)
	err := r.Scan(
		&conv.ConversationID, &conv.SessionID, &conv.UserID, &conv.ClientID, &conv.AudioPath, &status,
		&versionsJSON, &conv.ActiveVersion, &conv.Title, &conv.Summary, &conv.DetailedSummary,
		&conv.CreatedAt, &completedAt, &endReason, &conv.Deleted, &conv.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Conversation{}, convostore.ErrNotFound
		}
		return types.Conversation{}, fmt.Errorf("convostore: scan: %w", err)
	}
	conv.Status = types.ConversationStatus(status)
	conv.EndReason = types.EndReason(endReason)
	if completedAt != nil {
		conv.CompletedAt = *completedAt
	}
	if len(versionsJSON) > 0 {
		if err := json.Unmarshal(versionsJSON, &conv.TranscriptVersions); err != nil {
			return types.Conversation{}, fmt.Errorf("convostore: unmarshal transcript_versions: %w", err)
		}
	}
	return conv, nil
}

func marshalVersions(versions map[string]types.TranscriptVersion) ([]byte, error) {
	if versions == nil {
		versions = map[string]types.TranscriptVersion{}
	}
	b, err := json.Marshal(versions)
	if err != nil {
		return nil, fmt.Errorf("convostore: marshal transcript_versions: %w", err)
	}
	return b, nil
}

// nullableTime returns nil for a zero time.Time so the column is written as
// SQL NULL instead of the Postgres epoch (mirrors the zero-value-defaulting
// pattern pkg/metadata/redis.go uses for CreatedAt).
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
