// Package postgres provides a PostgreSQL+pgvector implementation of the
// memory.Store contract: a per-user table of embedded facts with an HNSW
// index for cosine-similarity search.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	_ = store.Upsert(ctx, fact)
//	results, _ := store.Search(ctx, userID, queryEmbedding, 5)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlFacts = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_facts (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    embedding   vector(%d),
    metadata    JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_facts_user_id
    ON memory_facts (user_id);

CREATE INDEX IF NOT EXISTS idx_memory_facts_embedding
    ON memory_facts USING hnsw (embedding vector_cosine_ops);
`

// Migrate creates or ensures the memory_facts table and the pgvector
// extension exist. It is idempotent and safe to call on every application
// start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires
// a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlFacts, embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
