package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/conversalabs/conversa-core/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL+pgvector-backed implementation of memory.Store.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs Migrate to ensure the memory_facts table exists.
//
// embeddingDimensions must match the output dimension of the embedding
// provider used to produce Fact.Embedding values (e.g., 1536 for OpenAI
// text-embedding-3-small). Changing this value after the first migration
// requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Upsert implements memory.Store.
func (s *Store) Upsert(ctx context.Context, fact memory.Fact) error {
	metadata, err := json.Marshal(fact.Metadata)
	if err != nil {
		return fmt.Errorf("memory store: marshal metadata: %w", err)
	}

	createdAt := fact.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const q = `
		INSERT INTO memory_facts (id, user_id, embedding, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    user_id    = EXCLUDED.user_id,
		    embedding  = EXCLUDED.embedding,
		    metadata   = EXCLUDED.metadata`

	vec := pgvector.NewVector(fact.Embedding)
	_, err = s.pool.Exec(ctx, q, fact.ID, fact.UserID, vec, metadata, createdAt)
	if err != nil {
		return fmt.Errorf("memory store: upsert: %w", err)
	}
	return nil
}

// Search implements memory.Store.
func (s *Store) Search(ctx context.Context, userID string, embedding []float32, k int) ([]memory.SearchResult, error) {
	queryVec := pgvector.NewVector(embedding)

	const q = `
		SELECT id, user_id, embedding, metadata, created_at,
		       embedding <=> $1 AS distance
		FROM   memory_facts
		WHERE  user_id = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, queryVec, userID, k)
	if err != nil {
		return nil, fmt.Errorf("memory store: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.SearchResult, error) {
		var (
			sr       memory.SearchResult
			vec      pgvector.Vector
			metadata []byte
		)
		if err := row.Scan(&sr.Fact.ID, &sr.Fact.UserID, &vec, &metadata, &sr.Fact.CreatedAt, &sr.Distance); err != nil {
			return memory.SearchResult{}, err
		}
		sr.Fact.Embedding = vec.Slice()
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &sr.Fact.Metadata); err != nil {
				return memory.SearchResult{}, fmt.Errorf("memory store: unmarshal metadata: %w", err)
			}
		}
		return sr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory store: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	return results, nil
}
