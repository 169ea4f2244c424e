// Package memory defines the external memory store contract (spec.md §6): a
// per-user vector store of extracted conversation facts, used by the Memory
// Extraction job (C9) to upsert new facts and (by future retrieval callers)
// to search them back by embedding similarity.
//
// The store is a collaborator whose RPC/storage contract this system defines
// and owns, not an LLM-side concern — it has no notion of conversations,
// entities, or relationships beyond what the caller puts in Metadata.
//
// Every implementation must be safe for concurrent use.
package memory

import "context"

// Store is the abstraction over any vector-backed memory service.
type Store interface {
	// Upsert stores fact, keyed by fact.ID. If a fact with the same ID already
	// exists, its user, embedding and metadata are replaced and its original
	// creation time is kept.
	Upsert(ctx context.Context, fact Fact) error

	// Search finds the k facts belonging to userID whose embeddings are
	// closest to embedding. Results are ordered by ascending Distance (most
	// similar first). Returns an empty (non-nil) slice when no facts match.
	Search(ctx context.Context, userID string, embedding []float32, k int) ([]SearchResult, error)
}
