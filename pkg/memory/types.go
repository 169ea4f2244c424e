package memory

import "time"

// Fact is a single piece of extracted memory: a user-scoped embedding plus
// free-form metadata, produced by the Memory Extraction job (C9) from a
// conversation's speaker-labeled transcript.
type Fact struct {
	// ID is the unique identifier for this fact (e.g., a UUID). Upserting with
	// an existing ID replaces the prior value.
	ID string

	// UserID scopes this fact to one user. Search is always scoped to a single
	// UserID; facts belonging to other users are never returned.
	UserID string

	// Embedding is the vector representation used for similarity search.
	// Dimension must match the store's configured embedding dimensions.
	Embedding []float32

	// Metadata is arbitrary fact content (e.g., the extracted text, the
	// source conversation id, a category label) stored and returned verbatim.
	Metadata map[string]any

	// CreatedAt is when this fact was first written.
	CreatedAt time.Time
}

// SearchResult pairs a retrieved Fact with its vector-space distance from the
// query embedding. Lower Distance values indicate higher similarity.
type SearchResult struct {
	Fact     Fact
	Distance float64
}
