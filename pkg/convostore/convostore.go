// Package convostore defines the Conversation document store contract
// (spec.md §3, §6): the durable record the Speech Detector Job creates on
// speech detection and the post-conversation pipeline jobs progressively
// fill in (speaker-labeled segments, title, summary, per-job errors).
//
// A Conversation is mutated by several independent, sometimes-concurrent
// writers after the C9 fan-out point (Recognize Speakers must finish before
// Memory Extraction and Title & Summary start; those two may then write
// concurrently, and Dispatch runs after both). [Store.Mutate] is the one write path every
// caller uses, so every update is read-modify-write under row-level
// locking rather than a blind overwrite that could lose a sibling job's
// write.
package convostore

import (
	"context"
	"errors"

	"github.com/conversalabs/conversa-core/pkg/types"
)

// ErrNotFound is returned when a conversation id has no record.
var ErrNotFound = errors.New("convostore: not found")

// ErrAlreadyExists is returned by Create when conversationID is already
// taken.
var ErrAlreadyExists = errors.New("convostore: already exists")

// Store is the Conversation document persistence contract. Implementations
// must be safe for concurrent use.
type Store interface {
	// Create inserts conv. Returns ErrAlreadyExists if conv.ConversationID is
	// already taken.
	Create(ctx context.Context, conv types.Conversation) error

	// Get returns the conversation by id, or ErrNotFound.
	Get(ctx context.Context, conversationID string) (types.Conversation, error)

	// Mutate reads the conversation for conversationID under a row lock,
	// applies fn to a copy, and writes the result back in the same
	// transaction — the only way callers change a Conversation after
	// Create. Returns ErrNotFound if no such conversation exists. If fn
	// returns an error, the transaction is rolled back and that error is
	// returned.
	Mutate(ctx context.Context, conversationID string, fn func(*types.Conversation) error) error

	// ListBySession returns every conversation for sessionID, oldest first.
	ListBySession(ctx context.Context, sessionID string) ([]types.Conversation, error)
}
