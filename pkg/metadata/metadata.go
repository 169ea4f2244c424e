// Package metadata defines the single-writer/many-reader key-value store
// used to coordinate across process boundaries without distributed locks:
// session state, the Current-Conversation Pointer, and the Audio File
// Binding (spec.md §3, §4.2, §4.5, §5).
//
// Session metadata fields have these writers: the producer creates the
// record and writes frame_count and status=finalizing; the Streaming
// Transcription Consumer writes transcription_error; the transport layer
// writes stop_requested and transport_disconnected, which the Persistence
// Consumer also sets when it cannot sync its file; each consumer group
// records its drain through MarkConsumerDrained, which sets status=complete;
// and the Conversation Job writes conversation_count. Every other component
// only reads. The Current-Conversation Pointer has a
// single writer, the Conversation Job; it is a programming error for any
// other component to write it. The Audio File Binding has a single writer,
// the Persistence Consumer.
package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/conversalabs/conversa-core/pkg/types"
)

// ErrNotFound is returned when a session, pointer, or binding has no record
// — either it was never written or its TTL has expired.
var ErrNotFound = errors.New("metadata: not found")

// Session TTLs and thresholds from spec.md §3 and §6.
const (
	// SessionTTL is how long session metadata survives after status becomes
	// complete.
	SessionTTL = time.Hour

	// CurrentConversationTTL bounds the Current-Conversation Pointer's
	// lifetime. It is longer than any expected conversation so that a
	// pointer never expires mid-conversation under normal operation; the
	// Conversation Job additionally refreshes it on every monitoring
	// iteration (see the Open Question decision in DESIGN.md).
	CurrentConversationTTL = 24 * time.Hour

	// AudioFileBindingTTL bounds the Audio File Binding's lifetime.
	AudioFileBindingTTL = 24 * time.Hour
)

// Store is the metadata key-value contract. All methods are safe for
// concurrent use; callers rely on this since the producer and the
// Conversation Job write the same session record from different processes.
type Store interface {
	// CreateSession writes session metadata with status=active and all
	// counters zeroed. If a record already exists for session.SessionID, it
	// succeeds only when the existing record's status is active and its
	// UserID matches (idempotent re-init of the same session); otherwise it
	// returns ErrSessionConflict.
	CreateSession(ctx context.Context, session types.Session) error

	// GetSession reads the current session record. Returns ErrNotFound if
	// none exists (never written, or past its TTL).
	GetSession(ctx context.Context, sessionID string) (types.Session, error)

	// SetSessionStatus updates status. Written only by the producer/consumer
	// path that owns the session's lifecycle.
	SetSessionStatus(ctx context.Context, sessionID string, status types.SessionStatus) error

	// IncrFrameCount atomically adds delta to the session's frame counter and
	// returns the new value.
	IncrFrameCount(ctx context.Context, sessionID string, delta int64) (int64, error)

	// SetTranscriptionError records a persistent ASR failure (§4.3) so the
	// Speech Detector Job can observe and surface it. An empty message
	// clears the field.
	SetTranscriptionError(ctx context.Context, sessionID, message string) error

	// SetTransportDisconnected marks that the transport layer observed the
	// client connection close without a clean end().
	SetTransportDisconnected(ctx context.Context, sessionID string) error

	// SetStopRequested marks that the transport layer received an explicit
	// stop signal for the session's current conversation (spec.md §4.8
	// transition (b), distinct from an unclean disconnect).
	SetStopRequested(ctx context.Context, sessionID string) error

	// IncrConversationCount atomically bumps the session's conversation
	// counter, written by the Conversation Job's cleanup step.
	IncrConversationCount(ctx context.Context, sessionID string) (int, error)

	// ExpireSession sets session metadata to expire after SessionTTL,
	// called once status transitions to complete.
	ExpireSession(ctx context.Context, sessionID string) error

	// SetCurrentConversation writes the Current-Conversation Pointer. Only
	// the Conversation Job may call this.
	SetCurrentConversation(ctx context.Context, sessionID, conversationID string) error

	// GetCurrentConversation reads the Current-Conversation Pointer. Returns
	// ErrNotFound if unset or expired.
	GetCurrentConversation(ctx context.Context, sessionID string) (string, error)

	// RefreshCurrentConversation extends the pointer's TTL without changing
	// its value, called by the Conversation Job on each monitoring
	// iteration to guard against TTL expiry mid-conversation.
	RefreshCurrentConversation(ctx context.Context, sessionID string) error

	// SetAudioFileBinding records the completed WAV file's path for a
	// conversation. Only the Persistence Consumer may call this.
	SetAudioFileBinding(ctx context.Context, conversationID, path string) error

	// GetAudioFileBinding reads the Audio File Binding. Returns ErrNotFound
	// if the file hasn't been closed yet (or the binding expired).
	GetAudioFileBinding(ctx context.Context, conversationID string) (string, error)

	// ListActiveSessions returns the ids of every session not yet complete.
	// This backs the "periodic scan" discovery mechanism spec.md §4.3/§4.4
	// describe for the transcription consumers, and the analogous discovery
	// the persistence consumer (§4.5) needs to spawn one worker per session.
	ListActiveSessions(ctx context.Context) ([]string, error)

	// MarkConsumerDrained records that the named consumer group has fully
	// processed a session's END sentinel. Once both of a session's expected
	// groups (its persistence worker and whichever transcription group it
	// was routed to) have drained, the session transitions to
	// status=complete, its metadata is put on the [SessionTTL] countdown,
	// and it is removed from ListActiveSessions. Returns true when this call
	// was the one that completed the session.
	MarkConsumerDrained(ctx context.Context, sessionID, group string) (completed bool, err error)
}

// ErrSessionConflict is returned by CreateSession when a session with the
// same id already exists with a different user or a non-active status.
var ErrSessionConflict = errors.New("metadata: session conflict")
