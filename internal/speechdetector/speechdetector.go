// Package speechdetector implements the Speech Detector Job (spec.md §4.7,
// component C7): a session-scoped job that polls the aggregator for
// meaningful speech and, once found, creates a Conversation and hands off to
// the Conversation Job.
package speechdetector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conversalabs/conversa-core/internal/aggregator"
	"github.com/conversalabs/conversa-core/internal/jobqueue"
	"github.com/conversalabs/conversa-core/pkg/convostore"
	"github.com/conversalabs/conversa-core/pkg/metadata"
	"github.com/conversalabs/conversa-core/pkg/types"
)

// Kind is this job's jobqueue stream kind ("jobs.speech_detector").
const Kind = "speech_detector"

// GroupName is the consumer group every speech-detector worker joins.
const GroupName = "speech-detector-workers"

const (
	pollInterval = time.Second
	// MaxDuration is the hard job timeout (spec.md §5: "speech detector
	// 24 h").
	MaxDuration = 24 * time.Hour
)

// ConversationQueue is the subset of jobqueue.Queue the job needs to hand
// off to the Conversation Job, kept as an interface so tests can substitute
// a recording stub.
type ConversationQueue interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
}

// Job runs the §4.7 polling loop for one session.
type Job struct {
	aggregator        *aggregator.Aggregator
	meta              metadata.Store
	conversations     convostore.Store
	conversationQueue ConversationQueue
	predicate         types.SpeechPredicateConfig
}

// New creates a Job. predicate selects the meaningful-speech threshold; the
// zero value is not valid — callers should pass
// [types.DefaultSpeechPredicateConfig] unless a speaker filter is
// configured.
func New(agg *aggregator.Aggregator, meta metadata.Store, conversations convostore.Store, conversationQueue ConversationQueue, predicate types.SpeechPredicateConfig) *Job {
	return &Job{
		aggregator:        agg,
		meta:              meta,
		conversations:     conversations,
		conversationQueue: conversationQueue,
		predicate:         predicate,
	}
}

// ConversationStart is the payload enqueued for the Conversation Job.
type ConversationStart struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

// Run polls session's combined transcript at pollInterval until meaningful
// speech is detected (creating a Conversation and enqueuing the Conversation
// Job before returning), the transport disconnects (returning without
// creating a conversation), or ctx is cancelled.
func (j *Job) Run(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, MaxDuration)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		session, err := j.meta.GetSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("speechdetector: get session %s: %w", sessionID, err)
		}

		if session.TransportDisconnected {
			return nil
		}

		if session.TranscriptionError != "" {
			// spec.md §4.7 step 3: idle while a persistent ASR error is in
			// effect. The error is already surfaced to the transport layer
			// via session metadata by the streaming consumer; this job just
			// waits for it to clear.
			continue
		}

		combined, err := j.aggregator.GetCombined(ctx, sessionID)
		if err != nil {
			slog.Error("speechdetector: get combined failed", "session_id", sessionID, "err", err)
			continue
		}

		if !types.MeaningfulSpeech(combined, j.predicate) {
			continue
		}

		return j.startConversation(ctx, session)
	}
}

func (j *Job) startConversation(ctx context.Context, session types.Session) error {
	conversationID := uuid.NewString()
	conv := types.Conversation{
		ConversationID: conversationID,
		SessionID:      session.SessionID,
		UserID:         session.UserID,
		ClientID:       session.ClientID,
		Status:         types.ConversationOpen,
		CreatedAt:      time.Now(),
	}
	if err := j.conversations.Create(ctx, conv); err != nil {
		return fmt.Errorf("speechdetector: create conversation %s: %w", conversationID, err)
	}
	// The Current-Conversation Pointer itself is written by the Conversation
	// Job on its own open -> monitoring transition, not here: metadata.Store
	// documents that pointer as single-writer-by-the-Conversation-Job (§5),
	// so this job's handoff is limited to creating the document and
	// enqueuing the job that will claim ownership of the pointer.

	payload, err := jobqueue.Encode(ConversationStart{ConversationID: conversationID, SessionID: session.SessionID})
	if err != nil {
		return fmt.Errorf("speechdetector: encode conversation start %s: %w", conversationID, err)
	}
	if _, err := j.conversationQueue.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("speechdetector: enqueue conversation job %s: %w", conversationID, err)
	}
	return nil
}

// Handler adapts Job into a jobqueue.Handler for a pool consuming the
// "speech_detector" stream. Payload is a [StartRequest].
func (j *Job) Handler() jobqueue.Handler {
	return func(ctx context.Context, payload []byte) error {
		req, err := jobqueue.Decode[StartRequest](payload)
		if err != nil {
			return err
		}
		return j.Run(ctx, req.SessionID)
	}
}

// StartRequest is the payload of a Speech Detector Job for a session. The
// Conversation Job's cleanup enqueues one after a conversation ends; no
// component in this repository enqueues one when a session starts.
type StartRequest struct {
	SessionID string `json:"session_id"`
}
