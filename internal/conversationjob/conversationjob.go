// Package conversationjob implements the Conversation Job (spec.md §4.8,
// component C8): the state machine driving one conversation from creation
// through monitoring and finalization, then handing off to the
// Post-Conversation Pipeline.
package conversationjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conversalabs/conversa-core/internal/jobqueue"
	"github.com/conversalabs/conversa-core/internal/speechdetector"

	"github.com/conversalabs/conversa-core/internal/aggregator"
	"github.com/conversalabs/conversa-core/pkg/convostore"
	"github.com/conversalabs/conversa-core/pkg/metadata"
	"github.com/conversalabs/conversa-core/pkg/streamlog"
	"github.com/conversalabs/conversa-core/pkg/types"
)

// Kind is this job's jobqueue stream kind ("jobs.conversation").
const Kind = "conversation"

const (
	// MaxDuration is the hard job timeout (spec.md §5: "conversation job
	// 3 h").
	MaxDuration = 3 * time.Hour

	// DefaultInactivityTimeout is how long monitoring waits for new
	// word-level activity before finalizing (spec.md §4.8, default 60s).
	DefaultInactivityTimeout = 60 * time.Second

	// DefaultAudioBindWait bounds how long finalization waits for the
	// Persistence Consumer to populate the Audio File Binding (spec.md
	// §4.8, default 30s).
	DefaultAudioBindWait = 30 * time.Second

	monitorInterval  = time.Second
	bindPollInterval = 250 * time.Millisecond
)

// ErrAudioFileNotReady is returned by waitAudioBinding when
// DefaultAudioBindWait elapses with no Audio File Binding recorded.
var ErrAudioFileNotReady = errors.New("conversationjob: audio file not ready")

// JobQueue is the subset of jobqueue.Queue this job needs, kept as an
// interface so tests can substitute a recording stub.
type JobQueue interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
}

// Job runs the §4.8 state machine for one conversation.
type Job struct {
	aggregator          *aggregator.Aggregator
	meta                metadata.Store
	conversations       convostore.Store
	streams             streamlog.Factory
	speechDetectorQueue JobQueue
	postPipelineQueue   JobQueue

	inactivityTimeout time.Duration
	audioBindWait     time.Duration
	predicate         types.SpeechPredicateConfig
}

// New creates a Job. inactivityTimeout <= 0 defaults to
// DefaultInactivityTimeout; audioBindWait <= 0 defaults to
// DefaultAudioBindWait.
func New(
	agg *aggregator.Aggregator,
	meta metadata.Store,
	conversations convostore.Store,
	streams streamlog.Factory,
	speechDetectorQueue JobQueue,
	postPipelineQueue JobQueue,
	inactivityTimeout, audioBindWait time.Duration,
	predicate types.SpeechPredicateConfig,
) *Job {
	if inactivityTimeout <= 0 {
		inactivityTimeout = DefaultInactivityTimeout
	}
	if audioBindWait <= 0 {
		audioBindWait = DefaultAudioBindWait
	}
	return &Job{
		aggregator:          agg,
		meta:                meta,
		conversations:       conversations,
		streams:             streams,
		speechDetectorQueue: speechDetectorQueue,
		postPipelineQueue:   postPipelineQueue,
		inactivityTimeout:   inactivityTimeout,
		audioBindWait:       audioBindWait,
		predicate:           predicate,
	}
}

// PostPipelineStart is the payload enqueued for the Post-Conversation
// Pipeline.
type PostPipelineStart struct {
	ConversationID string `json:"conversation_id"`
}

// Handler adapts Job into a jobqueue.Handler for a pool consuming the
// "conversation" stream. Payload is a [speechdetector.ConversationStart] —
// the same shape the Speech Detector Job enqueues, reused rather than
// duplicated.
func (j *Job) Handler() jobqueue.Handler {
	return func(ctx context.Context, payload []byte) error {
		req, err := jobqueue.Decode[speechdetector.ConversationStart](payload)
		if err != nil {
			return err
		}
		return j.Run(ctx, req.ConversationID, req.SessionID)
	}
}

// Run drives conversationID through open -> monitoring -> finalizing ->
// closed, then performs the re-entry cleanup (spec.md §4.7's "Conversation
// Job's cleanup function"): deleting the session's result stream, bumping
// its conversation counter, and re-enqueuing a fresh Speech Detector Job if
// the transport is still connected.
func (j *Job) Run(ctx context.Context, conversationID, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, MaxDuration)
	defer cancel()

	if err := j.open(ctx, conversationID, sessionID); err != nil {
		return err
	}

	endReason, err := j.monitor(ctx, sessionID)
	if err != nil {
		return err
	}

	deleted, err := j.finalize(ctx, conversationID, sessionID, endReason)
	if err != nil {
		return err
	}

	if !deleted {
		if err := j.enqueuePostPipeline(ctx, conversationID); err != nil {
			return err
		}
	}

	return j.cleanup(ctx, sessionID)
}

// open implements the immediate open -> monitoring transition: it is the
// Conversation Job, not the Speech Detector Job, that writes the
// Current-Conversation Pointer — metadata.Store documents that pointer as
// single-writer-by-the-Conversation-Job (spec.md §5), so ownership transfers
// here at the start of this run.
func (j *Job) open(ctx context.Context, conversationID, sessionID string) error {
	if err := j.meta.SetCurrentConversation(ctx, sessionID, conversationID); err != nil {
		return fmt.Errorf("conversationjob: set current conversation %s: %w", sessionID, err)
	}
	if err := j.conversations.Mutate(ctx, conversationID, func(c *types.Conversation) error {
		c.Status = types.ConversationMonitoring
		return nil
	}); err != nil {
		return fmt.Errorf("conversationjob: open %s: %w", conversationID, err)
	}
	return nil
}

// monitor polls at monitorInterval until one of the three monitoring ->
// finalizing triggers fires (spec.md §4.8), refreshing the
// Current-Conversation Pointer's TTL on every tick to guard against expiry
// mid-conversation (DESIGN.md Open Question decision).
func (j *Job) monitor(ctx context.Context, sessionID string) (types.EndReason, error) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	lastActivity := time.Now()
	lastWordCount := -1

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		if err := j.meta.RefreshCurrentConversation(ctx, sessionID); err != nil && !errors.Is(err, metadata.ErrNotFound) {
			return "", fmt.Errorf("conversationjob: refresh pointer %s: %w", sessionID, err)
		}

		session, err := j.meta.GetSession(ctx, sessionID)
		if err != nil {
			return "", fmt.Errorf("conversationjob: get session %s: %w", sessionID, err)
		}
		if session.TransportDisconnected {
			return types.EndTransportDisconnect, nil
		}
		if session.StopRequested {
			return types.EndUserStopped, nil
		}

		combined, err := j.aggregator.GetCombined(ctx, sessionID)
		if err != nil {
			slog.Error("conversationjob: get combined failed", "session_id", sessionID, "err", err)
			continue
		}
		if lastWordCount < 0 || len(combined.Words) != lastWordCount {
			lastWordCount = len(combined.Words)
			lastActivity = time.Now()
			continue
		}
		if time.Since(lastActivity) >= j.inactivityTimeout {
			return types.EndInactivityTimeout, nil
		}
	}
}

// finalize implements the finalizing -> closed transition (spec.md §4.8):
// wait for the Audio File Binding, snapshot the active transcript version,
// and decide whether the conversation is deleted (audio never bound, or the
// finalized transcript fails the meaningful-speech predicate). Returns
// whether the conversation ended up deleted, in which case the caller must
// not enqueue post-processing.
func (j *Job) finalize(ctx context.Context, conversationID, sessionID string, endReason types.EndReason) (bool, error) {
	if err := j.conversations.Mutate(ctx, conversationID, func(c *types.Conversation) error {
		c.Status = types.ConversationFinalizing
		c.EndReason = endReason
		return nil
	}); err != nil {
		return false, fmt.Errorf("conversationjob: finalize start %s: %w", conversationID, err)
	}

	audioPath, err := j.waitAudioBinding(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrAudioFileNotReady) {
			return true, j.closeDeleted(ctx, conversationID, types.EndAudioFileNotReady)
		}
		return false, err
	}

	combined, err := j.aggregator.GetCombined(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("conversationjob: get combined for snapshot %s: %w", sessionID, err)
	}
	meaningful := types.MeaningfulSpeech(combined, j.predicate)

	version := types.TranscriptVersion{
		VersionID: "v1",
		Text:      combined.Text,
		Segments:  combined.Segments,
		Words:     combined.Words,
		Provider:  combined.Provider,
		CreatedAt: time.Now(),
	}

	deleted := !meaningful
	err = j.conversations.Mutate(ctx, conversationID, func(c *types.Conversation) error {
		if c.TranscriptVersions == nil {
			c.TranscriptVersions = make(map[string]types.TranscriptVersion)
		}
		c.TranscriptVersions["v1"] = version
		c.ActiveVersion = "v1"
		c.Status = types.ConversationClosed
		c.CompletedAt = time.Now()
		if deleted {
			c.Deleted = true
			c.EndReason = types.EndNoMeaningfulSpeech
		} else {
			c.AudioPath = audioPath
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("conversationjob: finalize close %s: %w", conversationID, err)
	}
	return deleted, nil
}

func (j *Job) closeDeleted(ctx context.Context, conversationID string, endReason types.EndReason) error {
	return j.conversations.Mutate(ctx, conversationID, func(c *types.Conversation) error {
		c.Status = types.ConversationClosed
		c.EndReason = endReason
		c.Deleted = true
		c.CompletedAt = time.Now()
		return nil
	})
}

// waitAudioBinding polls the Audio File Binding until it appears or
// audioBindWait elapses.
func (j *Job) waitAudioBinding(ctx context.Context, conversationID string) (string, error) {
	deadline := time.Now().Add(j.audioBindWait)
	for {
		path, err := j.meta.GetAudioFileBinding(ctx, conversationID)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, metadata.ErrNotFound) {
			return "", fmt.Errorf("conversationjob: get audio file binding %s: %w", conversationID, err)
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s", ErrAudioFileNotReady, conversationID)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(bindPollInterval):
		}
	}
}

func (j *Job) enqueuePostPipeline(ctx context.Context, conversationID string) error {
	payload, err := jobqueue.Encode(PostPipelineStart{ConversationID: conversationID})
	if err != nil {
		return fmt.Errorf("conversationjob: encode post pipeline start %s: %w", conversationID, err)
	}
	if _, err := j.postPipelineQueue.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("conversationjob: enqueue post pipeline %s: %w", conversationID, err)
	}
	return nil
}

// cleanup implements the re-entry step spec.md §4.7 describes as the
// Conversation Job's responsibility: delete the session's now-stale result
// stream, bump its conversation counter, and re-enqueue a fresh Speech
// Detector Job if the transport is still connected (a session produces 0..N
// conversations).
func (j *Job) cleanup(ctx context.Context, sessionID string) error {
	resultLog := j.streams.Stream(streamlog.ResultStreamName(sessionID))
	if err := resultLog.Delete(ctx); err != nil {
		return fmt.Errorf("conversationjob: delete result stream %s: %w", sessionID, err)
	}
	if _, err := j.meta.IncrConversationCount(ctx, sessionID); err != nil {
		return fmt.Errorf("conversationjob: incr conversation count %s: %w", sessionID, err)
	}

	session, err := j.meta.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("conversationjob: get session for cleanup %s: %w", sessionID, err)
	}
	if session.TransportDisconnected {
		return nil
	}

	payload, err := jobqueue.Encode(speechdetector.StartRequest{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("conversationjob: encode speech detector restart %s: %w", sessionID, err)
	}
	if _, err := j.speechDetectorQueue.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("conversationjob: re-enqueue speech detector %s: %w", sessionID, err)
	}
	return nil
}
