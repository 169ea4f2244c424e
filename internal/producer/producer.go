// Package producer implements the audio ingestion entrypoint (spec.md §4.2,
// component C2): it accepts raw PCM bytes per session, fragments them into
// fixed-size frames, and appends each frame to the session's durable audio
// stream.
//
// Producer is the one component external transports call directly — it runs
// embedded in the transport process (the "producer-embedded" process type in
// spec.md §6) rather than as a separate worker, since append latency is on
// the hot path of every inbound audio chunk.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/conversalabs/conversa-core/internal/retry"
	"github.com/conversalabs/conversa-core/pkg/metadata"
	"github.com/conversalabs/conversa-core/pkg/streamlog"
	"github.com/conversalabs/conversa-core/pkg/types"
)

// Error kinds returned by Producer methods, named exactly as spec.md §7
// tabulates them.
var (
	ErrSessionConflict  = errors.New("producer: session conflict")
	ErrSessionMissing   = errors.New("producer: session missing")
	ErrSessionFinalized = errors.New("producer: session finalized")
	ErrLogWriteFailed   = errors.New("producer: log write failed")
)

// InitRequest carries the parameters of init_session (spec.md §4.2). Mode
// selects which transcription consumer group the session's frames are
// routed to; the Producer only records it on session metadata (spec.md §4.4
// "selected at init_session") — routing is the relevant consumer's job.
type InitRequest struct {
	SessionID    string
	UserID       string
	ClientID     string
	ConnectionID string
	Provider     string
	Mode         types.TranscriptionMode
}

// Producer fragments inbound audio into canonical frames and appends them to
// the per-client durable log, one rolling buffer per active session.
type Producer struct {
	streams  streamlog.Factory
	metadata metadata.Store

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	mu         sync.Mutex
	clientID   string
	buf        []byte
	nextOffset int64
	finalized  bool
}

// New creates a Producer appending frames via streams and tracking session
// state via meta.
func New(streams streamlog.Factory, meta metadata.Store) *Producer {
	return &Producer{
		streams:  streams,
		metadata: meta,
		sessions: make(map[string]*sessionState),
	}
}

// InitSession allocates an in-process rolling buffer and writes session
// metadata with status=active. Idempotent on an existing session_id only if
// it is still active and owned by the same user; otherwise ErrSessionConflict.
func (p *Producer) InitSession(ctx context.Context, req InitRequest) error {
	session := types.Session{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		ClientID:     req.ClientID,
		ConnectionID: req.ConnectionID,
		Status:       types.SessionActive,
		Mode:         req.Mode,
		Provider:     req.Provider,
	}
	if err := p.metadata.CreateSession(ctx, session); err != nil {
		if errors.Is(err, metadata.ErrSessionConflict) {
			return ErrSessionConflict
		}
		return fmt.Errorf("producer: init session %s: %w", req.SessionID, err)
	}

	p.mu.Lock()
	if _, exists := p.sessions[req.SessionID]; !exists {
		p.sessions[req.SessionID] = &sessionState{clientID: req.ClientID}
	}
	p.mu.Unlock()
	return nil
}

// Append peels fixed-size frames off the session's rolling buffer, appending
// each to audio.stream.{client_id}, and returns the ids of frames actually
// written. Any trailing partial frame remains buffered for the next Append
// or is flushed (zero-padded) by End.
func (p *Producer) Append(ctx context.Context, sessionID string, data []byte) ([]string, error) {
	st, err := p.sessionFor(sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finalized {
		return nil, ErrSessionFinalized
	}

	st.buf = append(st.buf, data...)
	log := p.streams.Stream(streamlog.AudioStreamName(st.clientID))

	var ids []string
	for len(st.buf) >= types.FrameBytes {
		frame := types.AudioFrame{
			Payload:        st.buf[:types.FrameBytes],
			SequenceOffset: st.nextOffset,
		}
		id, err := p.appendFrame(ctx, log, frame)
		if err != nil {
			// Leave the unwritten portion (this frame onward) in the buffer
			// so a later Append retries the same bytes instead of silently
			// dropping audio.
			return ids, err
		}
		ids = append(ids, id)
		st.nextOffset++
		st.buf = st.buf[types.FrameBytes:]
	}

	if _, err := p.metadata.IncrFrameCount(ctx, sessionID, int64(len(ids))); err != nil {
		return ids, fmt.Errorf("producer: incr frame count %s: %w", sessionID, err)
	}
	return ids, nil
}

// End flushes any partial buffer (zero-padded to frame size), appends the
// END sentinel, and sets status=finalizing. Subsequent Append calls fail
// with ErrSessionFinalized.
func (p *Producer) End(ctx context.Context, sessionID string) error {
	st, err := p.sessionFor(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.finalized {
		return nil
	}

	log := p.streams.Stream(streamlog.AudioStreamName(st.clientID))

	if len(st.buf) > 0 {
		padded := make([]byte, types.FrameBytes)
		copy(padded, st.buf)
		frame := types.AudioFrame{Payload: padded, SequenceOffset: st.nextOffset}
		if _, err := p.appendFrame(ctx, log, frame); err != nil {
			return err
		}
		st.nextOffset++
		st.buf = nil
	}

	end := types.AudioFrame{End: true, SequenceOffset: st.nextOffset}
	if _, err := p.appendFrame(ctx, log, end); err != nil {
		return err
	}

	st.finalized = true
	if err := p.metadata.SetSessionStatus(ctx, sessionID, types.SessionFinalizing); err != nil {
		return fmt.Errorf("producer: set finalizing %s: %w", sessionID, err)
	}
	return nil
}

// appendFrame writes one frame with the LOG_WRITE_FAILED retry policy from
// spec.md §7 (3 attempts, exponential backoff).
func (p *Producer) appendFrame(ctx context.Context, log streamlog.Log, frame types.AudioFrame) (string, error) {
	payload := types.EncodeFrame(frame)
	var id string
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, Name: "producer.append"}, func(ctx context.Context) error {
		var err error
		id, err = log.Append(ctx, payload)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLogWriteFailed, err)
	}
	// Keep the client's audio stream to roughly the newest 25k entries
	// (≈104 min of frames). Best effort: the frame is already durable, so a
	// failed trim is not a write failure, and the next append trims again.
	const audioStreamMaxLen = 25000
	_ = log.Trim(ctx, audioStreamMaxLen)
	return id, nil
}

func (p *Producer) sessionFor(sessionID string) (*sessionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.sessions[sessionID]
	if !ok {
		return nil, ErrSessionMissing
	}
	return st, nil
}
