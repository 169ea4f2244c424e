// Package streaming implements the Streaming Transcription Consumer
// (spec.md §4.3, component C3): one worker per audio stream, forwarding
// frames to a duplex streaming ASR connection and publishing its interim
// and final results.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conversalabs/conversa-core/internal/retry"
	"github.com/conversalabs/conversa-core/pkg/metadata"
	"github.com/conversalabs/conversa-core/pkg/provider/asr"
	"github.com/conversalabs/conversa-core/pkg/streamlog"
	"github.com/conversalabs/conversa-core/pkg/types"
)

// GroupName is the consumer group every streaming worker joins (spec.md
// §4.3).
const GroupName = "streaming-transcription"

const (
	readBatch         = 20
	readBlock         = 2 * time.Second
	maxReconnectTries = 3
	initialBackoff    = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
	scanInterval      = 2 * time.Second
)

// Manager discovers streaming-mode sessions and runs one worker per stream,
// per spec.md §4.3 "Discovers new streams by periodic scan".
type Manager struct {
	streams  streamlog.Factory
	pubsub   streamlog.PubSub
	meta     metadata.Store
	provider asr.StreamProvider

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewManager creates a Manager spawning workers against provider.
func NewManager(streams streamlog.Factory, pubsub streamlog.PubSub, meta metadata.Store, provider asr.StreamProvider) *Manager {
	return &Manager{
		streams:  streams,
		pubsub:   pubsub,
		meta:     meta,
		provider: provider,
		running:  make(map[string]context.CancelFunc),
	}
}

// Run scans for streaming-mode sessions every scanInterval and spawns a
// worker for each one not already running, until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		m.scanOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) scanOnce(ctx context.Context) {
	ids, err := m.meta.ListActiveSessions(ctx)
	if err != nil {
		slog.Error("streaming: scan active sessions failed", "err", err)
		return
	}
	for _, sessionID := range ids {
		m.mu.Lock()
		_, already := m.running[sessionID]
		m.mu.Unlock()
		if already {
			continue
		}
		session, err := m.meta.GetSession(ctx, sessionID)
		if err != nil || session.Mode != types.TranscriptionStreaming {
			continue
		}
		m.spawn(ctx, session)
	}
}

func (m *Manager) spawn(parent context.Context, session types.Session) {
	wctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.running[session.SessionID] = cancel
	m.mu.Unlock()

	w := &worker{
		session:  session,
		streams:  m.streams,
		pubsub:   m.pubsub,
		meta:     m.meta,
		provider: m.provider,
	}
	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.running, session.SessionID)
			m.mu.Unlock()
			cancel()
		}()
		if err := w.run(wctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("streaming: worker exited with error", "session_id", session.SessionID, "err", err)
		}
	}()
}

// worker is the per-stream transcription loop (spec.md §4.3).
type worker struct {
	session  types.Session
	streams  streamlog.Factory
	pubsub   streamlog.PubSub
	meta     metadata.Store
	provider asr.StreamProvider
}

func (w *worker) run(ctx context.Context) error {
	consumer := "streaming-" + w.session.SessionID
	log := w.streams.Stream(streamlog.AudioStreamName(w.session.ClientID))
	resultLog := w.streams.Stream(streamlog.ResultStreamName(w.session.SessionID))

	var handle asr.SessionHandle
	var reconnectAttempts int
	defer func() {
		if handle != nil {
			_ = handle.Close()
		}
	}()

	var pending []string // entry ids sent but not yet acked
	var sessionStartS float64
	haveStart := false
	var mu sync.Mutex

	connect := func() error {
		h, err := w.provider.StartStream(ctx, asr.StreamConfig{
			SampleRate: types.SampleRate,
			Channels:   1,
		})
		if err != nil {
			return err
		}
		handle = h
		go w.drainResults(ctx, handle, resultLog, &mu, &pending, &sessionStartS, log)
		return nil
	}

	if err := connect(); err != nil {
		return fmt.Errorf("streaming: initial connect %s: %w", w.session.SessionID, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deliveries, err := log.ReadGroup(ctx, GroupName, consumer, readBatch, readBlock)
		if err != nil {
			return fmt.Errorf("streaming: read group %s: %w", w.session.SessionID, err)
		}

		for _, d := range deliveries {
			frame, err := types.DecodeFrame(d.Payload)
			if err != nil {
				slog.Error("streaming: decode frame failed, skipping", "session_id", w.session.SessionID, "err", err)
				continue
			}

			if frame.End {
				if err := handle.Close(); err != nil {
					slog.Warn("streaming: close session failed", "session_id", w.session.SessionID, "err", err)
				}
				// Give the drain goroutine a moment to flush any final
				// result still in flight after Close() returns (its
				// channels close once the provider's read loop exits,
				// which Close already waited for).
				time.Sleep(50 * time.Millisecond)
				if err := log.Ack(ctx, GroupName, d.ID); err != nil {
					return fmt.Errorf("streaming: ack end %s: %w", w.session.SessionID, err)
				}
				if _, err := w.meta.MarkConsumerDrained(ctx, w.session.SessionID, GroupName); err != nil {
					return fmt.Errorf("streaming: mark drained %s: %w", w.session.SessionID, err)
				}
				return nil
			}

			if !haveStart {
				mu.Lock()
				sessionStartS = float64(frame.SequenceOffset) * types.FrameDuration.Seconds()
				mu.Unlock()
				haveStart = true
			}
			if err := handle.SendAudio(frame.Payload); err != nil {
				// The connection died. Reconnect with backoff; this entry
				// is re-sent after reconnecting since it was never acked.
				if reconnectErr := w.reconnectWithBackoff(ctx, connect, &reconnectAttempts); reconnectErr != nil {
					return reconnectErr
				}
				if err := handle.SendAudio(frame.Payload); err != nil {
					slog.Error("streaming: send audio failed after reconnect", "session_id", w.session.SessionID, "err", err)
					continue
				}
			} else {
				reconnectAttempts = 0
			}

			mu.Lock()
			pending = append(pending, d.ID)
			mu.Unlock()
		}
	}
}

// reconnectWithBackoff implements spec.md §4.3/§7: reconnect with
// exponential backoff starting at 0.5s, capped at 30s; after
// maxReconnectTries consecutive failures, mark the session's
// transcription_error and park (no ack, no progress) so the speech detector
// can surface it.
func (w *worker) reconnectWithBackoff(ctx context.Context, connect func() error, attempts *int) error {
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  maxReconnectTries,
		InitialDelay: initialBackoff,
		MaxDelay:     maxBackoff,
		Name:         "streaming.reconnect." + w.session.SessionID,
	}, func(ctx context.Context) error {
		*attempts++
		return connect()
	})
	if err != nil {
		if mErr := w.meta.SetTranscriptionError(ctx, w.session.SessionID, err.Error()); mErr != nil {
			slog.Error("streaming: set transcription error failed", "session_id", w.session.SessionID, "err", mErr)
		}
		// Persistent failure: park by blocking until the context is
		// cancelled. No ack, no progress — entries stay pending for claim
		// once an operator resolves the outage and restarts this worker.
		<-ctx.Done()
		return ctx.Err()
	}
	*attempts = 0
	if mErr := w.meta.SetTranscriptionError(ctx, w.session.SessionID, ""); mErr != nil {
		slog.Warn("streaming: clear transcription error failed", "session_id", w.session.SessionID, "err", mErr)
	}
	return nil
}

// drainResults forwards interim results to the pub/sub channel and final
// results to the result stream, acking the entries each final result covers
// once it is durable (spec.md §4.3 step 5-6).
func (w *worker) drainResults(ctx context.Context, handle asr.SessionHandle, resultLog streamlog.Log, mu *sync.Mutex, pending *[]string, sessionStartS *float64, audioLog streamlog.Log) {
	interimCh := streamlog.InterimChannelName(w.session.SessionID)
	for {
		select {
		case t, ok := <-handle.Partials():
			if !ok {
				return
			}
			mu.Lock()
			bias := *sessionStartS
			mu.Unlock()
			if payload, err := types.EncodeChunk(toChunk(t, w.session, false, bias)); err == nil {
				_ = w.pubsub.Publish(ctx, interimCh, payload)
			}

		case t, ok := <-handle.Finals():
			if !ok {
				return
			}
			mu.Lock()
			if len(*pending) == 0 {
				mu.Unlock()
				continue
			}
			covered := append([]string(nil), *pending...)
			chunkID := covered[len(covered)-1]
			bias := *sessionStartS
			*pending = nil
			mu.Unlock()

			chunk := toChunk(t, w.session, true, bias)
			chunk.ChunkID = chunkID
			payload, err := types.EncodeChunk(chunk)
			if err != nil {
				slog.Error("streaming: encode chunk failed", "session_id", w.session.SessionID, "err", err)
				continue
			}
			if _, err := resultLog.Append(ctx, payload); err != nil {
				slog.Error("streaming: append result failed", "session_id", w.session.SessionID, "err", err)
				continue
			}
			if err := audioLog.Ack(ctx, GroupName, covered...); err != nil {
				slog.Error("streaming: ack covered entries failed", "session_id", w.session.SessionID, "err", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// toChunk converts a provider transcript into a TranscriptChunk, shifting
// word timestamps by sessionStartS so they stay session-relative across ASR
// reconnects (each new connection's own clock starts back at zero).
func toChunk(t asr.Transcript, session types.Session, final bool, sessionStartS float64) types.TranscriptChunk {
	words := make([]types.Word, 0, len(t.Words))
	for _, w := range t.Words {
		words = append(words, types.Word{
			Text:       w.Word,
			StartS:     sessionStartS + w.Start.Seconds(),
			EndS:       sessionStartS + w.End.Seconds(),
			Confidence: w.Confidence,
		})
	}
	segments := make([]types.SpeakerSegment, 0, len(t.Segments))
	for _, s := range t.Segments {
		segments = append(segments, types.SpeakerSegment{
			Speaker: s.Speaker,
			StartS:  sessionStartS + s.Start.Seconds(),
			EndS:    sessionStartS + s.End.Seconds(),
			Text:    s.Text,
		})
	}
	return types.TranscriptChunk{
		Text:       t.Text,
		Provider:   session.Provider,
		Confidence: t.Confidence,
		Words:      words,
		Segments:   segments,
		IsFinal:    final,
	}
}
