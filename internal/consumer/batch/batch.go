// Package batch implements the Batch Transcription Consumer (spec.md §4.4,
// component C4): N competing workers sharing a per-provider consumer group,
// accumulating frames into fixed-size batches and submitting each to a
// one-shot batch ASR provider.
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conversalabs/conversa-core/internal/retry"
	"github.com/conversalabs/conversa-core/pkg/metadata"
	"github.com/conversalabs/conversa-core/pkg/provider/asr"
	"github.com/conversalabs/conversa-core/pkg/streamlog"
	"github.com/conversalabs/conversa-core/pkg/types"
)

const (
	// DefaultBatchFrames is N, the number of frames accumulated before
	// submitting to the batch provider (spec.md §4.4: default 30, ~7.5s).
	DefaultBatchFrames = 30

	readCount    = 30
	readBlock    = 2 * time.Second
	scanInterval = 2 * time.Second
)

// groupName returns the shared competing-consumers group name for provider,
// spec.md §4.4's `{provider}-workers`.
func groupName(provider string) string { return provider + "-workers" }

// Manager discovers batch-mode sessions and runs one competing-consumer
// worker loop per provider group, fanning out numWorkers goroutines per
// provider so multiple sessions on the same provider are processed
// concurrently (spec.md §5: "N batch workers sharing the provider group").
type Manager struct {
	streams     streamlog.Factory
	meta        metadata.Store
	providers   map[string]asr.BatchProvider
	batchFrames int
	numWorkers  int
}

// NewManager creates a Manager. providers maps a provider name (as recorded
// on session metadata) to the BatchProvider used for it. batchFrames <= 0
// defaults to DefaultBatchFrames; numWorkers <= 0 defaults to 4.
func NewManager(streams streamlog.Factory, meta metadata.Store, providers map[string]asr.BatchProvider, batchFrames, numWorkers int) *Manager {
	if batchFrames <= 0 {
		batchFrames = DefaultBatchFrames
	}
	if numWorkers <= 0 {
		numWorkers = 4
	}
	return &Manager{streams: streams, meta: meta, providers: providers, batchFrames: batchFrames, numWorkers: numWorkers}
}

// Run starts numWorkers competing-consumer loops per configured provider and
// blocks until ctx is cancelled. Each worker independently scans active
// batch-mode sessions for that provider and processes whichever frames it
// wins from the shared group.
func (m *Manager) Run(ctx context.Context) error {
	errCh := make(chan error, len(m.providers)*m.numWorkers)
	started := 0
	for providerName, provider := range m.providers {
		for i := 0; i < m.numWorkers; i++ {
			w := &worker{
				streams:      m.streams,
				meta:         m.meta,
				provider:     provider,
				providerName: providerName,
				consumer:     fmt.Sprintf("%s-worker-%d", providerName, i),
				batchFrames:  m.batchFrames,
			}
			started++
			go func() { errCh <- w.run(ctx) }()
		}
	}
	var firstErr error
	for i := 0; i < started; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// worker is one competing consumer in a provider's shared group. It
// round-robins across that provider's active sessions, accumulating each
// session's batch independently.
type worker struct {
	streams      streamlog.Factory
	meta         metadata.Store
	provider     asr.BatchProvider
	providerName string
	consumer     string
	batchFrames  int

	batches map[string]*sessionBatch
}

type sessionBatch struct {
	pcm         bytes.Buffer
	ids         []string
	startOffset int64
	haveStart   bool
}

func (w *worker) run(ctx context.Context) error {
	w.batches = make(map[string]*sessionBatch)
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		sessions, err := w.activeSessions(ctx)
		if err != nil {
			slog.Error("batch: scan active sessions failed", "err", err)
		} else {
			for _, session := range sessions {
				if err := w.drainSession(ctx, session); err != nil {
					slog.Error("batch: drain session failed", "session_id", session.SessionID, "err", err)
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *worker) activeSessions(ctx context.Context) ([]types.Session, error) {
	ids, err := w.meta.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Session
	for _, id := range ids {
		session, err := w.meta.GetSession(ctx, id)
		if err != nil {
			continue
		}
		if session.Mode != types.TranscriptionBatch || session.Provider != w.providerName {
			continue
		}
		out = append(out, session)
	}
	return out, nil
}

// drainSession reads whatever frames this worker wins from the session's
// audio stream and accumulates them into that session's batch, submitting
// once batchFrames have accrued or the END sentinel is seen.
func (w *worker) drainSession(ctx context.Context, session types.Session) error {
	log := w.streams.Stream(streamlog.AudioStreamName(session.ClientID))
	group := groupName(w.providerName)

	deliveries, err := log.ReadGroup(ctx, group, w.consumer, readCount, readBlock)
	if err != nil {
		return fmt.Errorf("batch: read group %s: %w", session.SessionID, err)
	}
	if len(deliveries) == 0 {
		return nil
	}

	batch, ok := w.batches[session.SessionID]
	if !ok {
		batch = &sessionBatch{}
		w.batches[session.SessionID] = batch
	}

	for _, d := range deliveries {
		frame, err := types.DecodeFrame(d.Payload)
		if err != nil {
			slog.Error("batch: decode frame failed, skipping", "session_id", session.SessionID, "err", err)
			continue
		}

		if frame.End {
			if batch.pcm.Len() > 0 {
				if err := w.submit(ctx, session, log, group, batch); err != nil {
					return err
				}
			}
			if err := log.Ack(ctx, group, d.ID); err != nil {
				return fmt.Errorf("batch: ack end %s: %w", session.SessionID, err)
			}
			delete(w.batches, session.SessionID)
			if _, err := w.meta.MarkConsumerDrained(ctx, session.SessionID, group); err != nil {
				return fmt.Errorf("batch: mark drained %s: %w", session.SessionID, err)
			}
			return nil
		}

		if !batch.haveStart {
			batch.startOffset = frame.SequenceOffset
			batch.haveStart = true
		}
		batch.pcm.Write(frame.Payload)
		batch.ids = append(batch.ids, d.ID)

		if len(batch.ids) >= w.batchFrames {
			if err := w.submit(ctx, session, log, group, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

// submit transcribes the accumulated batch, publishes one TranscriptChunk
// with timestamps shifted by the batch's session-relative start offset, and
// acks all entries in the batch as a group (spec.md §4.4 steps 1-2).
func (w *worker) submit(ctx context.Context, session types.Session, log streamlog.Log, group string, batch *sessionBatch) error {
	pcm := batch.pcm.Bytes()
	startS := float64(batch.startOffset) * types.FrameDuration.Seconds()

	var transcript asr.Transcript
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, Name: "batch.transcribe." + session.SessionID}, func(ctx context.Context) error {
		var err error
		transcript, err = w.provider.Transcribe(ctx, pcm, asr.StreamConfig{SampleRate: types.SampleRate, Channels: 1})
		return err
	})
	if err != nil {
		return fmt.Errorf("batch: transcribe %s: %w", session.SessionID, err)
	}

	words := make([]types.Word, 0, len(transcript.Words))
	for _, word := range transcript.Words {
		words = append(words, types.Word{
			Text:       word.Word,
			StartS:     startS + word.Start.Seconds(),
			EndS:       startS + word.End.Seconds(),
			Confidence: word.Confidence,
		})
	}
	segments := make([]types.SpeakerSegment, 0, len(transcript.Segments))
	for _, seg := range transcript.Segments {
		segments = append(segments, types.SpeakerSegment{
			Speaker: seg.Speaker,
			StartS:  startS + seg.Start.Seconds(),
			EndS:    startS + seg.End.Seconds(),
			Text:    seg.Text,
		})
	}
	chunk := types.TranscriptChunk{
		ChunkID:    batch.ids[len(batch.ids)-1],
		Text:       transcript.Text,
		Provider:   w.providerName,
		Confidence: transcript.Confidence,
		Words:      words,
		Segments:   segments,
		IsFinal:    true,
	}
	payload, err := types.EncodeChunk(chunk)
	if err != nil {
		return fmt.Errorf("batch: encode chunk %s: %w", session.SessionID, err)
	}

	resultLog := w.streams.Stream(streamlog.ResultStreamName(session.SessionID))
	if _, err := resultLog.Append(ctx, payload); err != nil {
		return fmt.Errorf("batch: append result %s: %w", session.SessionID, err)
	}
	if err := log.Ack(ctx, group, batch.ids...); err != nil {
		return fmt.Errorf("batch: ack batch %s: %w", session.SessionID, err)
	}

	batch.pcm.Reset()
	batch.ids = nil
	batch.haveStart = false
	return nil
}
