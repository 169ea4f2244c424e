// Package asr defines the narrow provider interfaces the pipeline's
// transcription consumers are built against: a duplex streaming interface
// for the Streaming Transcription Consumer (C3) and a one-shot batch
// interface for the Batch Transcription Consumer (C4).
//
// Reconnection, backoff, and persistent-failure handling are deliberately
// NOT this package's concern — a StreamProvider's SessionHandle represents
// one connection attempt and dies when that connection dies. The consumer
// that owns a session's lifecycle decides whether and how to reconnect.
package asr

import (
	"context"
	"time"
)

// StreamConfig configures a streaming or batch transcription request.
type StreamConfig struct {
	SampleRate int
	Channels   int
	Language   string
}

// WordDetail holds per-word timing and confidence, when the provider reports
// it at word granularity.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// SegmentDetail is one contiguous span of speech within a Transcript,
// attributed to a speaker when the provider diarizes (left nil otherwise).
type SegmentDetail struct {
	Speaker *string
	Start   time.Duration
	End     time.Duration
	Text    string
}

// Transcript is one recognition result, partial or final.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Words      []WordDetail
	Segments   []SegmentDetail
}

// SessionHandle is one live streaming transcription connection.
type SessionHandle interface {
	// SendAudio queues a PCM chunk for recognition. Returns an error once the
	// session is closed or the underlying connection has failed.
	SendAudio(chunk []byte) error

	// Partials delivers interim (non-authoritative) transcripts. Closed when
	// the session ends.
	Partials() <-chan Transcript

	// Finals delivers authoritative transcripts. Closed when the session
	// ends.
	Finals() <-chan Transcript

	// Close terminates the session and releases its resources. Safe to call
	// more than once.
	Close() error
}

// StreamProvider opens duplex streaming transcription sessions, used by the
// Streaming Transcription Consumer (C3).
type StreamProvider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// BatchProvider performs one-shot transcription of a complete PCM buffer,
// used by the Batch Transcription Consumer (C4) and the post-conversation
// full-audio retranscription job (postpipeline.Transcriber).
type BatchProvider interface {
	Transcribe(ctx context.Context, pcm []byte, cfg StreamConfig) (Transcript, error)
}
