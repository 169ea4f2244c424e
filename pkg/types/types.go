// Package types defines the shared domain types used across the ingestion
// and conversation pipeline. These are the lingua franca between the
// producer, consumers, aggregator, and jobs — cross-cutting data structures
// live here to avoid circular imports between packages that otherwise have
// no reason to depend on each other.
package types

import "time"

// FrameDuration is the canonical duration of one AudioFrame.
const FrameDuration = 250 * time.Millisecond

// FrameBytes is the canonical byte size of one AudioFrame: 0.25s of 16kHz /
// 16-bit / mono PCM (16000 samples/s * 2 bytes/sample * 0.25s).
const FrameBytes = 8000

// SampleRate is the canonical PCM sample rate accepted by the producer.
const SampleRate = 16000

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionFinalizing SessionStatus = "finalizing"
	SessionComplete   SessionStatus = "complete"
)

// TranscriptionMode selects which transcription consumer group a session's
// frames are routed to, chosen once at init_session (spec.md §4.4).
type TranscriptionMode string

const (
	TranscriptionStreaming TranscriptionMode = "streaming"
	TranscriptionBatch     TranscriptionMode = "batch"
)

// Session is one continuous connection from one client.
type Session struct {
	SessionID    string
	UserID       string
	ClientID     string
	ConnectionID string
	Status       SessionStatus
	Mode         TranscriptionMode
	Provider     string
	FrameCount   int64

	// TranscriptionError holds the last ASR error surfaced to the transport
	// layer, if any. Empty when transcription is healthy.
	TranscriptionError string

	// TransportDisconnected is set when the transport layer has observed the
	// client connection close without a clean end() call.
	TransportDisconnected bool

	// StopRequested is set when the transport layer has received an explicit
	// stop signal for the session's current conversation (as distinct from
	// TransportDisconnected, spec.md §4.8 transition (b) vs (c)).
	StopRequested bool

	// ConversationCount is the number of conversations produced by this
	// session so far (bumped by the Conversation Job's cleanup step).
	ConversationCount int

	CreatedAt time.Time
}

// AudioFrame is a fixed-duration slice of 16kHz/16-bit/mono PCM, or the END
// sentinel terminating a stream. Only the producer creates frames.
type AudioFrame struct {
	// Payload holds raw PCM bytes. Always FrameBytes long for audio frames,
	// and empty for the END sentinel.
	Payload []byte

	// SequenceOffset is the producer-assigned 0-based index of this frame
	// within the session (offset in seconds = SequenceOffset * 0.25s).
	SequenceOffset int64

	// AppendedAt is the wall-clock time the frame was appended to the log.
	AppendedAt time.Time

	// End marks the sentinel frame that terminates a stream.
	End bool
}

// LogEntry is one record read back from the durable log: an id assigned by
// the log (monotonic "<ms>-<seq>", ordered by comparing both parts
// numerically, not as strings) plus the frame it holds.
type LogEntry struct {
	ID    string
	Frame AudioFrame
}

// Word is one recognized word with its timing, relative to session start.
type Word struct {
	Text       string
	StartS     float64
	EndS       float64
	Confidence float64
}

// SpeakerSegment is one contiguous span of speech attributed to a speaker
// (the speaker label is nil until speaker recognition has run).
type SpeakerSegment struct {
	Speaker *string
	StartS  float64
	EndS    float64
	Text    string
}

// TranscriptChunk is one transcription result for a contiguous span of the
// log, written to transcript.results.{session_id}.
type TranscriptChunk struct {
	// ChunkID correlates this chunk to the log entry id that terminates the
	// span it covers (the last audio entry included).
	ChunkID  string
	Text     string
	Provider string

	// Confidence is the chunk-level mean confidence, in [0,1].
	Confidence float64
	Words      []Word
	Segments   []SpeakerSegment

	// IsFinal distinguishes a streaming "final" from an "interim" update. In
	// batch mode every chunk is final.
	IsFinal bool
}

// CombinedTranscript is the merged, session-relative view produced by the
// aggregator's get_combined operation.
type CombinedTranscript struct {
	Text       string
	Words      []Word
	Segments   []SpeakerSegment
	Provider   string
	ChunkCount int
}

// EndReason enumerates why a Conversation was finalized.
type EndReason string

const (
	EndUserStopped         EndReason = "user_stopped"
	EndInactivityTimeout   EndReason = "inactivity_timeout"
	EndTransportDisconnect EndReason = "transport_disconnect"
	EndNoMeaningfulSpeech  EndReason = "no_meaningful_speech"
	EndAudioFileNotReady   EndReason = "audio_file_not_ready"
)

// ConversationStatus is the Conversation Job's state machine position.
type ConversationStatus string

const (
	ConversationOpen       ConversationStatus = "open"
	ConversationMonitoring ConversationStatus = "monitoring"
	ConversationFinalizing ConversationStatus = "finalizing"
	ConversationClosed     ConversationStatus = "closed"
)

// TranscriptVersion is one versioned snapshot of a conversation's transcript.
type TranscriptVersion struct {
	VersionID      string
	Text           string
	Segments       []SpeakerSegment
	Words          []Word
	Provider       string
	ProcessingTime time.Duration
	CreatedAt      time.Time
}

// Conversation is a finalized span of speech within a session.
type Conversation struct {
	ConversationID string
	SessionID      string
	UserID         string
	ClientID       string
	AudioPath      string

	Status ConversationStatus

	TranscriptVersions map[string]TranscriptVersion
	ActiveVersion      string

	Title           string
	Summary         string
	DetailedSummary string

	CreatedAt   time.Time
	CompletedAt time.Time

	EndReason EndReason
	Deleted   bool

	// Error, if non-empty, records a post-processing failure that did not
	// roll back sibling jobs (the POST_JOB_FAILED handling).
	Error string
}

// SpeechPredicateConfig bounds the "meaningful speech" decision shared by
// the Speech Detector Job and the Conversation Job's finalization check.
type SpeechPredicateConfig struct {
	MinWordCount      int
	MinDurationS      float64
	MinMeanConfidence float64

	// RequireEnrolledSpeaker, when true, additionally requires at least one
	// non-nil speaker label among the combined segments.
	RequireEnrolledSpeaker bool
}

// DefaultSpeechPredicateConfig returns the §4.7 defaults: more than 10
// words, at least 5s of speech, mean confidence at least 0.5.
func DefaultSpeechPredicateConfig() SpeechPredicateConfig {
	return SpeechPredicateConfig{
		MinWordCount:      10,
		MinDurationS:      5,
		MinMeanConfidence: 0.5,
	}
}

// MeaningfulSpeech evaluates the shared speech-detection predicate used by
// both the Speech Detector Job and the Conversation Job's finalization
// check over a combined transcript.
func MeaningfulSpeech(ct CombinedTranscript, cfg SpeechPredicateConfig) bool {
	if len(ct.Words) <= cfg.MinWordCount {
		return false
	}
	if transcriptDurationS(ct) < cfg.MinDurationS {
		return false
	}
	if meanConfidence(ct.Words) < cfg.MinMeanConfidence {
		return false
	}
	if cfg.RequireEnrolledSpeaker && !hasEnrolledSpeaker(ct.Segments) {
		return false
	}
	return true
}

func transcriptDurationS(ct CombinedTranscript) float64 {
	if len(ct.Words) == 0 {
		return 0
	}
	first := ct.Words[0].StartS
	last := ct.Words[len(ct.Words)-1].EndS
	if last < first {
		return 0
	}
	return last - first
}

func meanConfidence(words []Word) float64 {
	if len(words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range words {
		sum += w.Confidence
	}
	return sum / float64(len(words))
}

func hasEnrolledSpeaker(segments []SpeakerSegment) bool {
	for _, s := range segments {
		if s.Speaker != nil && *s.Speaker != "" {
			return true
		}
	}
	return false
}
