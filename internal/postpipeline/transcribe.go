package postpipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/conversalabs/conversa-core/internal/conversationjob"
	"github.com/conversalabs/conversa-core/internal/jobqueue"
	"github.com/conversalabs/conversa-core/internal/retry"
	"github.com/conversalabs/conversa-core/pkg/convostore"
	"github.com/conversalabs/conversa-core/pkg/provider/asr"
	"github.com/conversalabs/conversa-core/pkg/types"
	"github.com/conversalabs/conversa-core/pkg/wavfile"
)

// TranscribeKind is the transcribe_full_audio_job's jobqueue stream kind
// (spec.md §4.9: "Batch transcription path (for file uploads, not streaming
// sessions)").
const TranscribeKind = "transcribe_full_audio"

// TranscribeGroupName is the consumer group every transcribe-full-audio
// worker joins.
const TranscribeGroupName = "transcribe-full-audio-workers"

// JobQueue is the subset of jobqueue.Queue a Transcriber needs to hand off
// to the rest of the pipeline, kept as an interface so tests can substitute
// a recording stub.
type JobQueue interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
}

// TranscribeRequest is the payload enqueued (by the file-upload path, once a
// Conversation exists with its Audio File Binding already set) to start
// transcribing an uploaded WAV file in full.
type TranscribeRequest struct {
	ConversationID string `json:"conversation_id"`
}

// Transcriber reads a conversation's bound audio file from disk, runs it
// through a batch ASR provider, writes the result as a new transcript
// version, and hands off to the regular Post-Conversation Pipeline.
type Transcriber struct {
	conversations convostore.Store
	batch         asr.BatchProvider
	postQueue     JobQueue
}

// NewTranscriber creates a Transcriber.
func NewTranscriber(conversations convostore.Store, batch asr.BatchProvider, postQueue JobQueue) *Transcriber {
	return &Transcriber{conversations: conversations, batch: batch, postQueue: postQueue}
}

// Handler adapts Transcriber into a jobqueue.Handler for a pool consuming
// the "transcribe_full_audio" stream.
func (t *Transcriber) Handler() jobqueue.Handler {
	return func(ctx context.Context, payload []byte) error {
		req, err := jobqueue.Decode[TranscribeRequest](payload)
		if err != nil {
			return err
		}
		return t.Run(ctx, req.ConversationID)
	}
}

// Run transcribes conversationID's bound audio file and enqueues the regular
// post-conversation pipeline against the resulting transcript version.
func (t *Transcriber) Run(ctx context.Context, conversationID string) error {
	ctx, cancel := context.WithTimeout(ctx, JobTimeout)
	defer cancel()

	conv, err := t.conversations.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("postpipeline: transcribe get conversation %s: %w", conversationID, err)
	}
	if conv.AudioPath == "" {
		return fmt.Errorf("postpipeline: transcribe %s: no audio file bound", conversationID)
	}

	pcm, sampleRate, err := wavfile.ReadPCM(conv.AudioPath)
	if err != nil {
		return fmt.Errorf("postpipeline: transcribe read %s: %w", conv.AudioPath, err)
	}

	var transcript asr.Transcript
	err = retry.Do(ctx, subJobRetry, func(ctx context.Context) error {
		var err error
		transcript, err = t.batch.Transcribe(ctx, pcm, asr.StreamConfig{SampleRate: sampleRate, Channels: wavfile.Channels})
		return err
	})
	if err != nil {
		return fmt.Errorf("postpipeline: transcribe_full_audio_job %s: %w", conversationID, err)
	}

	words := make([]types.Word, len(transcript.Words))
	for i, w := range transcript.Words {
		words[i] = types.Word{
			Text:       w.Word,
			StartS:     w.Start.Seconds(),
			EndS:       w.End.Seconds(),
			Confidence: w.Confidence,
		}
	}
	segments := make([]types.SpeakerSegment, len(transcript.Segments))
	for i, s := range transcript.Segments {
		segments[i] = types.SpeakerSegment{
			Speaker: s.Speaker,
			StartS:  s.Start.Seconds(),
			EndS:    s.End.Seconds(),
			Text:    s.Text,
		}
	}

	versionID := nextVersionID(conv.TranscriptVersions)
	version := types.TranscriptVersion{
		VersionID: versionID,
		Text:      transcript.Text,
		Words:     words,
		Segments:  segments,
		CreatedAt: time.Now(),
	}

	if err := t.conversations.Mutate(ctx, conversationID, func(c *types.Conversation) error {
		if c.TranscriptVersions == nil {
			c.TranscriptVersions = make(map[string]types.TranscriptVersion)
		}
		c.TranscriptVersions[versionID] = version
		c.ActiveVersion = versionID
		return nil
	}); err != nil {
		return fmt.Errorf("postpipeline: transcribe write version %s: %w", conversationID, err)
	}

	payload, err := jobqueue.Encode(conversationjob.PostPipelineStart{ConversationID: conversationID})
	if err != nil {
		return fmt.Errorf("postpipeline: transcribe encode handoff %s: %w", conversationID, err)
	}
	if _, err := t.postQueue.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("postpipeline: transcribe enqueue handoff %s: %w", conversationID, err)
	}
	return nil
}

func nextVersionID(existing map[string]types.TranscriptVersion) string {
	return fmt.Sprintf("v%d", len(existing)+1)
}
