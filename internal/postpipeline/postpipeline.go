// Package postpipeline implements the Post-Conversation Pipeline (spec.md
// §4.9, component C9): once a conversation closes with meaningful speech,
// four independent jobs run against its active transcript version —
// Recognize Speakers, Memory Extraction, Title & Summary, and Dispatch
// Complete Event — with two ordering points (speaker recognition precedes
// the two transcript-consuming jobs, and the completion event is dispatched
// after both of those finish) and otherwise
// fully isolated failure handling: each job retries on its own schedule, and
// a final failure records a per-job error on the conversation without
// rolling back its siblings.
package postpipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/conversalabs/conversa-core/internal/conversationjob"
	"github.com/conversalabs/conversa-core/internal/jobqueue"
	"github.com/conversalabs/conversa-core/internal/retry"
	"github.com/conversalabs/conversa-core/pkg/convostore"
	"github.com/conversalabs/conversa-core/pkg/eventbus"
	"github.com/conversalabs/conversa-core/pkg/memory"
	"github.com/conversalabs/conversa-core/pkg/provider/embeddings"
	"github.com/conversalabs/conversa-core/pkg/provider/llm"
	"github.com/conversalabs/conversa-core/pkg/provider/speaker"
	"github.com/conversalabs/conversa-core/pkg/types"
)

// Kind is this job's jobqueue stream kind ("jobs.post_conversation_pipeline").
const Kind = "post_conversation_pipeline"

// GroupName is the consumer group every post-pipeline worker joins.
const GroupName = "post-pipeline-workers"

// JobTimeout is the hard timeout for one post-conversation job (spec.md §5:
// "post-conversation jobs 10 min each").
const JobTimeout = 10 * time.Minute

var subJobRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Name:         "postpipeline",
}

// openAudioFunc opens a conversation's bound audio file for reading, kept as
// a field so tests can substitute an in-memory reader instead of real files.
type openAudioFunc func(path string) (readCloser, error)

type readCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

func defaultOpenAudio(path string) (readCloser, error) {
	return os.Open(path)
}

// Job runs the four §4.9 sub-jobs for one conversation.
type Job struct {
	conversations convostore.Store
	speakerSvc    speaker.Service
	llmProvider   llm.Provider
	embedder      embeddings.Provider
	memoryStore   memory.Store
	dispatcher    eventbus.Dispatcher
	openAudio     openAudioFunc
}

// New creates a Job. speakerSvc may be nil, which disables Recognize
// Speakers entirely (spec.md §4.9: "Optional (skipped if disabled)").
func New(
	conversations convostore.Store,
	speakerSvc speaker.Service,
	llmProvider llm.Provider,
	embedder embeddings.Provider,
	memoryStore memory.Store,
	dispatcher eventbus.Dispatcher,
) *Job {
	return &Job{
		conversations: conversations,
		speakerSvc:    speakerSvc,
		llmProvider:   llmProvider,
		embedder:      embedder,
		memoryStore:   memoryStore,
		dispatcher:    dispatcher,
		openAudio:     defaultOpenAudio,
	}
}

// Handler adapts Job into a jobqueue.Handler for a pool consuming the
// "post_conversation_pipeline" stream. Payload is a
// [conversationjob.PostPipelineStart] — the shape the Conversation Job
// enqueues.
func (j *Job) Handler() jobqueue.Handler {
	return func(ctx context.Context, payload []byte) error {
		req, err := jobqueue.Decode[conversationjob.PostPipelineStart](payload)
		if err != nil {
			return err
		}
		return j.Run(ctx, req.ConversationID)
	}
}

// Run fans out the four sub-jobs for conversationID. Recognize Speakers runs
// first and, if it succeeds, its speaker-labeled segments are visible to the
// two jobs that follow; Memory Extraction, Title & Summary, and Dispatch
// Complete Event each run independently after that, so failure in any one
// never prevents the others from completing.
func (j *Job) Run(ctx context.Context, conversationID string) error {
	ctx, cancel := context.WithTimeout(ctx, JobTimeout)
	defer cancel()

	conv, err := j.conversations.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("postpipeline: get conversation %s: %w", conversationID, err)
	}
	version, ok := conv.TranscriptVersions[conv.ActiveVersion]
	if !ok {
		return fmt.Errorf("postpipeline: conversation %s has no active transcript version %q", conversationID, conv.ActiveVersion)
	}

	if j.speakerSvc != nil {
		j.recognizeSpeakers(ctx, conversationID, conv, version)
		conv, err = j.conversations.Get(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("postpipeline: reload conversation %s: %w", conversationID, err)
		}
		version = conv.TranscriptVersions[conv.ActiveVersion]
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		j.extractMemory(ctx, conversationID, conv, version)
	}()
	go func() {
		defer wg.Done()
		j.titleAndSummary(ctx, conversationID, conv, version)
	}()
	wg.Wait()

	j.dispatchComplete(ctx, conversationID)
	return nil
}

func (j *Job) recognizeSpeakers(ctx context.Context, conversationID string, conv types.Conversation, version types.TranscriptVersion) {
	err := retry.Do(ctx, subJobRetry, func(ctx context.Context) error {
		audio, err := j.openAudio(conv.AudioPath)
		if err != nil {
			return fmt.Errorf("open audio: %w", err)
		}
		defer audio.Close()

		inputs := make([]speaker.SegmentInput, len(version.Segments))
		for i, seg := range version.Segments {
			inputs[i] = speaker.SegmentInput{StartS: seg.StartS, EndS: seg.EndS, Text: seg.Text}
		}
		recognized, err := j.speakerSvc.Recognize(ctx, audio, filepath.Base(conv.AudioPath), inputs)
		if err != nil {
			return fmt.Errorf("recognize: %w", err)
		}

		segments := make([]types.SpeakerSegment, len(recognized))
		for i, r := range recognized {
			label := r.Speaker
			segments[i] = types.SpeakerSegment{Speaker: &label, StartS: r.StartS, EndS: r.EndS, Text: r.Text}
		}
		return j.conversations.Mutate(ctx, conversationID, func(c *types.Conversation) error {
			v := c.TranscriptVersions[c.ActiveVersion]
			v.Segments = segments
			c.TranscriptVersions[c.ActiveVersion] = v
			return nil
		})
	})
	if err != nil {
		j.recordJobError(ctx, conversationID, "recognize_speakers", err)
	}
}

func (j *Job) extractMemory(ctx context.Context, conversationID string, conv types.Conversation, version types.TranscriptVersion) {
	err := retry.Do(ctx, subJobRetry, func(ctx context.Context) error {
		text, err := j.llmProvider.Complete(ctx, llm.Request{Prompt: memoryExtractionPrompt(version), MaxTokens: 512})
		if err != nil {
			return fmt.Errorf("extract facts: %w", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return nil
		}
		embedding, err := j.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("embed facts: %w", err)
		}
		fact := memory.Fact{
			ID:        conversationID,
			UserID:    conv.UserID,
			Embedding: embedding,
			Metadata: map[string]any{
				"conversation_id": conversationID,
				"text":            text,
			},
			CreatedAt: time.Now(),
		}
		return j.memoryStore.Upsert(ctx, fact)
	})
	if err != nil {
		j.recordJobError(ctx, conversationID, "memory_extraction", err)
	}
}

func (j *Job) titleAndSummary(ctx context.Context, conversationID string, _ types.Conversation, version types.TranscriptVersion) {
	err := retry.Do(ctx, subJobRetry, func(ctx context.Context) error {
		title, err := j.llmProvider.Complete(ctx, llm.Request{Prompt: titlePrompt(version), MaxTokens: 32})
		if err != nil {
			return fmt.Errorf("title: %w", err)
		}
		summary, err := j.llmProvider.Complete(ctx, llm.Request{Prompt: summaryPrompt(version), MaxTokens: 128})
		if err != nil {
			return fmt.Errorf("summary: %w", err)
		}
		detailed, err := j.llmProvider.Complete(ctx, llm.Request{Prompt: detailedSummaryPrompt(version), MaxTokens: 512})
		if err != nil {
			return fmt.Errorf("detailed summary: %w", err)
		}
		return j.conversations.Mutate(ctx, conversationID, func(c *types.Conversation) error {
			c.Title = strings.TrimSpace(title)
			c.Summary = strings.TrimSpace(summary)
			c.DetailedSummary = strings.TrimSpace(detailed)
			return nil
		})
	})
	if err != nil {
		j.recordJobError(ctx, conversationID, "title_summary", err)
	}
}

func (j *Job) dispatchComplete(ctx context.Context, conversationID string) {
	err := retry.Do(ctx, subJobRetry, func(ctx context.Context) error {
		return j.dispatcher.Dispatch(ctx, eventbus.Event{
			Type:    "conversation.complete",
			Payload: map[string]string{"conversation_id": conversationID},
		})
	})
	if err != nil {
		j.recordJobError(ctx, conversationID, "dispatch_complete_event", err)
	}
}

// recordJobError implements the POST_JOB_FAILED handling (spec.md §7): a
// sub-job's exhausted retries append a labeled entry to the conversation's
// Error field rather than aborting the pipeline or rolling back siblings.
func (j *Job) recordJobError(ctx context.Context, conversationID, job string, cause error) {
	slog.Error("postpipeline: sub-job failed, recording per-job error", "conversation_id", conversationID, "job", job, "err", cause)
	entry := fmt.Sprintf("%s: %v", job, cause)
	mutateErr := j.conversations.Mutate(ctx, conversationID, func(c *types.Conversation) error {
		if c.Error == "" {
			c.Error = entry
		} else {
			c.Error = c.Error + "; " + entry
		}
		return nil
	})
	if mutateErr != nil {
		slog.Error("postpipeline: failed to record job error", "conversation_id", conversationID, "job", job, "err", mutateErr)
	}
}

func memoryExtractionPrompt(version types.TranscriptVersion) string {
	return "Extract durable, user-specific facts worth remembering from this conversation transcript. " +
		"Respond with a concise list of facts, one per line, or an empty response if none.\n\nTranscript:\n" + version.Text
}

func titlePrompt(version types.TranscriptVersion) string {
	return "Write a short (under 8 words) title for this conversation transcript.\n\nTranscript:\n" + version.Text
}

func summaryPrompt(version types.TranscriptVersion) string {
	return "Write a one or two sentence summary of this conversation transcript.\n\nTranscript:\n" + version.Text
}

func detailedSummaryPrompt(version types.TranscriptVersion) string {
	return "Write a detailed, multi-paragraph summary of this conversation transcript, " +
		"covering every topic discussed.\n\nTranscript:\n" + version.Text
}
