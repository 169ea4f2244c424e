package postpipeline

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/conversalabs/conversa-core/internal/conversationjob"
	"github.com/conversalabs/conversa-core/internal/jobqueue"
	convomock "github.com/conversalabs/conversa-core/pkg/convostore/mock"
	eventbusmock "github.com/conversalabs/conversa-core/pkg/eventbus/mock"
	memorymock "github.com/conversalabs/conversa-core/pkg/memory/mock"
	embeddingsmock "github.com/conversalabs/conversa-core/pkg/provider/embeddings/mock"
	"github.com/conversalabs/conversa-core/pkg/provider/llm"
	llmmock "github.com/conversalabs/conversa-core/pkg/provider/llm/mock"
	speakermock "github.com/conversalabs/conversa-core/pkg/provider/speaker/mock"
	"github.com/conversalabs/conversa-core/pkg/types"
)

type nopReadCloser struct{ io.Reader }

func (nopReadCloser) Close() error { return nil }

func seedConversation(convos *convomock.Store, conversationID string) {
	label := "speaker-unknown"
	convos.Put(types.Conversation{
		ConversationID: conversationID,
		SessionID:      "s1",
		UserID:         "u1",
		AudioPath:      "/data/" + conversationID + ".wav",
		Status:         types.ConversationClosed,
		ActiveVersion:  "v1",
		TranscriptVersions: map[string]types.TranscriptVersion{
			"v1": {
				VersionID: "v1",
				Text:      "hello there, this is a recorded conversation",
				Segments: []types.SpeakerSegment{
					{Speaker: &label, StartS: 0, EndS: 2, Text: "hello there"},
				},
			},
		},
		CreatedAt: time.Now(),
	})
}

func TestJob_Run_AllSubJobsSucceed(t *testing.T) {
	ctx := context.Background()
	convos := convomock.New()
	seedConversation(convos, "conv-1")

	speakerSvc := &speakermock.Service{Speaker: "alice"}
	llmProvider := &llmmock.Provider{Response: "a response"}
	embedder := &embeddingsmock.Provider{EmbedResult: []float32{0.1, 0.2}, DimensionsValue: 2}
	memStore := &memorymock.Store{}
	dispatcher := eventbusmock.New()

	job := New(convos, speakerSvc, llmProvider, embedder, memStore, dispatcher)
	job.openAudio = func(string) (readCloser, error) {
		return nopReadCloser{bytes.NewReader([]byte{1, 2, 3, 4})}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := job.Run(runCtx, "conv-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	conv, err := convos.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.Error != "" {
		t.Fatalf("expected no recorded error, got %q", conv.Error)
	}
	if conv.Title == "" || conv.Summary == "" || conv.DetailedSummary == "" {
		t.Fatalf("expected title/summary/detailed_summary to be set, got %+v", conv)
	}
	if len(speakerSvc.Calls) != 1 {
		t.Fatalf("expected one Recognize call, got %d", len(speakerSvc.Calls))
	}
	if memStore.CallCount("Upsert") != 1 {
		t.Fatalf("expected one memory upsert, got %d", memStore.CallCount("Upsert"))
	}
	if len(dispatcher.Events()) != 1 {
		t.Fatalf("expected one dispatched event, got %d", len(dispatcher.Events()))
	}
	if dispatcher.Events()[0].Type != "conversation.complete" {
		t.Fatalf("expected conversation.complete event, got %q", dispatcher.Events()[0].Type)
	}

	updatedVersion := conv.TranscriptVersions[conv.ActiveVersion]
	if len(updatedVersion.Segments) != 1 || updatedVersion.Segments[0].Speaker == nil || *updatedVersion.Segments[0].Speaker != "alice" {
		t.Fatalf("expected recognized speaker label, got %+v", updatedVersion.Segments)
	}
}

func TestJob_Run_SpeakerRecognitionDisabledSkipsStep(t *testing.T) {
	ctx := context.Background()
	convos := convomock.New()
	seedConversation(convos, "conv-2")

	llmProvider := &llmmock.Provider{Response: "ok"}
	embedder := &embeddingsmock.Provider{EmbedResult: []float32{0.1}, DimensionsValue: 1}
	memStore := &memorymock.Store{}
	dispatcher := eventbusmock.New()

	job := New(convos, nil, llmProvider, embedder, memStore, dispatcher)

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := job.Run(runCtx, "conv-2"); err != nil {
		t.Fatalf("run: %v", err)
	}

	conv, err := convos.Get(ctx, "conv-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.Error != "" {
		t.Fatalf("expected no error, got %q", conv.Error)
	}
	// Segments are untouched since speaker recognition never ran.
	version := conv.TranscriptVersions[conv.ActiveVersion]
	if version.Segments[0].Speaker == nil || *version.Segments[0].Speaker != "speaker-unknown" {
		t.Fatalf("expected untouched segment, got %+v", version.Segments)
	}
}

// okProvider is an LLM whose Complete always succeeds; the test below pairs
// it with an always-failing embedder so memory_extraction exhausts its
// retries while title_summary is unaffected.
type okProvider struct{}

func (okProvider) Complete(_ context.Context, _ llm.Request) (string, error) {
	return "ok response", nil
}

func TestJob_Run_MemoryExtractionFailureRecordsErrorButSiblingsSucceed(t *testing.T) {
	ctx := context.Background()
	convos := convomock.New()
	seedConversation(convos, "conv-3")

	llmProvider := okProvider{}
	embedder := &embeddingsmock.Provider{EmbedErr: errEmbedUnavailable}
	memStore := &memorymock.Store{}
	dispatcher := eventbusmock.New()

	job := New(convos, nil, llmProvider, embedder, memStore, dispatcher)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := job.Run(runCtx, "conv-3"); err != nil {
		t.Fatalf("run: %v", err)
	}

	conv, err := convos.Get(ctx, "conv-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.Error == "" {
		t.Fatalf("expected a recorded memory_extraction error")
	}
	if conv.Title == "" {
		t.Fatalf("expected title_summary to still succeed despite memory_extraction failing")
	}
	if len(dispatcher.Events()) != 1 {
		t.Fatalf("expected dispatch_complete_event to still fire, got %d", len(dispatcher.Events()))
	}
}

type embedUnavailableError string

func (e embedUnavailableError) Error() string { return string(e) }

var errEmbedUnavailable = embedUnavailableError("embedding provider unavailable")

func TestJob_Handler_DecodesPostPipelineStartPayload(t *testing.T) {
	ctx := context.Background()
	convos := convomock.New()
	seedConversation(convos, "conv-4")

	speakerSvc := &speakermock.Service{Speaker: "bob"}
	llmProvider := &llmmock.Provider{Response: "resp"}
	embedder := &embeddingsmock.Provider{EmbedResult: []float32{0.1}, DimensionsValue: 1}
	memStore := &memorymock.Store{}
	dispatcher := eventbusmock.New()

	job := New(convos, speakerSvc, llmProvider, embedder, memStore, dispatcher)
	job.openAudio = func(string) (readCloser, error) {
		return nopReadCloser{bytes.NewReader([]byte{0})}, nil
	}

	payload, err := jobqueue.Encode(conversationjob.PostPipelineStart{ConversationID: "conv-4"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := job.Handler()(runCtx, payload); err != nil {
		t.Fatalf("handler: %v", err)
	}

	conv, err := convos.Get(ctx, "conv-4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.Title == "" {
		t.Fatalf("expected handler-driven run to populate title")
	}
}
