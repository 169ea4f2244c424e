package conversationjob

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/conversalabs/conversa-core/internal/aggregator"
	"github.com/conversalabs/conversa-core/internal/jobqueue"
	"github.com/conversalabs/conversa-core/internal/speechdetector"
	convomock "github.com/conversalabs/conversa-core/pkg/convostore/mock"
	"github.com/conversalabs/conversa-core/pkg/metadata"
	"github.com/conversalabs/conversa-core/pkg/streamlog"
	"github.com/conversalabs/conversa-core/pkg/types"
)

type recordingQueue struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (q *recordingQueue) Enqueue(_ context.Context, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads = append(q.payloads, payload)
	return "job-1", nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.payloads)
}

func newTestDeps(t *testing.T) (streamlog.Factory, metadata.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return streamlog.NewRedisFactory(client), metadata.NewRedisStore(client)
}

func appendChunk(t *testing.T, streams streamlog.Factory, sessionID string, chunk types.TranscriptChunk) {
	t.Helper()
	payload, err := types.EncodeChunk(chunk)
	if err != nil {
		t.Fatalf("encode chunk: %v", err)
	}
	log := streams.Stream(streamlog.ResultStreamName(sessionID))
	if _, err := log.Append(context.Background(), payload); err != nil {
		t.Fatalf("append chunk: %v", err)
	}
}

func manyWords(n int, confidence float64) []types.Word {
	words := make([]types.Word, n)
	for i := range words {
		words[i] = types.Word{Text: "word", StartS: float64(i), EndS: float64(i) + 1, Confidence: confidence}
	}
	return words
}

func seedOpenConversation(convos *convomock.Store, conversationID, sessionID string) {
	convos.Put(types.Conversation{
		ConversationID: conversationID,
		SessionID:      sessionID,
		Status:         types.ConversationOpen,
		CreatedAt:      time.Now(),
	})
}

func TestJob_Run_InactivityTimeoutFinalizesAndEnqueuesPostPipeline(t *testing.T) {
	ctx := context.Background()
	streams, meta := newTestDeps(t)
	agg := aggregator.New(streams)
	convos := convomock.New()
	postQueue := &recordingQueue{}
	sdQueue := &recordingQueue{}

	session := types.Session{SessionID: "s1", UserID: "u1", ClientID: "c1", Status: types.SessionActive}
	if err := meta.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	seedOpenConversation(convos, "conv-1", "s1")
	appendChunk(t, streams, "s1", types.TranscriptChunk{
		ChunkID: "1-0", Text: "hello world", IsFinal: true,
		Words: manyWords(20, 0.9),
	})
	if err := meta.SetAudioFileBinding(ctx, "conv-1", "/data/conv-1.wav"); err != nil {
		t.Fatalf("set audio file binding: %v", err)
	}

	job := New(agg, meta, convos, streams, sdQueue, postQueue, 50*time.Millisecond, 200*time.Millisecond, types.DefaultSpeechPredicateConfig())

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := job.Run(runCtx, "conv-1", "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	conv, err := convos.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Status != types.ConversationClosed {
		t.Fatalf("expected closed status, got %s", conv.Status)
	}
	if conv.Deleted {
		t.Fatalf("expected not deleted")
	}
	if conv.EndReason != types.EndInactivityTimeout {
		t.Fatalf("expected inactivity_timeout, got %s", conv.EndReason)
	}
	if conv.TranscriptVersions["v1"].Text != "hello world" {
		t.Fatalf("expected transcript snapshot, got %+v", conv.TranscriptVersions)
	}
	if postQueue.count() != 1 {
		t.Fatalf("expected one post-pipeline job enqueued, got %d", postQueue.count())
	}
	if sdQueue.count() != 1 {
		t.Fatalf("expected fresh speech detector job re-enqueued, got %d", sdQueue.count())
	}
}

func TestJob_Run_TransportDisconnectSkipsSpeechDetectorReenqueue(t *testing.T) {
	ctx := context.Background()
	streams, meta := newTestDeps(t)
	agg := aggregator.New(streams)
	convos := convomock.New()
	postQueue := &recordingQueue{}
	sdQueue := &recordingQueue{}

	session := types.Session{SessionID: "s2", UserID: "u1", ClientID: "c1", Status: types.SessionActive}
	if err := meta.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	seedOpenConversation(convos, "conv-2", "s2")
	appendChunk(t, streams, "s2", types.TranscriptChunk{
		ChunkID: "1-0", Text: "hello world", IsFinal: true,
		Words: manyWords(20, 0.9),
	})
	if err := meta.SetAudioFileBinding(ctx, "conv-2", "/data/conv-2.wav"); err != nil {
		t.Fatalf("set audio file binding: %v", err)
	}
	if err := meta.SetTransportDisconnected(ctx, "s2"); err != nil {
		t.Fatalf("set transport disconnected: %v", err)
	}

	job := New(agg, meta, convos, streams, sdQueue, postQueue, 50*time.Millisecond, 200*time.Millisecond, types.DefaultSpeechPredicateConfig())

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := job.Run(runCtx, "conv-2", "s2"); err != nil {
		t.Fatalf("run: %v", err)
	}

	conv, err := convos.Get(ctx, "conv-2")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.EndReason != types.EndTransportDisconnect {
		t.Fatalf("expected transport_disconnect, got %s", conv.EndReason)
	}
	if postQueue.count() != 1 {
		t.Fatalf("expected one post-pipeline job enqueued, got %d", postQueue.count())
	}
	if sdQueue.count() != 0 {
		t.Fatalf("expected no speech detector re-enqueue after disconnect, got %d", sdQueue.count())
	}
}

func TestJob_Run_AudioFileNotReadyMarksDeletedAndSkipsPostPipeline(t *testing.T) {
	ctx := context.Background()
	streams, meta := newTestDeps(t)
	agg := aggregator.New(streams)
	convos := convomock.New()
	postQueue := &recordingQueue{}
	sdQueue := &recordingQueue{}

	session := types.Session{SessionID: "s3", UserID: "u1", ClientID: "c1", Status: types.SessionActive}
	if err := meta.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	seedOpenConversation(convos, "conv-3", "s3")
	if err := meta.SetStopRequested(ctx, "s3"); err != nil {
		t.Fatalf("set stop requested: %v", err)
	}

	job := New(agg, meta, convos, streams, sdQueue, postQueue, 50*time.Millisecond, 100*time.Millisecond, types.DefaultSpeechPredicateConfig())

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := job.Run(runCtx, "conv-3", "s3"); err != nil {
		t.Fatalf("run: %v", err)
	}

	conv, err := convos.Get(ctx, "conv-3")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if !conv.Deleted {
		t.Fatalf("expected deleted=true")
	}
	if conv.EndReason != types.EndAudioFileNotReady {
		t.Fatalf("expected audio_file_not_ready, got %s", conv.EndReason)
	}
	if postQueue.count() != 0 {
		t.Fatalf("expected no post-pipeline job enqueued, got %d", postQueue.count())
	}
}

func TestJob_Run_NoMeaningfulSpeechMarksDeletedAndSkipsPostPipeline(t *testing.T) {
	ctx := context.Background()
	streams, meta := newTestDeps(t)
	agg := aggregator.New(streams)
	convos := convomock.New()
	postQueue := &recordingQueue{}
	sdQueue := &recordingQueue{}

	session := types.Session{SessionID: "s4", UserID: "u1", ClientID: "c1", Status: types.SessionActive}
	if err := meta.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	seedOpenConversation(convos, "conv-4", "s4")
	if err := meta.SetStopRequested(ctx, "s4"); err != nil {
		t.Fatalf("set stop requested: %v", err)
	}
	if err := meta.SetAudioFileBinding(ctx, "conv-4", "/data/conv-4.wav"); err != nil {
		t.Fatalf("set audio file binding: %v", err)
	}
	// A handful of low-confidence words: fails the meaningful-speech predicate.
	appendChunk(t, streams, "s4", types.TranscriptChunk{
		ChunkID: "1-0", Text: "um", IsFinal: true,
		Words: manyWords(2, 0.1),
	})

	job := New(agg, meta, convos, streams, sdQueue, postQueue, 50*time.Millisecond, 100*time.Millisecond, types.DefaultSpeechPredicateConfig())

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := job.Run(runCtx, "conv-4", "s4"); err != nil {
		t.Fatalf("run: %v", err)
	}

	conv, err := convos.Get(ctx, "conv-4")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if !conv.Deleted {
		t.Fatalf("expected deleted=true")
	}
	if conv.EndReason != types.EndNoMeaningfulSpeech {
		t.Fatalf("expected no_meaningful_speech, got %s", conv.EndReason)
	}
	if conv.AudioPath != "" {
		t.Fatalf("expected empty audio_path for deleted conversation, got %q", conv.AudioPath)
	}
	if postQueue.count() != 0 {
		t.Fatalf("expected no post-pipeline job enqueued, got %d", postQueue.count())
	}
}

func TestJob_Handler_DecodesConversationStartPayload(t *testing.T) {
	ctx := context.Background()
	streams, meta := newTestDeps(t)
	agg := aggregator.New(streams)
	convos := convomock.New()
	postQueue := &recordingQueue{}
	sdQueue := &recordingQueue{}

	session := types.Session{SessionID: "s5", UserID: "u1", ClientID: "c1", Status: types.SessionActive}
	if err := meta.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	seedOpenConversation(convos, "conv-5", "s5")
	if err := meta.SetStopRequested(ctx, "s5"); err != nil {
		t.Fatalf("set stop requested: %v", err)
	}
	if err := meta.SetAudioFileBinding(ctx, "conv-5", "/data/conv-5.wav"); err != nil {
		t.Fatalf("set audio file binding: %v", err)
	}
	appendChunk(t, streams, "s5", types.TranscriptChunk{
		ChunkID: "1-0", Text: "hello world", IsFinal: true,
		Words: manyWords(20, 0.9),
	})

	job := New(agg, meta, convos, streams, sdQueue, postQueue, 50*time.Millisecond, 200*time.Millisecond, types.DefaultSpeechPredicateConfig())

	payload, err := jobqueue.Encode(speechdetector.ConversationStart{ConversationID: "conv-5", SessionID: "s5"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := job.Handler()(runCtx, payload); err != nil {
		t.Fatalf("handler: %v", err)
	}

	conv, err := convos.Get(ctx, "conv-5")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Status != types.ConversationClosed {
		t.Fatalf("expected closed, got %s", conv.Status)
	}
}
