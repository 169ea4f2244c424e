package speechdetector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/conversalabs/conversa-core/internal/aggregator"
	"github.com/conversalabs/conversa-core/pkg/convostore"
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

func TestJob_Run_CreatesConversationAndEnqueuesOnMeaningfulSpeech(t *testing.T) {
	ctx := context.Background()
	streams, meta := newTestDeps(t)
	agg := aggregator.New(streams)
	convos := convomock.New()
	queue := &recordingQueue{}

	session := types.Session{SessionID: "s1", UserID: "u1", ClientID: "c1", Status: types.SessionActive}
	if err := meta.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	appendChunk(t, streams, "s1", types.TranscriptChunk{
		ChunkID: "1-0", Text: "hello world", IsFinal: true,
		Words: manyWords(20, 0.9),
	})

	job := New(agg, meta, convos, queue, types.DefaultSpeechPredicateConfig())

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := job.Run(runCtx, "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if convos.CallCount("Create") != 1 {
		t.Fatalf("expected exactly one conversation Create call, got %d", convos.CallCount("Create"))
	}
	if queue.count() != 1 {
		t.Fatalf("expected exactly one conversation job enqueued, got %d", queue.count())
	}
}

func TestJob_Run_ExitsWithoutConversationOnTransportDisconnect(t *testing.T) {
	ctx := context.Background()
	streams, meta := newTestDeps(t)
	agg := aggregator.New(streams)
	convos := convomock.New()
	queue := &recordingQueue{}

	session := types.Session{SessionID: "s2", UserID: "u1", ClientID: "c1", Status: types.SessionActive}
	if err := meta.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := meta.SetTransportDisconnected(ctx, "s2"); err != nil {
		t.Fatalf("set transport disconnected: %v", err)
	}

	job := New(agg, meta, convos, queue, types.DefaultSpeechPredicateConfig())
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := job.Run(runCtx, "s2"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if convos.CallCount("Create") != 0 {
		t.Fatalf("expected no conversation created, got %d Create calls", convos.CallCount("Create"))
	}
	if queue.count() != 0 {
		t.Fatalf("expected nothing enqueued, got %d", queue.count())
	}
}

func TestJob_Run_IdlesWhileTranscriptionErrorSet(t *testing.T) {
	ctx := context.Background()
	streams, meta := newTestDeps(t)
	agg := aggregator.New(streams)
	convos := convomock.New()
	queue := &recordingQueue{}

	session := types.Session{SessionID: "s3", UserID: "u1", ClientID: "c1", Status: types.SessionActive}
	if err := meta.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := meta.SetTranscriptionError(ctx, "s3", "provider down"); err != nil {
		t.Fatalf("set transcription error: %v", err)
	}
	appendChunk(t, streams, "s3", types.TranscriptChunk{
		ChunkID: "1-0", Text: "hello world", IsFinal: true,
		Words: manyWords(20, 0.9),
	})

	job := New(agg, meta, convos, queue, types.DefaultSpeechPredicateConfig())
	runCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	_ = job.Run(runCtx, "s3")

	if convos.CallCount("Create") != 0 {
		t.Fatalf("expected no conversation created while transcription_error is set, got %d", convos.CallCount("Create"))
	}
}

var _ convostore.Store = (*convomock.Store)(nil)
