package aggregator

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/conversalabs/conversa-core/pkg/streamlog"
	"github.com/conversalabs/conversa-core/pkg/types"
)

func newTestAggregator(t *testing.T) (*Aggregator, streamlog.Factory) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	streams := streamlog.NewRedisFactory(client)
	return New(streams), streams
}

func appendChunk(t *testing.T, ctx context.Context, log streamlog.Log, c types.TranscriptChunk) string {
	t.Helper()
	payload, err := types.EncodeChunk(c)
	if err != nil {
		t.Fatalf("encode chunk: %v", err)
	}
	id, err := log.Append(ctx, payload)
	if err != nil {
		t.Fatalf("append chunk: %v", err)
	}
	return id
}

func TestAggregator_GetCombinedConcatenatesBatchChunks(t *testing.T) {
	ctx := context.Background()
	agg, streams := newTestAggregator(t)
	log := streams.Stream(streamlog.ResultStreamName("s1"))

	appendChunk(t, ctx, log, types.TranscriptChunk{ChunkID: "1-0", Text: "hello", IsFinal: true, Provider: "whisper"})
	appendChunk(t, ctx, log, types.TranscriptChunk{ChunkID: "2-0", Text: "world", IsFinal: true, Provider: "whisper"})

	got, err := agg.GetCombined(ctx, "s1")
	if err != nil {
		t.Fatalf("get combined: %v", err)
	}
	if got.Text != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got.Text)
	}
	if got.ChunkCount != 2 {
		t.Fatalf("expected chunk count 2, got %d", got.ChunkCount)
	}
}

func TestAggregator_GetCombinedSupersessionLaterFinalWins(t *testing.T) {
	ctx := context.Background()
	agg, streams := newTestAggregator(t)
	log := streams.Stream(streamlog.ResultStreamName("s1"))

	appendChunk(t, ctx, log, types.TranscriptChunk{ChunkID: "1-0", Text: "hello wold", IsFinal: true})
	appendChunk(t, ctx, log, types.TranscriptChunk{ChunkID: "1-0", Text: "hello world", IsFinal: true})

	got, err := agg.GetCombined(ctx, "s1")
	if err != nil {
		t.Fatalf("get combined: %v", err)
	}
	if got.Text != "hello world" {
		t.Fatalf("expected superseded text %q, got %q", "hello world", got.Text)
	}
	if got.ChunkCount != 1 {
		t.Fatalf("expected 1 distinct chunk id after supersession, got %d", got.ChunkCount)
	}
}

func TestAggregator_GetCombinedCollapsesWhitespace(t *testing.T) {
	ctx := context.Background()
	agg, streams := newTestAggregator(t)
	log := streams.Stream(streamlog.ResultStreamName("s1"))

	appendChunk(t, ctx, log, types.TranscriptChunk{ChunkID: "1-0", Text: "  hello   ", IsFinal: true})
	appendChunk(t, ctx, log, types.TranscriptChunk{ChunkID: "2-0", Text: "world  ", IsFinal: true})

	got, err := agg.GetCombined(ctx, "s1")
	if err != nil {
		t.Fatalf("get combined: %v", err)
	}
	if got.Text != "hello world" {
		t.Fatalf("expected collapsed whitespace %q, got %q", "hello world", got.Text)
	}
}

func TestAggregator_GetIncrementalReturnsOnlyNewChunks(t *testing.T) {
	ctx := context.Background()
	agg, streams := newTestAggregator(t)
	log := streams.Stream(streamlog.ResultStreamName("s1"))

	appendChunk(t, ctx, log, types.TranscriptChunk{ChunkID: "1-0", Text: "hello", IsFinal: true})

	first, cursor, err := agg.GetIncremental(ctx, "s1", "0-0")
	if err != nil {
		t.Fatalf("get incremental: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(first))
	}

	appendChunk(t, ctx, log, types.TranscriptChunk{ChunkID: "2-0", Text: "world", IsFinal: true})

	second, _, err := agg.GetIncremental(ctx, "s1", cursor)
	if err != nil {
		t.Fatalf("get incremental: %v", err)
	}
	if len(second) != 1 || second[0].Text != "world" {
		t.Fatalf("expected only the new chunk, got %+v", second)
	}
}

func TestAggregator_GetCombinedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	agg, streams := newTestAggregator(t)
	log := streams.Stream(streamlog.ResultStreamName("s1"))

	appendChunk(t, ctx, log, types.TranscriptChunk{ChunkID: "1-0", Text: "hello", IsFinal: true})
	appendChunk(t, ctx, log, types.TranscriptChunk{ChunkID: "2-0", Text: "world", IsFinal: true})

	first, err := agg.GetCombined(ctx, "s1")
	if err != nil {
		t.Fatalf("get combined (1): %v", err)
	}
	second, err := agg.GetCombined(ctx, "s1")
	if err != nil {
		t.Fatalf("get combined (2): %v", err)
	}
	if first.Text != second.Text || first.ChunkCount != second.ChunkCount {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}
}
