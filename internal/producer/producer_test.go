package producer

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/conversalabs/conversa-core/pkg/metadata"
	"github.com/conversalabs/conversa-core/pkg/streamlog"
	"github.com/conversalabs/conversa-core/pkg/types"
)

func newTestProducer(t *testing.T) (*Producer, streamlog.Factory, metadata.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	streams := streamlog.NewRedisFactory(client)
	meta := metadata.NewRedisStore(client)
	return New(streams, meta), streams, meta
}

func TestProducer_InitSessionThenAppendFramesExactFrameSize(t *testing.T) {
	ctx := context.Background()
	p, streams, _ := newTestProducer(t)

	if err := p.InitSession(ctx, InitRequest{SessionID: "s1", UserID: "u1", ClientID: "c1"}); err != nil {
		t.Fatalf("init session: %v", err)
	}

	data := make([]byte, types.FrameBytes*2+100)
	ids, err := p.Append(ctx, "s1", data)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 frames written, got %d", len(ids))
	}

	log := streams.Stream(streamlog.AudioStreamName("c1"))
	n, err := log.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries in stream, got %d", n)
	}
}

func TestProducer_AppendBeforeInitFailsSessionMissing(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestProducer(t)

	_, err := p.Append(ctx, "unknown", []byte("x"))
	if err != ErrSessionMissing {
		t.Fatalf("expected ErrSessionMissing, got %v", err)
	}
}

func TestProducer_EndFlushesPartialBufferAndAppendsSentinel(t *testing.T) {
	ctx := context.Background()
	p, streams, meta := newTestProducer(t)

	if err := p.InitSession(ctx, InitRequest{SessionID: "s1", UserID: "u1", ClientID: "c1"}); err != nil {
		t.Fatalf("init session: %v", err)
	}
	if _, err := p.Append(ctx, "s1", make([]byte, 100)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := p.End(ctx, "s1"); err != nil {
		t.Fatalf("end: %v", err)
	}

	log := streams.Stream(streamlog.AudioStreamName("c1"))
	n, err := log.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 2 { // the zero-padded partial frame, then the END sentinel
		t.Fatalf("expected 2 entries, got %d", n)
	}

	deliveries, err := log.ReadGroup(ctx, "test-group", "c1", 10, 0)
	if err != nil {
		t.Fatalf("read group: %v", err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}
	last, err := types.DecodeFrame(deliveries[1].Payload)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if !last.End {
		t.Fatalf("expected last entry to be the END sentinel")
	}

	session, err := meta.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != types.SessionFinalizing {
		t.Fatalf("expected status finalizing, got %s", session.Status)
	}

	if _, err := p.Append(ctx, "s1", []byte("more")); err != ErrSessionFinalized {
		t.Fatalf("expected ErrSessionFinalized after End, got %v", err)
	}
}

func TestProducer_InitSessionConflictOnDifferentUser(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestProducer(t)

	if err := p.InitSession(ctx, InitRequest{SessionID: "s1", UserID: "u1", ClientID: "c1"}); err != nil {
		t.Fatalf("init session: %v", err)
	}
	err := p.InitSession(ctx, InitRequest{SessionID: "s1", UserID: "u2", ClientID: "c1"})
	if err != ErrSessionConflict {
		t.Fatalf("expected ErrSessionConflict, got %v", err)
	}
}
