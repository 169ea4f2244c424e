package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/conversalabs/conversa-core/pkg/types"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_CreateSessionIsIdempotentWhenActiveAndSameUser(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	session := types.Session{SessionID: "s1", UserID: "u1", ClientID: "c1"}

	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("second create (idempotent): %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.SessionActive {
		t.Errorf("status = %q, want active", got.Status)
	}
}

func TestRedisStore_CreateSessionConflictsOnDifferentUser(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, types.Session{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.CreateSession(ctx, types.Session{SessionID: "s1", UserID: "u2"})
	if err != ErrSessionConflict {
		t.Fatalf("err = %v, want ErrSessionConflict", err)
	}
}

func TestRedisStore_CreateSessionConflictsWhenNotActive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, types.Session{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SetSessionStatus(ctx, "s1", types.SessionFinalizing); err != nil {
		t.Fatalf("set status: %v", err)
	}
	err := store.CreateSession(ctx, types.Session{SessionID: "s1", UserID: "u1"})
	if err != ErrSessionConflict {
		t.Fatalf("err = %v, want ErrSessionConflict", err)
	}
}

func TestRedisStore_GetSessionNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.GetSession(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_IncrFrameCountAccumulates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.CreateSession(ctx, types.Session{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.IncrFrameCount(ctx, "s1", 1); err != nil {
		t.Fatalf("incr: %v", err)
	}
	n, err := store.IncrFrameCount(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if n != 2 {
		t.Errorf("frame count = %d, want 2", n)
	}
}

func TestRedisStore_TranscriptionErrorAndTransportDisconnected(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.CreateSession(ctx, types.Session{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.SetTranscriptionError(ctx, "s1", "asr unreachable"); err != nil {
		t.Fatalf("set transcription error: %v", err)
	}
	if err := store.SetTransportDisconnected(ctx, "s1"); err != nil {
		t.Fatalf("set transport disconnected: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TranscriptionError != "asr unreachable" {
		t.Errorf("transcription error = %q", got.TranscriptionError)
	}
	if !got.TransportDisconnected {
		t.Error("transport disconnected = false, want true")
	}
}

func TestRedisStore_CurrentConversationPointerRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.SetCurrentConversation(ctx, "s1", "conv-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.GetCurrentConversation(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "conv-1" {
		t.Errorf("current conversation = %q, want conv-1", got)
	}

	ttl := mr.TTL(currentConversationKey("s1"))
	if ttl <= 0 {
		t.Errorf("ttl = %v, want positive", ttl)
	}
}

func TestRedisStore_RefreshCurrentConversationExtendsTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.SetCurrentConversation(ctx, "s1", "conv-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.SetTTL(currentConversationKey("s1"), time.Minute)

	if err := store.RefreshCurrentConversation(ctx, "s1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if ttl := mr.TTL(currentConversationKey("s1")); ttl <= time.Minute {
		t.Errorf("ttl = %v, want > 1m after refresh", ttl)
	}
}

func TestRedisStore_RefreshCurrentConversationNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.RefreshCurrentConversation(context.Background(), "no-such-session")
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_AudioFileBindingRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetAudioFileBinding(ctx, "conv-1")
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound before binding written", err)
	}

	if err := store.SetAudioFileBinding(ctx, "conv-1", "/data/audio/1000_client-1_conv-1.wav"); err != nil {
		t.Fatalf("set: %v", err)
	}
	path, err := store.GetAudioFileBinding(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if path != "/data/audio/1000_client-1_conv-1.wav" {
		t.Errorf("path = %q", path)
	}
}

func TestRedisStore_ExpireSessionSetsTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	if err := store.CreateSession(ctx, types.Session{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.ExpireSession(ctx, "s1"); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if ttl := mr.TTL(sessionKey("s1")); ttl <= 0 {
		t.Errorf("ttl = %v, want positive", ttl)
	}
}

func TestRedisStore_ListActiveSessionsTracksCreateAndDrain(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, types.Session{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateSession(ctx, types.Session{SessionID: "s2", UserID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	ids, err := store.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(ids))
	}

	completed, err := store.MarkConsumerDrained(ctx, "s1", "audio-persistence")
	if err != nil {
		t.Fatalf("mark drained: %v", err)
	}
	if completed {
		t.Fatal("expected not completed after only one of two groups drained")
	}

	completed, err = store.MarkConsumerDrained(ctx, "s1", "streaming-transcription")
	if err != nil {
		t.Fatalf("mark drained: %v", err)
	}
	if !completed {
		t.Fatal("expected completed after both groups drained")
	}

	ids, err = store.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s2" {
		t.Fatalf("expected only s2 active, got %v", ids)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.SessionComplete {
		t.Fatalf("status = %q, want complete", got.Status)
	}
}

func TestRedisStore_MarkConsumerDrainedSameGroupTwiceDoesNotDoubleCount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.CreateSession(ctx, types.Session{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if completed, err := store.MarkConsumerDrained(ctx, "s1", "audio-persistence"); err != nil || completed {
		t.Fatalf("first mark: completed=%v err=%v", completed, err)
	}
	if completed, err := store.MarkConsumerDrained(ctx, "s1", "audio-persistence"); err != nil || completed {
		t.Fatalf("duplicate mark of same group should not complete: completed=%v err=%v", completed, err)
	}
}
