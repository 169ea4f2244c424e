package metadata

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conversalabs/conversa-core/pkg/types"
)

// Redis hash field names for the session record (spec.md §3, §6).
const (
	fieldUserID                = "user_id"
	fieldClientID              = "client_id"
	fieldConnectionID          = "connection_id"
	fieldStatus                = "status"
	fieldMode                  = "mode"
	fieldProvider              = "provider"
	fieldFrameCount            = "frame_count"
	fieldTranscriptionError    = "transcription_error"
	fieldTransportDisconnected = "transport_disconnected"
	fieldStopRequested         = "stop_requested"
	fieldConversationCount     = "conversation_count"
	fieldCreatedAt             = "created_at"
)

// activeSessionsKey is the Redis set of session ids not yet complete,
// maintained by CreateSession (add) and MarkConsumerDrained (remove once
// both expected groups have drained).
const activeSessionsKey = "audio.sessions.active"

// drainedGroupsKey tracks which consumer groups have finished processing a
// session's END sentinel, so MarkConsumerDrained can tell when every
// expected group (persistence plus whichever transcription group the
// session was routed to) has drained.
func drainedGroupsKey(sessionID string) string { return "audio.session." + sessionID + ".drained" }

// expectedDrainedGroups is the number of distinct consumer groups that must
// report draining before a session is considered complete: the persistence
// group and the one active transcription group (streaming or a single
// provider's batch group — only one is ever active per session, spec.md
// §4.4).
const expectedDrainedGroups = 2

// RedisStore implements [Store] over Redis hashes and strings.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps client as a [Store].
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(sessionID string) string          { return "audio.session." + sessionID }
func currentConversationKey(sessionID string) string { return "conversation.current." + sessionID }
func audioFileKey(conversationID string) string    { return "audio.file." + conversationID }

func (s *RedisStore) CreateSession(ctx context.Context, session types.Session) error {
	existing, err := s.GetSession(ctx, session.SessionID)
	if err == nil {
		if existing.Status != types.SessionActive || existing.UserID != session.UserID {
			return ErrSessionConflict
		}
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	values := map[string]any{
		fieldUserID:               session.UserID,
		fieldClientID:              session.ClientID,
		fieldConnectionID:          session.ConnectionID,
		fieldStatus:                string(types.SessionActive),
		fieldMode:                  string(session.Mode),
		fieldProvider:              session.Provider,
		fieldFrameCount:            0,
		fieldTranscriptionError:    "",
		fieldTransportDisconnected: "false",
		fieldStopRequested:         "false",
		fieldConversationCount:     0,
		fieldCreatedAt:             session.CreatedAt.Format(time.RFC3339Nano),
	}
	if err := s.client.HSet(ctx, sessionKey(session.SessionID), values).Err(); err != nil {
		return fmt.Errorf("metadata: create session %s: %w", session.SessionID, err)
	}
	if err := s.client.SAdd(ctx, activeSessionsKey, session.SessionID).Err(); err != nil {
		return fmt.Errorf("metadata: register active session %s: %w", session.SessionID, err)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (types.Session, error) {
	vals, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return types.Session{}, fmt.Errorf("metadata: get session %s: %w", sessionID, err)
	}
	if len(vals) == 0 {
		return types.Session{}, ErrNotFound
	}

	frameCount, _ := strconv.ParseInt(vals[fieldFrameCount], 10, 64)
	convCount, _ := strconv.Atoi(vals[fieldConversationCount])
	createdAt, _ := time.Parse(time.RFC3339Nano, vals[fieldCreatedAt])

	return types.Session{
		SessionID:             sessionID,
		UserID:                vals[fieldUserID],
		ClientID:              vals[fieldClientID],
		ConnectionID:          vals[fieldConnectionID],
		Status:                types.SessionStatus(vals[fieldStatus]),
		Mode:                  types.TranscriptionMode(vals[fieldMode]),
		Provider:              vals[fieldProvider],
		FrameCount:            frameCount,
		TranscriptionError:    vals[fieldTranscriptionError],
		TransportDisconnected: vals[fieldTransportDisconnected] == "true",
		StopRequested:         vals[fieldStopRequested] == "true",
		ConversationCount:     convCount,
		CreatedAt:             createdAt,
	}, nil
}

func (s *RedisStore) SetSessionStatus(ctx context.Context, sessionID string, status types.SessionStatus) error {
	if err := s.client.HSet(ctx, sessionKey(sessionID), fieldStatus, string(status)).Err(); err != nil {
		return fmt.Errorf("metadata: set status %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) IncrFrameCount(ctx context.Context, sessionID string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, sessionKey(sessionID), fieldFrameCount, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("metadata: incr frame count %s: %w", sessionID, err)
	}
	return n, nil
}

func (s *RedisStore) SetTranscriptionError(ctx context.Context, sessionID, message string) error {
	if err := s.client.HSet(ctx, sessionKey(sessionID), fieldTranscriptionError, message).Err(); err != nil {
		return fmt.Errorf("metadata: set transcription error %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) SetTransportDisconnected(ctx context.Context, sessionID string) error {
	if err := s.client.HSet(ctx, sessionKey(sessionID), fieldTransportDisconnected, "true").Err(); err != nil {
		return fmt.Errorf("metadata: set transport disconnected %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) SetStopRequested(ctx context.Context, sessionID string) error {
	if err := s.client.HSet(ctx, sessionKey(sessionID), fieldStopRequested, "true").Err(); err != nil {
		return fmt.Errorf("metadata: set stop requested %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) IncrConversationCount(ctx context.Context, sessionID string) (int, error) {
	n, err := s.client.HIncrBy(ctx, sessionKey(sessionID), fieldConversationCount, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("metadata: incr conversation count %s: %w", sessionID, err)
	}
	return int(n), nil
}

func (s *RedisStore) ExpireSession(ctx context.Context, sessionID string) error {
	if err := s.client.Expire(ctx, sessionKey(sessionID), SessionTTL).Err(); err != nil {
		return fmt.Errorf("metadata: expire session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) SetCurrentConversation(ctx context.Context, sessionID, conversationID string) error {
	if err := s.client.Set(ctx, currentConversationKey(sessionID), conversationID, CurrentConversationTTL).Err(); err != nil {
		return fmt.Errorf("metadata: set current conversation %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) GetCurrentConversation(ctx context.Context, sessionID string) (string, error) {
	v, err := s.client.Get(ctx, currentConversationKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("metadata: get current conversation %s: %w", sessionID, err)
	}
	return v, nil
}

func (s *RedisStore) RefreshCurrentConversation(ctx context.Context, sessionID string) error {
	ok, err := s.client.Expire(ctx, currentConversationKey(sessionID), CurrentConversationTTL).Result()
	if err != nil {
		return fmt.Errorf("metadata: refresh current conversation %s: %w", sessionID, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) SetAudioFileBinding(ctx context.Context, conversationID, path string) error {
	if err := s.client.Set(ctx, audioFileKey(conversationID), path, AudioFileBindingTTL).Err(); err != nil {
		return fmt.Errorf("metadata: set audio file binding %s: %w", conversationID, err)
	}
	return nil
}

func (s *RedisStore) GetAudioFileBinding(ctx context.Context, conversationID string) (string, error) {
	v, err := s.client.Get(ctx, audioFileKey(conversationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("metadata: get audio file binding %s: %w", conversationID, err)
	}
	return v, nil
}

func (s *RedisStore) ListActiveSessions(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("metadata: list active sessions: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) MarkConsumerDrained(ctx context.Context, sessionID, group string) (bool, error) {
	key := drainedGroupsKey(sessionID)
	if err := s.client.SAdd(ctx, key, group).Err(); err != nil {
		return false, fmt.Errorf("metadata: mark drained %s/%s: %w", sessionID, group, err)
	}
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("metadata: count drained groups %s: %w", sessionID, err)
	}
	if n < expectedDrainedGroups {
		return false, nil
	}

	if err := s.client.HSet(ctx, sessionKey(sessionID), fieldStatus, string(types.SessionComplete)).Err(); err != nil {
		return false, fmt.Errorf("metadata: set complete %s: %w", sessionID, err)
	}
	if err := s.client.SRem(ctx, activeSessionsKey, sessionID).Err(); err != nil {
		return false, fmt.Errorf("metadata: deregister active session %s: %w", sessionID, err)
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return false, fmt.Errorf("metadata: clear drained groups %s: %w", sessionID, err)
	}
	if err := s.ExpireSession(ctx, sessionID); err != nil {
		return false, err
	}
	return true, nil
}
