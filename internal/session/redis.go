package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/keepsake-ai/keepsake/internal/types"
)

// RedisStore keeps each conversation as a Redis list with a TTL. LPUSH puts
// the newest message at the head; EXPIRE after every append gives the whole
// conversation a sliding TTL window.
type RedisStore struct {
	client      *redis.Client
	ttl         time.Duration
	maxMessages int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int, ttl time.Duration, maxMessages int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis at %s: %v", types.ErrDependencyUnavailable, addr, err)
	}

	return &RedisStore{client: client, ttl: ttl, maxMessages: maxMessages}, nil
}

func sessionKey(conversationID string) string {
	return "session:" + conversationID
}

// Append pushes the message and re-arms the conversation TTL.
func (s *RedisStore) Append(ctx context.Context, msg types.SessionMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := sessionKey(msg.ConversationID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	if s.maxMessages > 0 {
		pipe.LTrim(ctx, key, 0, int64(s.maxMessages-1))
	}
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis append: %v", types.ErrDependencyUnavailable, err)
	}
	return nil
}

// Recent returns up to limit messages, newest last. Redis handles key-level
// TTL; per-message expiry inside a still-live key is filtered here.
func (s *RedisStore) Recent(ctx context.Context, conversationID string, limit int) ([]types.SessionMessage, error) {
	if limit <= 0 {
		limit = s.maxMessages
	}
	raw, err := s.client.LRange(ctx, sessionKey(conversationID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis recent: %v", types.ErrDependencyUnavailable, err)
	}

	cutoff := time.Now().Add(-s.ttl)
	out := make([]types.SessionMessage, 0, len(raw))
	// LRANGE is newest-first; walk backwards for newest-last ordering.
	for i := len(raw) - 1; i >= 0; i-- {
		var msg types.SessionMessage
		if err := json.Unmarshal([]byte(raw[i]), &msg); err != nil {
			continue
		}
		if msg.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
