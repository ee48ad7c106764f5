package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"messaging-service/internal/config"
)

// Heartbeat keys outlive the online window by a margin so a user reads as
// offline before the key disappears, never the other way around.
const heartbeatTTL = 10 * time.Minute

// RedisStore keeps heartbeats in Redis, one key per user, TTL-refreshed on
// every touch.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore builds a RedisStore from config.
func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return &RedisStore{client: client}
}

func heartbeatKey(userID int) string {
	return fmt.Sprintf("presence:user:%d", userID)
}

// Touch writes the heartbeat timestamp and refreshes the TTL.
func (s *RedisStore) Touch(ctx context.Context, userID int, now time.Time) error {
	return s.client.Set(ctx, heartbeatKey(userID), now.UTC().Format(time.RFC3339Nano), heartbeatTTL).Err()
}

// LastActive fetches heartbeats for the requested users in one round trip.
func (s *RedisStore) LastActive(ctx context.Context, userIDs []int) (map[int]time.Time, error) {
	out := make(map[int]time.Time, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = heartbeatKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		out[userIDs[i]] = t
	}
	return out, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
