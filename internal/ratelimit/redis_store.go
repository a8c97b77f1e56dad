package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares rate-limit counters across processes. Counters expire
// with their window, so the store reconstructs from zero after a restart.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, time.Time, bool, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, time.Time{}, false, err
	}

	count, err := getCmd.Int64()
	if err == redis.Nil {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, err
	}

	ttl, err := ttlCmd.Result()
	if err != nil || ttl <= 0 {
		// Key without an expiry means a window that already lapsed.
		return 0, time.Time{}, false, nil
	}

	return count, time.Now().Add(ttl), true, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string, window time.Duration) (time.Time, error) {
	if err := s.client.Set(ctx, key, 1, window).Err(); err != nil {
		return time.Time{}, err
	}
	return time.Now().Add(window), nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}
