package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "notifications:processed:"

// RedisStore marks processed envelopes in Redis with a bounded TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	lg     zerolog.Logger
}

func NewRedisStore(client *redis.Client, ttl time.Duration, lg zerolog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		lg:     lg.With().Str("component", "idempotency_store").Logger(),
	}
}

// CheckAndMark uses SETNX so concurrent workers cannot both claim a key.
// Returns duplicate=true when the key already existed.
func (s *RedisStore) CheckAndMark(ctx context.Context, key string) (bool, error) {
	set, err := s.client.SetNX(ctx, keyPrefix+key, time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	return !set, nil
}

// Release drops a claimed key after a processing failure so broker redelivery
// is not mistaken for a duplicate.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}
