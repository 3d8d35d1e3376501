package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingValue = "pending"

// RedisStore keeps claims in Redis with SET NX EX so every instance sees them.
type RedisStore struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedisStore builds a store on an existing client.
func NewRedisStore(client *redis.Client, prefix string, window time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "lexassist:idempotency"
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisStore{client: client, prefix: prefix, window: window}, nil
}

func (s *RedisStore) redisKey(scope, key string) (string, error) {
	hashed, err := hashKey(scope, key)
	if err != nil {
		return "", err
	}
	return s.prefix + ":" + hashed, nil
}

func (s *RedisStore) Claim(ctx context.Context, scope, key string) (string, bool, error) {
	redisKey, err := s.redisKey(scope, key)
	if err != nil {
		return "", false, err
	}
	ok, err := s.client.SetNX(ctx, redisKey, pendingValue, s.window).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return "", true, nil
	}
	value, err := s.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return s.Claim(ctx, scope, key)
	}
	if err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	if value == pendingValue {
		return "", false, ErrInFlight
	}
	return value, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, scope, key, resourceID string) error {
	redisKey, err := s.redisKey(scope, key)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKey, resourceID, s.window).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, scope, key string) error {
	redisKey, err := s.redisKey(scope, key)
	if err != nil {
		return err
	}
	return s.client.Del(ctx, redisKey).Err()
}
