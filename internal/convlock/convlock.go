package convlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"lexassist/internal/util"
)

const (
	defaultPrefix = "lexassist:convlock"
	defaultRetry  = 25 * time.Millisecond
	releaseWait   = 2 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker serializes work on a key across every instance sharing it.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// RedisLocker holds keys with SET NX PX and a per-holder token. The ttl
// bounds how long a crashed holder can block others, so it must exceed the
// longest critical section.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker builds a locker on an existing client.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("convlock redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("convlock ttl must be positive")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: defaultRetry}, nil
}

// Lock blocks until key is held or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + ":" + key
	token := util.NewID()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire conversation lock: %w", ctx.Err())
		case <-timer.C:
		}
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire conversation lock: %w", err)
		}
		if ok {
			return func() { l.release(ctx, redisKey, token) }, nil
		}
		timer.Reset(l.retry)
	}
}

func (l *RedisLocker) release(ctx context.Context, redisKey, token string) {
	// released even when the request was cancelled mid-turn
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseWait)
	defer cancel()
	if err := releaseScript.Run(relCtx, l.client, []string{redisKey}, token).Err(); err != nil {
		util.LoggerFromContext(ctx).Warn("conversation_lock_release_failed", "key", redisKey, "err", err)
	}
}
