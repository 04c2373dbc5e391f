package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrLockTimeout = errors.New("lock: timed out waiting for lock")

// releaseScript deletes the key only if it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process pointed at the same Redis.
type RedisLocker struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	retry   time.Duration
	maxWait time.Duration
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:  client,
		prefix:  "autoverify:lock:",
		ttl:     ttl,
		retry:   50 * time.Millisecond,
		maxWait: ttl,
	}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lock: invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("lock: failed to generate token: %w", err)
	}

	redisKey := l.prefix + key
	deadline := time.Now().Add(l.maxWait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token.String(), l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: failed to acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	return func() {
		// fresh context: the caller's may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token.String()).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("lock: failed to release redis lock")
		}
	}, nil
}
