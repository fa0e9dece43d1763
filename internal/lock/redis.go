package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	defaultRedisPrefix = "ondemand:lock:"
	defaultRedisTTL    = 30 * time.Second
	redisRetryInterval = 50 * time.Millisecond
	minRedisTTL        = 100 * time.Millisecond
)

var (
	unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker is a lease-based lock shared by every process talking to the
// same Redis. Leases are refreshed at half their TTL while held.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *logrus.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker connects to redisURL (redis://host:port/db) and verifies it with PING.
func NewRedisLocker(ctx context.Context, redisURL string, ttl time.Duration, logger *logrus.Logger) (*RedisLocker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisLockerWithClient(client, ttl, logger), nil
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client redis.UniversalClient, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	if ttl < minRedisTTL {
		ttl = defaultRedisTTL
	}
	return &RedisLocker{
		client: client,
		prefix: defaultRedisPrefix,
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire polls SET NX until the lease is obtained or ctx ends.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(redisRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	go l.keepAlive(redisKey, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() { l.unlock(redisKey, token, stop) })
	}, nil
}

func (l *RedisLocker) unlock(redisKey, token string, stop chan struct{}) {
	close(stop)
	// the caller may already be cancelled; the unlock must still go out
	unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := unlockScript.Run(unlockCtx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.logError("redis_unlock_failed", redisKey, err)
	}
}

// Close releases the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func (l *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			err := extendScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Err()
			cancel()
			if err != nil && !errors.Is(err, redis.Nil) {
				l.logError("redis_lease_extend_failed", redisKey, err)
			}
		}
	}
}

func (l *RedisLocker) logError(action, key string, err error) {
	if l.logger == nil {
		return
	}
	l.logger.WithError(err).WithFields(logrus.Fields{
		"action": action,
		"key":    key,
	}).Warn("redis lock")
}
