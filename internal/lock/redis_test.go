package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLockerExclusive(t *testing.T) {
	url := os.Getenv("ONDEMAND_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ONDEMAND_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	locker, err := NewRedisLocker(ctx, url, time.Second, nil)
	require.NoError(t, err)
	defer locker.Close()

	key := "test:" + t.Name()
	release, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(waitCtx, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	again, err := locker.Acquire(ctx, key)
	require.NoError(t, err)
	again()
}

func TestNewRedisLockerRejectsBadURL(t *testing.T) {
	_, err := NewRedisLocker(context.Background(), "not-a-url", time.Second, nil)
	require.Error(t, err)
}

func TestRedisLockerClampsTinyTTL(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	locker := NewRedisLockerWithClient(client, time.Nanosecond, nil)
	assert.Equal(t, defaultRedisTTL, locker.ttl)

	locker = NewRedisLockerWithClient(client, 200*time.Millisecond, nil)
	assert.Equal(t, 200*time.Millisecond, locker.ttl)
}
