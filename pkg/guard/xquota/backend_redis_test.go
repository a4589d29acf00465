package xquota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})
	return rdb
}

func TestNewRedisBackendNilClient(t *testing.T) {
	_, err := NewRedisBackend(nil)
	assert.ErrorIs(t, err, ErrNilRedisClient)
}

func TestRedisFixedWindow(t *testing.T) {
	b, err := NewRedisBackend(newTestRedis(t))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := b.Take(ctx, windowReq("tenant:acme", 3))
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
	}

	d, err := b.Take(ctx, windowReq("tenant:acme", 3))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)

	// 其他分区不受影响
	d, err = b.Take(ctx, windowReq("tenant:other", 3))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisTokenBucket(t *testing.T) {
	b, err := NewRedisBackend(newTestRedis(t))
	require.NoError(t, err)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 10; i++ {
		d, err := b.Take(ctx, bucketReq("user:u-1", 60, 5))
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	// 突发容量 5，补充速率 1/s，短时间内放行量约等于容量
	assert.GreaterOrEqual(t, allowed, 5)
	assert.Less(t, allowed, 10)
}

func TestRedisBackendKeyPrefix(t *testing.T) {
	rdb := newTestRedis(t)
	b, err := NewRedisBackend(rdb, WithKeyPrefix("custom"))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Take(ctx, windowReq("tenant:acme", 3))
	require.NoError(t, err)

	keys, err := rdb.Keys(ctx, "custom:fw:*").Result()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestRedisBackendUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close() //nolint:errcheck // defer cleanup

	b, err := NewRedisBackend(rdb)
	require.NoError(t, err)

	mr.Close()
	_, err = b.Take(context.Background(), windowReq("tenant:acme", 3))
	assert.Error(t, err)
}
