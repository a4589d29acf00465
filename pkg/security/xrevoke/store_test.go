package xrevoke

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories 两种存储实现共用一套契约测试。
// advance 推进该实现感知的时间。
func storeFactories(t *testing.T) map[string]func(t *testing.T) (Store, func(time.Duration)) {
	return map[string]func(t *testing.T) (Store, func(time.Duration)){
		"memory": func(_ *testing.T) (Store, func(time.Duration)) {
			var mu sync.Mutex
			now := time.Now()
			s := NewMemoryStore(withNow(func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				return now
			}))
			return s, func(d time.Duration) {
				mu.Lock()
				now = now.Add(d)
				mu.Unlock()
			}
		},
		"redis": func(t *testing.T) (Store, func(time.Duration)) {
			mr, err := miniredis.Run()
			require.NoError(t, err)
			t.Cleanup(mr.Close)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() {
				_ = rdb.Close()
			})
			s, err := NewRedisStore(rdb)
			require.NoError(t, err)
			return s, mr.FastForward
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("not revoked by default", func(t *testing.T) {
				s, _ := factory(t)
				revoked, err := s.IsRevoked(context.Background(), "jti-1")
				require.NoError(t, err)
				assert.False(t, revoked)
			})

			t.Run("revoke then check", func(t *testing.T) {
				s, _ := factory(t)
				ctx := context.Background()
				require.NoError(t, s.Revoke(ctx, "jti-1", DefaultTTL))

				revoked, err := s.IsRevoked(ctx, "jti-1")
				require.NoError(t, err)
				assert.True(t, revoked)

				revoked, err = s.IsRevoked(ctx, "jti-other")
				require.NoError(t, err)
				assert.False(t, revoked)
			})

			t.Run("revocation expires", func(t *testing.T) {
				s, advance := factory(t)
				ctx := context.Background()
				require.NoError(t, s.Revoke(ctx, "jti-1", time.Minute))

				advance(2 * time.Minute)
				revoked, err := s.IsRevoked(ctx, "jti-1")
				require.NoError(t, err)
				assert.False(t, revoked)
			})

			t.Run("mark seen first write wins", func(t *testing.T) {
				s, _ := factory(t)
				ctx := context.Background()

				first, err := s.TryMarkSeen(ctx, "jti-1", time.Minute)
				require.NoError(t, err)
				assert.True(t, first)

				second, err := s.TryMarkSeen(ctx, "jti-1", time.Minute)
				require.NoError(t, err)
				assert.False(t, second)

				other, err := s.TryMarkSeen(ctx, "jti-2", time.Minute)
				require.NoError(t, err)
				assert.True(t, other)
			})

			t.Run("seen mark expires", func(t *testing.T) {
				s, advance := factory(t)
				ctx := context.Background()

				_, err := s.TryMarkSeen(ctx, "jti-1", time.Minute)
				require.NoError(t, err)

				advance(2 * time.Minute)
				again, err := s.TryMarkSeen(ctx, "jti-1", time.Minute)
				require.NoError(t, err)
				assert.True(t, again)
			})

			t.Run("input validation", func(t *testing.T) {
				s, _ := factory(t)
				ctx := context.Background()
				assert.ErrorIs(t, s.Revoke(ctx, "", time.Minute), ErrEmptyJTI)
				assert.ErrorIs(t, s.Revoke(ctx, "jti-1", 0), ErrInvalidTTL)
				_, err := s.IsRevoked(ctx, "")
				assert.ErrorIs(t, err, ErrEmptyJTI)
				_, err = s.TryMarkSeen(ctx, "jti-1", -time.Second)
				assert.ErrorIs(t, err, ErrInvalidTTL)
			})
		})
	}
}

func TestNewRedisStoreValidation(t *testing.T) {
	_, err := NewRedisStore(nil)
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestMemoryStoreConcurrentMarkSeen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryMarkSeen(ctx, "jti-race", time.Minute)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s, err := NewRedisStore(rdb, WithKeyPrefix("gateguard:"))
	require.NoError(t, err)

	require.NoError(t, s.Revoke(context.Background(), "jti-1", time.Minute))
	assert.True(t, mr.Exists("gateguard:revoked:jti:jti-1"))
}
