package xrevoke

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 键命名空间
const (
	revokedKeyPrefix = "revoked:jti:"
	seenKeyPrefix    = "seen:jti:"
)

// redisStore 基于 Redis 的撤销存储，多实例共享。
// 标记依赖 Redis 的键过期，读路径无需清理。
type redisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*redisStore)(nil)

// RedisStoreOption Redis 存储选项。
type RedisStoreOption func(*redisStore)

// WithKeyPrefix 设置额外的键前缀，用于多系统共用一个 Redis。
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *redisStore) { s.prefix = prefix }
}

// NewRedisStore 创建 Redis 撤销存储。client 生命周期由调用方管理。
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) (Store, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	s := &redisStore{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Revoke 实现 Store。重复撤销刷新过期时间。
func (s *redisStore) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if err := validate(jti, ttl); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+revokedKeyPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("xrevoke: revoke %s: %w", jti, err)
	}
	return nil
}

// IsRevoked 实现 Store。
func (s *redisStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, ErrEmptyJTI
	}
	err := s.client.Get(ctx, s.prefix+revokedKeyPrefix+jti).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("xrevoke: check %s: %w", jti, err)
	}
	return true, nil
}

// TryMarkSeen 实现 Store。SETNX 保证并发调用恰有一个成功。
func (s *redisStore) TryMarkSeen(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if err := validate(jti, ttl); err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, s.prefix+seenKeyPrefix+jti, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("xrevoke: mark seen %s: %w", jti, err)
	}
	return ok, nil
}
