package xquota

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// redisBackend 基于 Redis 的分布式后端。
//
// 令牌桶走 redis_rate（GCRA 算法，脚本原子执行）；固定窗口用
// INCR + EXPIRE：键名带上对齐后的窗口起点，窗口滚动时旧键自然过期。
// 多实例共享同一 Redis 时计数全局一致。
type redisBackend struct {
	client  redis.UniversalClient
	limiter *redis_rate.Limiter
	prefix  string
}

var _ Backend = (*redisBackend)(nil)

// NewRedisBackend 创建 Redis 后端。client 的生命周期由调用方管理，
// Close 不会关闭它。
func NewRedisBackend(client redis.UniversalClient, opts ...RedisBackendOption) (Backend, error) {
	if client == nil {
		return nil, ErrNilRedisClient
	}
	b := &redisBackend{
		client:  client,
		limiter: redis_rate.NewLimiter(client),
		prefix:  "gateguard:quota",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// RedisBackendOption Redis 后端选项。
type RedisBackendOption func(*redisBackend)

// WithKeyPrefix 覆盖 Redis 键前缀，默认 "gateguard:quota"。
func WithKeyPrefix(prefix string) RedisBackendOption {
	return func(b *redisBackend) { b.prefix = prefix }
}

func (b *redisBackend) Take(ctx context.Context, req TakeRequest) (*Decision, error) {
	switch req.Algorithm {
	case AlgorithmTokenBucket:
		return b.takeToken(ctx, req)
	case AlgorithmFixedWindow:
		return b.takeWindow(ctx, req)
	default:
		return nil, wrapUnsupportedAlgorithm(req.Algorithm)
	}
}

func (b *redisBackend) takeToken(ctx context.Context, req TakeRequest) (*Decision, error) {
	burst := req.Burst
	if burst <= 0 {
		burst = req.Limit
	}
	res, err := b.limiter.Allow(ctx, b.tokenKey(req), redis_rate.Limit{
		Rate:   req.Limit,
		Burst:  burst,
		Period: req.Window,
	})
	if err != nil {
		return nil, fmt.Errorf("xquota: redis token bucket: %w", err)
	}

	d := &Decision{
		Policy:    req.Policy,
		Key:       req.Key,
		Limit:     req.Limit,
		Remaining: res.Remaining,
		Allowed:   res.Allowed > 0,
	}
	if !d.Allowed {
		retry := res.RetryAfter
		if retry < time.Second {
			retry = time.Second
		}
		d.RetryAfter = retry
	}
	return d, nil
}

func (b *redisBackend) takeWindow(ctx context.Context, req TakeRequest) (*Decision, error) {
	start := time.Now().UTC().Truncate(req.Window)
	key := b.windowKey(req, start)

	var incr *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		// 过期时间给足两个窗口，保证滚动期间旧键可读
		pipe.Expire(ctx, key, req.Window*2)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("xquota: redis fixed window: %w", err)
	}

	count := int(incr.Val())
	d := &Decision{Policy: req.Policy, Key: req.Key, Limit: req.Limit}
	if count <= req.Limit {
		d.Allowed = true
		d.Remaining = req.Limit - count
		return d, nil
	}
	d.Remaining = 0
	d.RetryAfter = req.Window
	return d, nil
}

func (b *redisBackend) Reset(ctx context.Context, policy, key string) error {
	if err := b.limiter.Reset(ctx, b.tokenKey(TakeRequest{Policy: policy, Key: key})); err != nil {
		return fmt.Errorf("xquota: reset token bucket: %w", err)
	}
	start := time.Now().UTC().Truncate(time.Minute)
	if err := b.client.Del(ctx, b.windowKey(TakeRequest{Policy: policy, Key: key}, start)).Err(); err != nil {
		return fmt.Errorf("xquota: reset fixed window: %w", err)
	}
	return nil
}

func (b *redisBackend) Close() error { return nil }

func (b *redisBackend) Type() string { return "redis" }

func (b *redisBackend) tokenKey(req TakeRequest) string {
	return fmt.Sprintf("%s:tb:%s:%s", b.prefix, req.Policy, req.Key)
}

func (b *redisBackend) windowKey(req TakeRequest, start time.Time) string {
	return fmt.Sprintf("%s:fw:%s:%s:%d", b.prefix, req.Policy, req.Key, start.Unix())
}
