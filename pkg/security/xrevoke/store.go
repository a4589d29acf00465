package xrevoke

import (
	"context"
	"time"
)

// DefaultTTL jti 标记的默认保留时长，覆盖常见的访问令牌有效期。
const DefaultTTL = 20 * time.Minute

// Store 撤销与重放检测存储。
//
// 实现必须保证 TryMarkSeen 对同一 jti 先写者赢：并发调用恰有一个
// 返回 true。ttl 以令牌的剩余有效期为准，过期后标记自动清除。
type Store interface {
	// Revoke 撤销 jti，标记保留 ttl。
	Revoke(ctx context.Context, jti string, ttl time.Duration) error

	// IsRevoked 查询 jti 是否被撤销。
	IsRevoked(ctx context.Context, jti string) (bool, error)

	// TryMarkSeen 标记 jti 已出现。首次标记返回 true，
	// ttl 内的重复标记返回 false。
	TryMarkSeen(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

func validate(jti string, ttl time.Duration) error {
	if jti == "" {
		return ErrEmptyJTI
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
