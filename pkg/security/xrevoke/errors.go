package xrevoke

import "errors"

// 预定义错误，使用 errors.Is 进行比较
var (
	// ErrNilClient Redis 客户端为 nil
	ErrNilClient = errors.New("xrevoke: nil redis client")

	// ErrEmptyJTI jti 为空
	ErrEmptyJTI = errors.New("xrevoke: empty jti")

	// ErrInvalidTTL ttl 必须为正
	ErrInvalidTTL = errors.New("xrevoke: ttl must be positive")
)
