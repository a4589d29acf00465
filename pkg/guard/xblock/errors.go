package xblock

import "errors"

// 预定义错误，使用 errors.Is 进行比较
var (
	// ErrNilStore 存储为 nil
	ErrNilStore = errors.New("xblock: nil store")

	// ErrNilRedisClient Redis 客户端为 nil
	ErrNilRedisClient = errors.New("xblock: nil redis client")

	// ErrInvalidRecord 记录字段非法（kind 为空或 BlockedUntil 为零值）
	ErrInvalidRecord = errors.New("xblock: invalid record")

	// ErrStoreUnavailable 存储不可用（熔断开启或底层查询失败）
	ErrStoreUnavailable = errors.New("xblock: store unavailable")
)
