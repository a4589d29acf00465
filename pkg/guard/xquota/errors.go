package xquota

import (
	"errors"
	"fmt"
)

// 预定义错误，使用 errors.Is 进行比较
var (
	// ErrNilBackend 后端为 nil
	ErrNilBackend = errors.New("xquota: nil backend")

	// ErrNilResolver 限额解析器为 nil
	ErrNilResolver = errors.New("xquota: nil limit resolver")

	// ErrNilRedisClient Redis 客户端为 nil
	ErrNilRedisClient = errors.New("xquota: nil redis client")

	// ErrUnknownPolicy 策略名不在目录中
	ErrUnknownPolicy = errors.New("xquota: unknown policy")

	// ErrUnsupportedAlgorithm 后端不支持的算法
	ErrUnsupportedAlgorithm = errors.New("xquota: unsupported algorithm")

	// ErrEngineClosed 引擎已关闭
	ErrEngineClosed = errors.New("xquota: engine closed")
)

func wrapUnsupportedAlgorithm(a Algorithm) error {
	return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, a)
}
