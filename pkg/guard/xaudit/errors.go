package xaudit

import "errors"

// 预定义错误，使用 errors.Is 进行比较
var (
	// ErrNilStore 持久层为 nil
	ErrNilStore = errors.New("xaudit: nil store")

	// ErrNilRecorder 记录器为 nil
	ErrNilRecorder = errors.New("xaudit: nil recorder")

	// ErrNilDatabase Mongo 数据库句柄为 nil
	ErrNilDatabase = errors.New("xaudit: nil mongo database")

	// ErrInvalidCapacity 通道容量非法
	ErrInvalidCapacity = errors.New("xaudit: capacity must be positive")

	// ErrInvalidBatchSize 批大小非法
	ErrInvalidBatchSize = errors.New("xaudit: batch size must be positive")
)
