package xlimits

import "errors"

// 预定义错误，使用 errors.Is 进行比较
var (
	// ErrNilProvider 配置源为 nil
	ErrNilProvider = errors.New("xlimits: nil provider")

	// ErrNilAccessor 访问器为 nil
	ErrNilAccessor = errors.New("xlimits: nil accessor")

	// ErrNilCollection Mongo 集合为 nil
	ErrNilCollection = errors.New("xlimits: nil mongo collection")

	// ErrEmptyPath 配置文件路径为空
	ErrEmptyPath = errors.New("xlimits: empty config path")

	// ErrUnsupportedFormat 配置文件格式不支持
	ErrUnsupportedFormat = errors.New("xlimits: unsupported config format")

	// ErrInvalidRunAt 日历模式的运行时刻格式非法（应为 "HH:MM"）
	ErrInvalidRunAt = errors.New("xlimits: invalid run_at time of day")

	// ErrUnknownMode 刷新模式不是 fixed 或 calendar
	ErrUnknownMode = errors.New("xlimits: unknown refresh mode")

	// ErrWatcherRunning 文件监视已在运行
	ErrWatcherRunning = errors.New("xlimits: watcher already running")
)
