package xgate

import "errors"

// 预定义错误，使用 errors.Is 进行比较
var (
	// ErrNilResolver 身份解析器为 nil
	ErrNilResolver = errors.New("xgate: nil resolver")

	// ErrNilEngine 限流引擎为 nil
	ErrNilEngine = errors.New("xgate: nil quota engine")
)
