package xkey

import (
	"errors"
	"fmt"
)

// ErrInvalidProxy 可信代理网段无法解析。
var ErrInvalidProxy = errors.New("xkey: invalid trusted proxy")

func wrapInvalidProxy(value string, err error) error {
	return fmt.Errorf("%w: %q: %w", ErrInvalidProxy, value, err)
}
