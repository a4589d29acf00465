package xquota

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// TakeRequest 后端的一次取额请求。
type TakeRequest struct {
	Policy    string
	Algorithm Algorithm
	// Key 分区键值（带维度前缀）。
	Key string
	// Limit 每窗口速率；Burst 令牌桶容量（固定窗口为 0）。
	Limit int
	Burst int
	// Window 窗口长度。
	Window time.Duration
}

// Backend 限流状态后端。实现必须保证同一 Key 上的并发 Take 不丢计数。
type Backend interface {
	// Take 尝试占用一个配额。只有后端内部故障才返回 error，
	// 配额耗尽通过 Decision.Allowed=false 表达。
	Take(ctx context.Context, req TakeRequest) (*Decision, error)
	// Reset 清空某策略下某键的计数，测试与运维用。
	Reset(ctx context.Context, policy, key string) error
	// Close 释放后端资源。
	Close() error
	// Type 后端类型标识（"local"/"redis"），用于日志与指标。
	Type() string
}

// Decision 一次限流判定的结果。
type Decision struct {
	Allowed bool
	// Policy 判定所属策略名。
	Policy string
	// Kind/Key 实际计数的分区维度与键值。
	Kind xkey.Kind
	Key  string
	// Limit 生效限额；Remaining 剩余配额（不限流时为 -1）。
	Limit     int
	Remaining int
	// RetryAfter 拒绝时建议的重试等待。
	RetryAfter time.Duration
	// Reason 拒绝原因标签，允许时为空。
	Reason string
}

// RetryAfterSeconds 返回 Retry-After 头的取值：向上取整且不小于 1。
func (d *Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// SetHeaders 写入标准限流响应头。
func (d *Decision) SetHeaders(h http.Header) {
	if d.Limit > 0 {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		if d.Remaining >= 0 {
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		}
	}
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
}
