package xblock

import (
	"context"
	"time"

	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// Record 一条封禁记录。
type Record struct {
	// Kind 封禁维度。
	Kind xkey.Kind
	// KeyHash 分区键的 SHA-256 摘要，原始键值不落库。
	KeyHash [32]byte
	// Reason 封禁原因，人工或风控系统写入。
	Reason string
	// BlockedUntil 封禁截止时间（UTC）。
	BlockedUntil time.Time
	// CreatedAt 首次写入时间，后续 Upsert 不变。
	CreatedAt time.Time
}

// Active 报告记录在 now 时刻是否仍然生效。
func (r *Record) Active(now time.Time) bool {
	return r != nil && r.BlockedUntil.After(now)
}

// Store 封禁记录存储。
//
// Upsert 的合并语义：BlockedUntil 取新旧值中的较大者（已有的更长
// 封禁不会被缩短），Reason 仅在新值非空时替换，CreatedAt 只在首次
// 写入时设置。
type Store interface {
	// Active 返回 kind+hash 上当前生效的封禁记录，无记录或已过期
	// 返回 (nil, nil)。
	Active(ctx context.Context, kind xkey.Kind, hash [32]byte) (*Record, error)
	// Upsert 写入或合并一条封禁记录。
	Upsert(ctx context.Context, rec Record) error
	// Close 释放存储资源。
	Close() error
}

// Denial 预检拒绝结果。
type Denial struct {
	// Kind 命中的封禁维度。
	Kind xkey.Kind
	// Reason 拒绝原因标签，形如 "blocked_ip"；fail-closed 拒绝时为
	// "block_store_unavailable"。
	Reason string
	// Detail 记录中的人工原因，可能为空。
	Detail string
	// BlockedUntil 封禁截止时间；fail-closed 拒绝时为零值。
	BlockedUntil time.Time
	// RetryAfter 建议重试等待秒数，>= 1。
	RetryAfter int
}
