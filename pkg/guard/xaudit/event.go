package xaudit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// hashOf 分区键值的 SHA-256 十六进制摘要，与 xkey.Key.HexHash 一致。
func hashOf(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// Event 一条审计事件，对应请求在单个分区维度上的一次观测。
type Event struct {
	// Time 事件时间（UTC）。
	Time time.Time
	// Policy 请求生效的策略名；未命中任何端点策略的请求为 "global"。
	Policy string
	// Kind/Key 本事件观测的分区维度与键值。
	Kind xkey.Kind
	Key  string
	// Masked 键值的脱敏展示形式。
	Masked string

	Method     string
	Path       string
	StatusCode int

	// Rejected 请求是否被限流或封禁拒绝。
	Rejected   bool
	Reason     string
	RetryAfter int

	// TraceID/CorrelationID 请求的追踪上下文，仅进入 violation 明细。
	TraceID       string
	CorrelationID string

	// 请求的完整身份上下文，仅进入 violation 明细。
	TenantID string
	ClientID string
	UserID   string
	IP       string
}

// Outcome 一次请求的审计输入，由传输层在响应完成后填写。
type Outcome struct {
	Time       time.Time
	Policy     string
	Method     string
	Path       string
	StatusCode int
	Rejected   bool
	Reason     string
	RetryAfter int

	TraceID       string
	CorrelationID string
}

// buildEvents 按观测维度展开事件：Tenant、Client 各一条，
// User 与 IP 二选一（有用户身份时记用户，否则记来源地址）。
func buildEvents(keys xkey.Keys, out Outcome) [3]Event {
	base := Event{
		Time:       out.Time.UTC(),
		Policy:     out.Policy,
		Method:     out.Method,
		Path:       out.Path,
		StatusCode: out.StatusCode,
		Rejected:   out.Rejected,
		Reason:     out.Reason,
		RetryAfter: out.RetryAfter,

		TraceID:       out.TraceID,
		CorrelationID: out.CorrelationID,

		TenantID: keys.Tenant.Raw(),
		ClientID: keys.Client.Raw(),
		UserID:   keys.User.Raw(),
		IP:       keys.IP.Raw(),
	}
	if base.Time.IsZero() {
		base.Time = time.Now().UTC()
	}

	actor := keys.IP
	if !keys.User.Anonymous() {
		actor = keys.User
	}

	var evs [3]Event
	for i, k := range [3]xkey.Key{keys.Tenant, keys.Client, actor} {
		ev := base
		ev.Kind = k.Kind
		ev.Key = k.Value
		ev.Masked = k.Masked()
		evs[i] = ev
	}
	return evs
}
