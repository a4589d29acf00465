package xkey

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Kind 分区维度。
type Kind string

// 四个分区维度。字符串值即审计与封禁记录中的 kind 标签，
// 以及 "blocked_{kind}" 拒绝原因的后缀。
const (
	KindTenant Kind = "tenant"
	KindClient Kind = "client"
	KindUser   Kind = "user"
	KindIP     Kind = "ip"
)

// 匿名回退值。
const (
	fallbackIdentity = "anonymous"
	fallbackIP       = "unknown"
)

// Key 单个维度的分区键。
//
// Value 带维度前缀，例如 "tenant:acme"、"ip:203.0.113.7"。
type Key struct {
	Kind  Kind
	Value string
}

// Anonymous 报告该键是否为匿名回退值。
// 匿名键不参与封禁预检（IP 除外），也不作为限流维度的首选。
func (k Key) Anonymous() bool {
	return k.Value == string(k.Kind)+":"+fallbackFor(k.Kind)
}

// Raw 返回去掉维度前缀的原始值。
func (k Key) Raw() string {
	return strings.TrimPrefix(k.Value, string(k.Kind)+":")
}

// Hash 返回 Value 的 SHA-256 摘要。
// 持久化层只存摘要，原始身份值不落库。
func (k Key) Hash() [32]byte {
	return sha256.Sum256([]byte(k.Value))
}

// HexHash 返回 Hash 的十六进制小写形式。
func (k Key) HexHash() string {
	h := k.Hash()
	return hex.EncodeToString(h[:])
}

// Masked 返回适合展示和落库的脱敏形式。
//
// 脱敏规则:
//   - tenant: 原样返回（租户标识不属于个人数据）
//   - client/user: 保留前 4 与后 4 个字符，中间以 "…" 代替；
//     过短的值整体替换为 "****"
//   - ip: IPv4 保留前两段（a.b.*.*），IPv6 保留前两组（xx:yy::*）
//
// 匿名回退值不脱敏。
func (k Key) Masked() string {
	raw := k.Raw()
	if k.Anonymous() {
		return raw
	}
	switch k.Kind {
	case KindTenant:
		return raw
	case KindIP:
		return maskIP(raw)
	default:
		return maskMiddle(raw)
	}
}

func fallbackFor(kind Kind) string {
	if kind == KindIP {
		return fallbackIP
	}
	return fallbackIdentity
}

// Keys 一个请求解析出的全部分区键。
type Keys struct {
	Tenant Key
	Client Key
	User   Key
	IP     Key
}

// Candidates 按封禁预检顺序返回所有键: IP、Tenant、Client、User。
// IP 总是参与预检，其余维度由调用方按 Anonymous 过滤。
func (ks Keys) Candidates() []Key {
	return []Key{ks.IP, ks.Tenant, ks.Client, ks.User}
}
