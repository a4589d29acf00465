package xquota

import (
	"time"

	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// Algorithm 限流算法。
type Algorithm string

const (
	// AlgorithmTokenBucket 令牌桶：持续补充，允许突发。
	AlgorithmTokenBucket Algorithm = "token_bucket"
	// AlgorithmFixedWindow 固定窗口：按墙钟对齐的窗口计数。
	AlgorithmFixedWindow Algorithm = "fixed_window"
)

// Dimension 策略使用的分区维度。
type Dimension string

const (
	DimensionTenant Dimension = "tenant"
	DimensionClient Dimension = "client"
	DimensionUser   Dimension = "user"
	DimensionIP     Dimension = "ip"
	// DimensionIdentity 身份维度：user > client > ip，取第一个非匿名键。
	DimensionIdentity Dimension = "identity"
)

// 策略目录中的策略名。
const (
	PolicyGlobal        = "global"
	PolicyExportsTenant = "exports-tenant"
	PolicyExportsClient = "exports-client"
	PolicyExportsUser   = "exports-user"
	PolicySearchTenant  = "search-tenant"
	PolicySearchClient  = "search-client"
	PolicySearchUser    = "search-user"
	PolicyLoginIP       = "login-ip"
	PolicyLoginClient   = "login-client"
)

// Policy 策略目录中的一条策略。
type Policy struct {
	Name      string
	Algorithm Algorithm
	Dimension Dimension
	Window    time.Duration

	// limit 从生效限额中取出本策略的速率与突发容量。
	// 固定窗口策略的 burst 恒为 0。
	limit func(GlobalLimits, EnterpriseLimits) (limit, burst int)
}

// Catalog 返回完整的策略目录。
// 目录是固定的：一个全局令牌桶，exports/search 各三个身份维度的
// 固定窗口，login 两个来源维度的固定窗口。
func Catalog() []Policy {
	return []Policy{
		{
			Name: PolicyGlobal, Algorithm: AlgorithmTokenBucket, Dimension: DimensionIdentity, Window: time.Minute,
			limit: func(g GlobalLimits, _ EnterpriseLimits) (int, int) { return g.PerIdentityPerMinute, g.Burst },
		},
		{
			Name: PolicyExportsTenant, Algorithm: AlgorithmFixedWindow, Dimension: DimensionTenant, Window: time.Minute,
			limit: func(_ GlobalLimits, e EnterpriseLimits) (int, int) { return e.Exports.PerTenantPerMinute, 0 },
		},
		{
			Name: PolicyExportsClient, Algorithm: AlgorithmFixedWindow, Dimension: DimensionClient, Window: time.Minute,
			limit: func(_ GlobalLimits, e EnterpriseLimits) (int, int) { return e.Exports.PerClientPerMinute, 0 },
		},
		{
			Name: PolicyExportsUser, Algorithm: AlgorithmFixedWindow, Dimension: DimensionUser, Window: time.Minute,
			limit: func(_ GlobalLimits, e EnterpriseLimits) (int, int) { return e.Exports.PerUserPerMinute, 0 },
		},
		{
			Name: PolicySearchTenant, Algorithm: AlgorithmFixedWindow, Dimension: DimensionTenant, Window: time.Minute,
			limit: func(_ GlobalLimits, e EnterpriseLimits) (int, int) { return e.Search.PerTenantPerMinute, 0 },
		},
		{
			Name: PolicySearchClient, Algorithm: AlgorithmFixedWindow, Dimension: DimensionClient, Window: time.Minute,
			limit: func(_ GlobalLimits, e EnterpriseLimits) (int, int) { return e.Search.PerClientPerMinute, 0 },
		},
		{
			Name: PolicySearchUser, Algorithm: AlgorithmFixedWindow, Dimension: DimensionUser, Window: time.Minute,
			limit: func(_ GlobalLimits, e EnterpriseLimits) (int, int) { return e.Search.PerUserPerMinute, 0 },
		},
		{
			Name: PolicyLoginIP, Algorithm: AlgorithmFixedWindow, Dimension: DimensionIP, Window: time.Minute,
			limit: func(_ GlobalLimits, e EnterpriseLimits) (int, int) { return e.Login.PerIPPerMinute, 0 },
		},
		{
			Name: PolicyLoginClient, Algorithm: AlgorithmFixedWindow, Dimension: DimensionClient, Window: time.Minute,
			limit: func(_ GlobalLimits, e EnterpriseLimits) (int, int) { return e.Login.PerClientPerMinute, 0 },
		},
	}
}

// selectKey 按维度从分区键集合中选择本策略实际计数的键。
//
// Client/User 维度在键匿名时退化到 IP：匿名值上的计数会把所有
// 未认证请求挤进同一个分区，按来源地址分摊更合理。
func selectKey(dim Dimension, keys xkey.Keys) xkey.Key {
	switch dim {
	case DimensionTenant:
		return keys.Tenant
	case DimensionClient:
		if keys.Client.Anonymous() {
			return keys.IP
		}
		return keys.Client
	case DimensionUser:
		if keys.User.Anonymous() {
			return keys.IP
		}
		return keys.User
	case DimensionIP:
		return keys.IP
	default: // DimensionIdentity
		if !keys.User.Anonymous() {
			return keys.User
		}
		if !keys.Client.Anonymous() {
			return keys.Client
		}
		return keys.IP
	}
}
