package xquota

import "context"

// GlobalLimits 全局令牌桶参数，对所有端点生效。
type GlobalLimits struct {
	// PerIdentityPerMinute 每个身份每分钟的补充速率。
	PerIdentityPerMinute int `koanf:"per_identity_per_minute" json:"perIdentityPerMinute" bson:"per_identity_per_minute"`
	// Burst 桶容量，即 10 秒窗口内允许的突发请求数。
	Burst int `koanf:"burst" json:"burst" bson:"burst"`
}

// DefaultGlobalLimits 内置全局限额。
func DefaultGlobalLimits() GlobalLimits {
	return GlobalLimits{
		PerIdentityPerMinute: 300,
		Burst:                50,
	}
}

// EndpointLimits 某类端点在三个身份维度上的每分钟限额。
// 0 或负值表示该维度不限流。
type EndpointLimits struct {
	PerTenantPerMinute int `koanf:"per_tenant_per_minute" json:"perTenantPerMinute" bson:"per_tenant_per_minute"`
	PerClientPerMinute int `koanf:"per_client_per_minute" json:"perClientPerMinute" bson:"per_client_per_minute"`
	PerUserPerMinute   int `koanf:"per_user_per_minute" json:"perUserPerMinute" bson:"per_user_per_minute"`
}

// LoginLimits 登录端点限额。登录请求尚无用户身份，只按来源维度限制。
type LoginLimits struct {
	PerIPPerMinute     int `koanf:"per_ip_per_minute" json:"perIPPerMinute" bson:"per_ip_per_minute"`
	PerClientPerMinute int `koanf:"per_client_per_minute" json:"perClientPerMinute" bson:"per_client_per_minute"`
}

// EnterpriseLimits 企业级（可被租户/调用方覆盖）的端点限额集合。
type EnterpriseLimits struct {
	Exports EndpointLimits `koanf:"exports" json:"exports" bson:"exports"`
	Search  EndpointLimits `koanf:"search" json:"search" bson:"search"`
	Login   LoginLimits    `koanf:"login" json:"login" bson:"login"`
}

// DefaultEnterpriseLimits 内置端点限额。
func DefaultEnterpriseLimits() EnterpriseLimits {
	return EnterpriseLimits{
		Exports: EndpointLimits{PerTenantPerMinute: 600, PerClientPerMinute: 300, PerUserPerMinute: 120},
		Search:  EndpointLimits{PerTenantPerMinute: 900, PerClientPerMinute: 600, PerUserPerMinute: 240},
		Login:   LoginLimits{PerIPPerMinute: 30, PerClientPerMinute: 60},
	}
}

// LimitResolver 解析一次请求的生效限额。
//
// ForTenant/ForClient 的 scope 参数是带前缀的分区键值（"tenant:acme"），
// 空串表示企业全局作用域。实现必须无阻塞地从内存快照读取，
// 引擎在每次请求的热路径上调用这些方法。
type LimitResolver interface {
	Global(ctx context.Context) GlobalLimits
	ForTenant(ctx context.Context, scope string) EnterpriseLimits
	ForClient(ctx context.Context, scope string) EnterpriseLimits
}

// StaticResolver 返回固定限额的解析器，用于测试与无配置源的部署。
type StaticResolver struct {
	GlobalLimits     GlobalLimits
	EnterpriseLimits EnterpriseLimits
}

// NewStaticResolver 使用内置默认限额创建解析器。
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		GlobalLimits:     DefaultGlobalLimits(),
		EnterpriseLimits: DefaultEnterpriseLimits(),
	}
}

// Global 实现 LimitResolver。
func (r *StaticResolver) Global(context.Context) GlobalLimits { return r.GlobalLimits }

// ForTenant 实现 LimitResolver。
func (r *StaticResolver) ForTenant(context.Context, string) EnterpriseLimits {
	return r.EnterpriseLimits
}

// ForClient 实现 LimitResolver。
func (r *StaticResolver) ForClient(context.Context, string) EnterpriseLimits {
	return r.EnterpriseLimits
}
