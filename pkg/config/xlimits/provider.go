package xlimits

import (
	"context"

	"github.com/omeyang/gateguard/pkg/guard/xquota"
)

// ScopeType 配置作用域类型。
type ScopeType string

const (
	// ScopeGlobal 企业全局作用域。
	ScopeGlobal ScopeType = "global"
	// ScopeTenant 租户作用域。
	ScopeTenant ScopeType = "tenant"
	// ScopeClient 调用方作用域。
	ScopeClient ScopeType = "client"
)

// Scope 一个配置作用域。Key 为带前缀的分区键值（"tenant:acme"），
// 全局作用域 Key 为空。
type Scope struct {
	Type ScopeType
	Key  string
}

// GlobalScope 企业全局作用域。
var GlobalScope = Scope{Type: ScopeGlobal}

// Provider 限额配置源。
//
// LoadEnterprise 的第二个返回值表示请求的作用域是否存在显式配置；
// false 时由 Accessor 回退到企业全局快照。
type Provider interface {
	LoadGlobal(ctx context.Context) (xquota.GlobalLimits, error)
	LoadEnterprise(ctx context.Context, scope Scope) (xquota.EnterpriseLimits, bool, error)
}

// StaticProvider 固定限额配置源，用于测试与无外部配置的部署。
type StaticProvider struct {
	Global     xquota.GlobalLimits
	Enterprise xquota.EnterpriseLimits
	// Overrides 按作用域的覆盖，键为 Scope{Type, Key}。
	Overrides map[Scope]xquota.EnterpriseLimits
}

// NewStaticProvider 使用内置默认限额创建配置源。
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		Global:     xquota.DefaultGlobalLimits(),
		Enterprise: xquota.DefaultEnterpriseLimits(),
	}
}

// LoadGlobal 实现 Provider。
func (p *StaticProvider) LoadGlobal(context.Context) (xquota.GlobalLimits, error) {
	return p.Global, nil
}

// LoadEnterprise 实现 Provider。
func (p *StaticProvider) LoadEnterprise(_ context.Context, scope Scope) (xquota.EnterpriseLimits, bool, error) {
	if scope.Type == ScopeGlobal {
		return p.Enterprise, true, nil
	}
	if ent, ok := p.Overrides[scope]; ok {
		return ent, true, nil
	}
	return xquota.EnterpriseLimits{}, false, nil
}
