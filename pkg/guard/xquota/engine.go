package xquota

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// Engine 分层限流引擎。
//
// 并发安全。所有策略共享同一后端，策略之间通过键空间隔离。
type Engine struct {
	backend  Backend
	resolver LimitResolver
	policies map[string]Policy
	logger   *slog.Logger
	metrics  *Metrics
	closed   atomic.Bool
}

// New 创建引擎并注册完整策略目录。
func New(backend Backend, resolver LimitResolver, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	if resolver == nil {
		return nil, ErrNilResolver
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	metrics, err := NewMetrics(o.meterProvider)
	if err != nil {
		return nil, err
	}

	policies := make(map[string]Policy)
	for _, p := range Catalog() {
		policies[p.Name] = p
	}

	return &Engine{
		backend:  backend,
		resolver: resolver,
		policies: policies,
		logger:   o.logger,
		metrics:  metrics,
	}, nil
}

// Check 对一次请求执行指定策略的限流判定。
//
// 限额解析: 租户覆盖 > 调用方覆盖 > 企业全局。生效限额 <= 0 时视为
// 不限流。限额变更只影响后续窗口，进行中的窗口不会被重算。
//
// 后端内部错误时放行（fail-open）：返回 Allowed=true 的判定和 nil
// 错误，同时记录日志与指标。只有用法错误（未知策略、引擎已关闭）
// 才返回非 nil error。
func (e *Engine) Check(ctx context.Context, policyName string, keys xkey.Keys) (*Decision, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	policy, ok := e.policies[policyName]
	if !ok {
		return nil, ErrUnknownPolicy
	}

	key := selectKey(policy.Dimension, keys)
	limit, burst := policy.limit(e.resolver.Global(ctx), e.effectiveEnterprise(ctx, keys))

	if limit <= 0 {
		return &Decision{
			Allowed:   true,
			Policy:    policy.Name,
			Kind:      key.Kind,
			Key:       key.Value,
			Remaining: -1,
		}, nil
	}

	start := time.Now()
	d, err := e.backend.Take(ctx, TakeRequest{
		Policy:    policy.Name,
		Algorithm: policy.Algorithm,
		Key:       key.Value,
		Limit:     limit,
		Burst:     burst,
		Window:    policy.Window,
	})
	elapsed := time.Since(start)

	if err != nil {
		e.logger.Warn("quota backend failed, allowing request",
			slog.String("policy", policy.Name),
			slog.String("backend", e.backend.Type()),
			slog.Any("error", err),
		)
		e.metrics.RecordFailOpen(ctx, e.backend.Type(), policy.Name)
		return &Decision{
			Allowed:   true,
			Policy:    policy.Name,
			Kind:      key.Kind,
			Key:       key.Value,
			Limit:     limit,
			Remaining: -1,
		}, nil
	}

	d.Kind = key.Kind
	if !d.Allowed {
		d.Reason = denyReason(policy.Name)
	}
	e.metrics.RecordCheck(ctx, e.backend.Type(), policy.Name, d.Allowed, elapsed)
	return d, nil
}

// Policies 返回策略目录中的全部策略名。
func (e *Engine) Policies() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	return names
}

// Reset 清空某策略下某分区键的计数。
func (e *Engine) Reset(ctx context.Context, policyName string, key xkey.Key) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if _, ok := e.policies[policyName]; !ok {
		return ErrUnknownPolicy
	}
	return e.backend.Reset(ctx, policyName, key.Value)
}

// Close 关闭引擎与后端。幂等。
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.backend.Close()
}

// EffectiveLimits 返回某身份当前生效的全局限额与企业级限额，
// 供诊断端点展示，解析规则与 Check 一致。
func (e *Engine) EffectiveLimits(ctx context.Context, keys xkey.Keys) (GlobalLimits, EnterpriseLimits) {
	return e.resolver.Global(ctx), e.effectiveEnterprise(ctx, keys)
}

// effectiveEnterprise 解析企业级限额：租户覆盖优先于调用方覆盖，
// 两者都匿名时退到企业全局作用域（空 scope）。
func (e *Engine) effectiveEnterprise(ctx context.Context, keys xkey.Keys) EnterpriseLimits {
	switch {
	case !keys.Tenant.Anonymous():
		return e.resolver.ForTenant(ctx, keys.Tenant.Value)
	case !keys.Client.Anonymous():
		return e.resolver.ForClient(ctx, keys.Client.Value)
	default:
		return e.resolver.ForTenant(ctx, "")
	}
}

// denyReason 拒绝原因标签。全局令牌桶有历史沿用的专名，
// 其余策略统一为 "<policy>_exceeded"（连字符换下划线）。
func denyReason(policyName string) string {
	if policyName == PolicyGlobal {
		return "global_tokenbucket_empty"
	}
	return strings.ReplaceAll(policyName, "-", "_") + "_exceeded"
}
