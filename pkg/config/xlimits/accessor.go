package xlimits

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/omeyang/gateguard/pkg/guard/xquota"
)

// defaultOverrideTTL 租户/调用方覆盖的缓存时长。
// 覆盖变更最多延迟这么久生效，换来热路径上零数据库访问。
const defaultOverrideTTL = 30 * time.Second

// snapshot 一份完整的限额视图，整体原子替换。
type snapshot struct {
	global     xquota.GlobalLimits
	enterprise xquota.EnterpriseLimits
}

// Accessor 限额访问器。实现 xquota.LimitResolver。
//
// Global/ForTenant/ForClient 在请求热路径上调用：快照读是一次原子
// 指针读，覆盖读至多一次缓存查找；缓存未命中时用 singleflight 收敛
// 并发加载，加载失败回退企业全局并照常缓存（负缓存同享 TTL）。
type Accessor struct {
	provider Provider
	snap     atomic.Pointer[snapshot]
	cache    *ristretto.Cache[string, xquota.EnterpriseLimits]
	sf       singleflight.Group
	ttl      time.Duration
	logger   *slog.Logger
}

var _ xquota.LimitResolver = (*Accessor)(nil)

// AccessorOption 访问器选项。
type AccessorOption func(*accessorOptions)

type accessorOptions struct {
	ttl    time.Duration
	logger *slog.Logger
}

// WithOverrideTTL 覆盖缓存时长，默认 30s。
func WithOverrideTTL(d time.Duration) AccessorOption {
	return func(o *accessorOptions) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithAccessorLogger 设置日志器，默认 slog.Default()。
func WithAccessorLogger(logger *slog.Logger) AccessorOption {
	return func(o *accessorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewAccessor 创建访问器。初始快照为内置默认限额，第一次 Refresh
// 之前 Accessor 就已可用。
func NewAccessor(provider Provider, opts ...AccessorOption) (*Accessor, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}

	o := &accessorOptions{
		ttl:    defaultOverrideTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, xquota.EnterpriseLimits]{
		NumCounters: 100_000, // 约 10k 活跃作用域的 10 倍
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("xlimits: create override cache: %w", err)
	}

	a := &Accessor{
		provider: provider,
		cache:    cache,
		ttl:      o.ttl,
		logger:   o.logger,
	}
	a.snap.Store(&snapshot{
		global:     xquota.DefaultGlobalLimits(),
		enterprise: xquota.DefaultEnterpriseLimits(),
	})
	return a, nil
}

// Refresh 从配置源重建快照并原子替换，同时清空覆盖缓存。
// 任一加载失败时不替换快照，调用方（通常是 Refresher）决定重试节奏。
func (a *Accessor) Refresh(ctx context.Context) error {
	global, err := a.provider.LoadGlobal(ctx)
	if err != nil {
		return fmt.Errorf("xlimits: load global limits: %w", err)
	}
	enterprise, found, err := a.provider.LoadEnterprise(ctx, GlobalScope)
	if err != nil {
		return fmt.Errorf("xlimits: load enterprise limits: %w", err)
	}
	if !found {
		enterprise = xquota.DefaultEnterpriseLimits()
	}

	a.snap.Store(&snapshot{global: global, enterprise: enterprise})
	a.cache.Clear()
	a.logger.Debug("limit snapshot refreshed")
	return nil
}

// Global 实现 xquota.LimitResolver。
func (a *Accessor) Global(context.Context) xquota.GlobalLimits {
	return a.snap.Load().global
}

// ForTenant 实现 xquota.LimitResolver。scope 为空时返回企业全局。
func (a *Accessor) ForTenant(ctx context.Context, scope string) xquota.EnterpriseLimits {
	return a.forScope(ctx, Scope{Type: ScopeTenant, Key: scope})
}

// ForClient 实现 xquota.LimitResolver。scope 为空时返回企业全局。
func (a *Accessor) ForClient(ctx context.Context, scope string) xquota.EnterpriseLimits {
	return a.forScope(ctx, Scope{Type: ScopeClient, Key: scope})
}

// Close 释放缓存资源。
func (a *Accessor) Close() error {
	a.cache.Close()
	return nil
}

func (a *Accessor) forScope(ctx context.Context, scope Scope) xquota.EnterpriseLimits {
	if scope.Key == "" {
		return a.snap.Load().enterprise
	}

	cacheKey := string(scope.Type) + "|" + scope.Key
	if ent, ok := a.cache.Get(cacheKey); ok {
		return ent
	}

	v, _, _ := a.sf.Do(cacheKey, func() (any, error) {
		ent, found, err := a.provider.LoadEnterprise(ctx, scope)
		if err != nil {
			a.logger.Warn("override load failed, using enterprise defaults",
				slog.String("scope_type", string(scope.Type)),
				slog.String("scope_key", scope.Key),
				slog.Any("error", err),
			)
			found = false
		}
		if !found {
			ent = a.snap.Load().enterprise
		}
		a.cache.SetWithTTL(cacheKey, ent, 1, a.ttl)
		return ent, nil
	})
	return v.(xquota.EnterpriseLimits)
}
