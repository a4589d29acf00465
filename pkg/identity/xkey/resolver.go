package xkey

import (
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// 默认声明名优先级。靠前的声明更权威，找到第一个非空值即停止。
// 带 URI 的名称是旧式令牌格式的遗留写法，仍需兼容。
var (
	defaultTenantClaims = []string{"tid", "tenantId"}
	defaultClientClaims = []string{"azp", "appid"}
	defaultUserClaims = []string{
		"oid",
		"http://schemas.microsoft.com/identity/claims/objectidentifier",
		"sub",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier",
	}
)

// Attributes 解析输入：上游认证中间件产出的声明集合与连接信息。
type Attributes struct {
	// Claims 已验证令牌中的声明。同名多值时取第一个。
	Claims map[string][]string
	// RemoteAddr 对端地址，通常为 "host:port" 形式。
	RemoteAddr string
	// ForwardedFor X-Forwarded-For 原始值，逗号分隔的转发链。
	ForwardedFor string
}

// Resolver 分区键解析器。并发安全，解析过程无状态。
type Resolver struct {
	tenantClaims []string
	clientClaims []string
	userClaims   []string

	// trustedProxies 非 nil 时，仅当对端地址落在集合内才信任转发头。
	trustedProxies *netipx.IPSet
}

// ResolverOption 解析器选项。
type ResolverOption func(*resolverOptions)

type resolverOptions struct {
	tenantClaims   []string
	clientClaims   []string
	userClaims     []string
	trustedProxies []string
}

// WithTenantClaims 覆盖租户声明名优先级。
func WithTenantClaims(names ...string) ResolverOption {
	return func(o *resolverOptions) { o.tenantClaims = names }
}

// WithClientClaims 覆盖调用方声明名优先级。
func WithClientClaims(names ...string) ResolverOption {
	return func(o *resolverOptions) { o.clientClaims = names }
}

// WithUserClaims 覆盖用户声明名优先级。
func WithUserClaims(names ...string) ResolverOption {
	return func(o *resolverOptions) { o.userClaims = names }
}

// WithTrustedProxies 设置可信代理网段（CIDR 或单个地址）。
// 设置后只有来自这些网段的连接，其转发头才会被采信；
// 未设置时保持宽松语义，任何请求的转发头第一跳都参与解析。
func WithTrustedProxies(cidrs ...string) ResolverOption {
	return func(o *resolverOptions) { o.trustedProxies = cidrs }
}

// NewResolver 创建解析器。仅当可信代理网段无法解析时返回错误。
func NewResolver(opts ...ResolverOption) (*Resolver, error) {
	o := &resolverOptions{
		tenantClaims: defaultTenantClaims,
		clientClaims: defaultClientClaims,
		userClaims:   defaultUserClaims,
	}
	for _, opt := range opts {
		opt(o)
	}

	r := &Resolver{
		tenantClaims: o.tenantClaims,
		clientClaims: o.clientClaims,
		userClaims:   o.userClaims,
	}

	if len(o.trustedProxies) > 0 {
		var b netipx.IPSetBuilder
		for _, cidr := range o.trustedProxies {
			if p, err := netip.ParsePrefix(cidr); err == nil {
				b.AddPrefix(p)
				continue
			}
			addr, err := netip.ParseAddr(cidr)
			if err != nil {
				return nil, wrapInvalidProxy(cidr, err)
			}
			b.Add(addr)
		}
		set, err := b.IPSet()
		if err != nil {
			return nil, wrapInvalidProxy(strings.Join(o.trustedProxies, ","), err)
		}
		r.trustedProxies = set
	}

	return r, nil
}

// Resolve 将请求属性解析为四个分区键。总是成功，缺失维度落到匿名值。
func (r *Resolver) Resolve(attrs Attributes) Keys {
	return Keys{
		Tenant: makeKey(KindTenant, firstClaim(attrs.Claims, r.tenantClaims)),
		Client: makeKey(KindClient, firstClaim(attrs.Claims, r.clientClaims)),
		User:   makeKey(KindUser, firstClaim(attrs.Claims, r.userClaims)),
		IP:     makeKey(KindIP, r.clientIP(attrs)),
	}
}

func makeKey(kind Kind, raw string) Key {
	if raw == "" {
		raw = fallbackFor(kind)
	}
	return Key{Kind: kind, Value: string(kind) + ":" + raw}
}

func firstClaim(claims map[string][]string, names []string) string {
	for _, name := range names {
		if vs, ok := claims[name]; ok {
			for _, v := range vs {
				if v != "" {
					return v
				}
			}
		}
	}
	return ""
}

// clientIP 解析客户端源地址。
// 优先取转发头第一跳（合法 IP 字面量才采信），否则回退对端地址。
// 两者都无法解析时返回空串，由调用方落到 "unknown"。
func (r *Resolver) clientIP(attrs Attributes) string {
	remote, remoteOK := parseHost(attrs.RemoteAddr)

	if attrs.ForwardedFor != "" && r.trusts(remote, remoteOK) {
		hop, _, _ := strings.Cut(attrs.ForwardedFor, ",")
		if ip, ok := parseHost(strings.TrimSpace(hop)); ok {
			return ip.String()
		}
	}

	if remoteOK {
		return remote.String()
	}
	return ""
}

func (r *Resolver) trusts(remote netip.Addr, ok bool) bool {
	if r.trustedProxies == nil {
		return true
	}
	return ok && r.trustedProxies.Contains(remote.Unmap())
}

// parseHost 解析 "host:port" 或裸 IP 字面量，剥离端口与 zone。
func parseHost(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap().WithZone(""), true
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().WithZone(""), true
	}
	return netip.Addr{}, false
}
