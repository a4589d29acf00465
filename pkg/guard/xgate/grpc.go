package xgate

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/omeyang/gateguard/pkg/guard/xaudit"
	"github.com/omeyang/gateguard/pkg/guard/xquota"
	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// gRPC 元数据中的身份键。取值映射到与 HTTP 侧相同的声明名。
const (
	mdTenantID      = "x-tenant-id"
	mdClientID      = "x-client-id"
	mdUserID        = "x-user-id"
	mdCorrelationID = "x-correlation-id"
)

// UnaryServerInterceptor 构造一元拦截器，语义与 HTTP 防护链一致：
// 先走 "global" 再走列出的端点策略，封禁映射为 PermissionDenied，
// 限流映射为 ResourceExhausted，每次调用观测一次审计。
func (g *Guard) UnaryServerInterceptor(policies ...string) grpc.UnaryServerInterceptor {
	chain := append([]string{xquota.PolicyGlobal}, policies...)
	routePolicy := chain[len(chain)-1]

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		keys := g.resolver.Resolve(metadataAttributes(ctx))
		corr := correlationFromMetadata(ctx)
		start := time.Now()

		if g.gate != nil {
			if d := g.gate.Check(ctx, keys); d != nil {
				g.observe(ctx, keys, corr, routePolicy, info.FullMethod, http.StatusForbidden, d.Reason, d.RetryAfter, start)
				return nil, status.Error(codes.PermissionDenied, d.Reason)
			}
		}

		for _, name := range chain {
			d, err := g.engine.Check(ctx, name, keys)
			if err != nil || d.Allowed {
				continue
			}
			retry := d.RetryAfterSeconds()
			g.observe(ctx, keys, corr, name, info.FullMethod, http.StatusTooManyRequests, d.Reason, retry, start)
			return nil, status.Error(codes.ResourceExhausted, d.Reason)
		}

		resp, err := handler(ctx, req)
		g.observe(ctx, keys, corr, routePolicy, info.FullMethod, grpcHTTPStatus(err), "", 0, start)
		return resp, err
	}
}

func (g *Guard) observe(ctx context.Context, keys xkey.Keys, correlation, policy, method string, code int, reason string, retryAfter int, start time.Time) {
	if g.recorder == nil {
		return
	}
	g.recorder.Observe(keys, xaudit.Outcome{
		Time:       start,
		Policy:     policy,
		Method:     "grpc",
		Path:       method,
		StatusCode: code,
		Rejected:   reason != "",
		Reason:     reason,
		RetryAfter: retryAfter,

		TraceID:       traceID(ctx, correlation),
		CorrelationID: correlation,
	})
}

// correlationFromMetadata 取入站元数据中的关联 ID，缺失时生成。
func correlationFromMetadata(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(mdCorrelationID); len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	return uuid.NewString()
}

// metadataAttributes 从入站元数据与对端地址构造身份属性。
func metadataAttributes(ctx context.Context) xkey.Attributes {
	attrs := xkey.Attributes{}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs.RemoteAddr = p.Addr.String()
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return attrs
	}
	attrs.Claims = map[string][]string{
		"tid": md.Get(mdTenantID),
		"azp": md.Get(mdClientID),
		"sub": md.Get(mdUserID),
	}
	return attrs
}

// grpcHTTPStatus 把处理结果折算成审计用的 HTTP 状态码。
func grpcHTTPStatus(err error) int {
	switch status.Code(err) {
	case codes.OK:
		return http.StatusOK
	case codes.NotFound:
		return http.StatusNotFound
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
