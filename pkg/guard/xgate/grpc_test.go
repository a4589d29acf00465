package xgate

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/omeyang/gateguard/pkg/guard/xblock"
	"github.com/omeyang/gateguard/pkg/guard/xquota"
	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

func grpcContext(tenant, client, user, ip string) context.Context {
	ctx := peer.NewContext(context.Background(), &peer.Peer{
		Addr: &net.TCPAddr{IP: net.ParseIP(ip), Port: 52000},
	})
	md := metadata.MD{}
	if tenant != "" {
		md.Set(mdTenantID, tenant)
	}
	if client != "" {
		md.Set(mdClientID, client)
	}
	if user != "" {
		md.Set(mdUserID, user)
	}
	return metadata.NewIncomingContext(ctx, md)
}

func unaryInfo(method string) *grpc.UnaryServerInfo {
	return &grpc.UnaryServerInfo{FullMethod: method}
}

func okUnary(_ context.Context, _ any) (any, error) { return "pong", nil }

func TestInterceptorAllows(t *testing.T) {
	parts := newTestGuard(t, xquota.NewStaticResolver())
	intercept := parts.guard.UnaryServerInterceptor()

	resp, err := intercept(grpcContext("acme", "cli", "u-1", "203.0.113.9"),
		"ping", unaryInfo("/svc/Ping"), okUnary)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp)
	assert.Equal(t, 3, parts.recorder.Pending())
}

func TestInterceptorRateLimits(t *testing.T) {
	limits := xquota.NewStaticResolver()
	limits.GlobalLimits = xquota.GlobalLimits{PerIdentityPerMinute: 60, Burst: 1}
	parts := newTestGuard(t, limits)
	intercept := parts.guard.UnaryServerInterceptor()

	ctx := grpcContext("acme", "cli", "u-1", "203.0.113.9")
	_, err := intercept(ctx, "ping", unaryInfo("/svc/Ping"), okUnary)
	require.NoError(t, err)

	_, err = intercept(ctx, "ping", unaryInfo("/svc/Ping"), okUnary)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.ResourceExhausted, st.Code())
	assert.Equal(t, "global_tokenbucket_empty", st.Message())
}

func TestInterceptorBlocks(t *testing.T) {
	parts := newTestGuard(t, xquota.NewStaticResolver())
	intercept := parts.guard.UnaryServerInterceptor()

	tenantKey := xkey.Key{Kind: xkey.KindTenant, Value: "tenant:acme"}
	require.NoError(t, parts.store.Upsert(context.Background(), xblock.Record{
		Kind:         xkey.KindTenant,
		KeyHash:      tenantKey.Hash(),
		Reason:       "contract suspended",
		BlockedUntil: time.Now().Add(time.Hour),
	}))

	_, err := intercept(grpcContext("acme", "cli", "u-1", "203.0.113.9"),
		"ping", unaryInfo("/svc/Ping"), okUnary)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.PermissionDenied, st.Code())
	assert.Equal(t, "blocked_tenant", st.Message())
}

func TestCorrelationFromMetadata(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs(mdCorrelationID, "corr-grpc-1"))
	assert.Equal(t, "corr-grpc-1", correlationFromMetadata(ctx))

	// 缺失时生成，保证审计明细总能关联到一次调用
	assert.NotEmpty(t, correlationFromMetadata(context.Background()))
}

func TestMetadataAttributes(t *testing.T) {
	attrs := metadataAttributes(grpcContext("acme", "cli-1", "u-1", "203.0.113.9"))
	assert.Equal(t, "203.0.113.9:52000", attrs.RemoteAddr)
	assert.Equal(t, []string{"acme"}, attrs.Claims["tid"])
	assert.Equal(t, []string{"cli-1"}, attrs.Claims["azp"])
	assert.Equal(t, []string{"u-1"}, attrs.Claims["sub"])

	// 无元数据时只剩对端地址，解析结果落到匿名身份。
	bare := metadataAttributes(peer.NewContext(context.Background(), &peer.Peer{
		Addr: &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 1},
	}))
	assert.Empty(t, bare.Claims)
}

func TestGRPCHTTPStatus(t *testing.T) {
	assert.Equal(t, 200, grpcHTTPStatus(nil))
	assert.Equal(t, 404, grpcHTTPStatus(status.Error(codes.NotFound, "x")))
	assert.Equal(t, 429, grpcHTTPStatus(status.Error(codes.ResourceExhausted, "x")))
	assert.Equal(t, 500, grpcHTTPStatus(status.Error(codes.Internal, "x")))
}
