package xgate

import (
	"context"
	"net/http"

	"github.com/omeyang/gateguard/pkg/guard/xquota"
	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// carrier 一次请求在中间件链上传递的状态。审计中间件创建，
// 内层中间件回填策略名与拒绝信息。
type carrier struct {
	keys        xkey.Keys
	policy      string
	correlation string

	rejected   bool
	reason     string
	retryAfter int
}

func (c *carrier) deny(reason string, retryAfter int) {
	c.rejected = true
	c.reason = reason
	c.retryAfter = retryAfter
}

type carrierCtxKey struct{}

func withCarrier(ctx context.Context, c *carrier) context.Context {
	return context.WithValue(ctx, carrierCtxKey{}, c)
}

// carrierFrom 取出请求载体。中间件单独使用（外层没有审计中间件）
// 时载体缺失，此时就地解析一个，拒绝信息无处回填但防护照常生效。
func (g *Guard) carrierFrom(r *http.Request) *carrier {
	if c, ok := r.Context().Value(carrierCtxKey{}).(*carrier); ok {
		return c
	}
	return &carrier{
		keys:   g.resolver.Resolve(g.claims(r)),
		policy: xquota.PolicyGlobal,
	}
}

// statusWriter 捕获响应状态码。未显式 WriteHeader 的成功路径记 200。
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.code == 0 {
		sw.code = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.code == 0 {
		sw.code = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) status() int {
	if sw.code == 0 {
		return http.StatusOK
	}
	return sw.code
}

// Flush 透传，保证流式响应不受包装影响。
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
