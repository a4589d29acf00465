package xgate

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/omeyang/gateguard/pkg/guard/xaudit"
	"github.com/omeyang/gateguard/pkg/guard/xblock"
	"github.com/omeyang/gateguard/pkg/guard/xquota"
	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

const headerCorrelationID = "X-Correlation-ID"

// ClaimsFunc 从请求中提取身份属性。通常由上游认证中间件把已验证
// 的令牌声明放进请求，这里只负责取出。
type ClaimsFunc func(*http.Request) xkey.Attributes

// RequestAttributes 构造一次请求的网络侧身份属性，无令牌声明。
// 自定义 ClaimsFunc 可在其结果上补充 Claims。
func RequestAttributes(r *http.Request) xkey.Attributes {
	return xkey.Attributes{
		RemoteAddr:   r.RemoteAddr,
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
	}
}

// Guard 传输层防护。组合解析器、封禁闸门、限流引擎与审计记录器。
type Guard struct {
	resolver *xkey.Resolver
	engine   *xquota.Engine
	gate     *xblock.Gate
	recorder *xaudit.Recorder
	claims   ClaimsFunc
	logger   *slog.Logger
}

// Option 防护选项。
type Option func(*Guard)

// WithBlockGate 接入封禁预检。不设置时跳过封禁环节。
func WithBlockGate(gate *xblock.Gate) Option {
	return func(g *Guard) { g.gate = gate }
}

// WithRecorder 接入审计记录。不设置时请求不产生审计事件。
func WithRecorder(rec *xaudit.Recorder) Option {
	return func(g *Guard) { g.recorder = rec }
}

// WithClaims 设置身份属性提取函数，默认只取网络侧属性。
func WithClaims(f ClaimsFunc) Option {
	return func(g *Guard) {
		if f != nil {
			g.claims = f
		}
	}
}

// WithLogger 设置日志器，默认 slog.Default()。
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New 创建传输层防护。
func New(resolver *xkey.Resolver, engine *xquota.Engine, opts ...Option) (*Guard, error) {
	if resolver == nil {
		return nil, ErrNilResolver
	}
	if engine == nil {
		return nil, ErrNilEngine
	}
	g := &Guard{
		resolver: resolver,
		engine:   engine,
		claims:   RequestAttributes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Protect 构造完整防护链：审计 → 封禁 → 限流 → next。
// 限流依次评估 "global" 与路由注册的端点策略，任一拒绝即止。
func (g *Guard) Protect(next http.Handler, policies ...string) http.Handler {
	chain := append([]string{xquota.PolicyGlobal}, policies...)
	return g.audit(g.block(g.rateLimit(chain, next)))
}

// Handler 基础防护链，只走 "global" 策略。用于未显式选择策略的路由。
func (g *Guard) Handler(next http.Handler) http.Handler {
	return g.Protect(next)
}

// audit 最外层中间件：解析身份、建立请求载体、捕获状态码，
// 处理链结束后把请求观测为至多 3 条审计事件。
func (g *Guard) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := &carrier{
			keys:        g.resolver.Resolve(g.claims(r)),
			policy:      xquota.PolicyGlobal,
			correlation: r.Header.Get(headerCorrelationID),
		}
		if c.correlation == "" {
			c.correlation = uuid.NewString()
		}
		w.Header().Set(headerCorrelationID, c.correlation)

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r.WithContext(withCarrier(r.Context(), c)))

		if g.recorder == nil {
			return
		}
		g.recorder.Observe(c.keys, xaudit.Outcome{
			Time:       start,
			Policy:     c.policy,
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: sw.status(),
			Rejected:   c.rejected,
			Reason:     c.reason,
			RetryAfter: c.retryAfter,

			TraceID:       traceID(r.Context(), c.correlation),
			CorrelationID: c.correlation,
		})
	})
}

// block 封禁预检中间件。命中生效封禁返回 403。
func (g *Guard) block(next http.Handler) http.Handler {
	if g.gate == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := g.carrierFrom(r)
		d := g.gate.Check(r.Context(), c.keys)
		if d == nil {
			next.ServeHTTP(w, r)
			return
		}
		c.deny(d.Reason, d.RetryAfter)
		detail := d.Detail
		if detail == "" {
			detail = "This identity is temporarily blocked."
		}
		writeProblem(w, Problem{
			Type:              "about:blank",
			Title:             "Forbidden",
			Status:            http.StatusForbidden,
			Detail:            detail,
			ErrorCode:         "blocked",
			Reason:            d.Reason,
			RetryAfterSeconds: d.RetryAfter,
			TraceID:           traceID(r.Context(), c.correlation),
		}, d.RetryAfter)
	})
}

// rateLimit 限流中间件。依次评估策略链，首个拒绝返回 429 并带限额头。
// 审计归属：放行的请求记链上最后一个（端点级）策略，拒绝的请求记
// 触发拒绝的策略。
func (g *Guard) rateLimit(policies []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := g.carrierFrom(r)
		c.policy = policies[len(policies)-1]

		for _, name := range policies {
			d, err := g.engine.Check(r.Context(), name, c.keys)
			if err != nil {
				// 用法错误（策略名拼错、引擎已关闭），防护不拦业务请求。
				g.logger.Error("quota check failed",
					slog.String("policy", name),
					slog.Any("error", err),
				)
				continue
			}

			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				if d.Remaining >= 0 {
					w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				}
			}
			if d.Allowed {
				continue
			}

			retry := d.RetryAfterSeconds()
			c.policy = name
			c.deny(d.Reason, retry)
			writeProblem(w, Problem{
				Type:      "about:blank",
				Title:     "Too Many Requests",
				Status:    http.StatusTooManyRequests,
				Detail:    "Slow down and retry later.",
				ErrorCode: "rate_limited",
				Reason:    d.Reason,
				TraceID:   traceID(r.Context(), c.correlation),
			}, retry)
			return
		}
		next.ServeHTTP(w, r)
	})
}
