package xblock

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// failClosedRetryAfter fail-closed 拒绝时建议的重试等待秒数，
// 与熔断器的恢复窗口一致。
const failClosedRetryAfter = 30

// Gate 封禁预检器。并发安全。
type Gate struct {
	store      Store
	cb         *gobreaker.CircuitBreaker[*Record]
	failClosed bool
	logger     *slog.Logger

	// now 时钟注入点，测试中替换。
	now func() time.Time
}

// GateOption 预检器选项。
type GateOption func(*gateOptions)

type gateOptions struct {
	logger     *slog.Logger
	failClosed bool
}

// WithGateLogger 设置日志器，默认 slog.Default()。
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(o *gateOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithFailClosed 存储不可用时拒绝请求而非放行。
//
// 默认 fail-open：封禁是异常流量的兜底手段，存储故障时牺牲封禁
// 精度保住正常流量。对封禁必须严格生效的部署（如风控出口）改用
// fail-closed，此时拒绝原因为 "block_store_unavailable"。
func WithFailClosed() GateOption {
	return func(o *gateOptions) { o.failClosed = true }
}

// NewGate 创建预检器。
func NewGate(store Store, opts ...GateOption) (*Gate, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	o := &gateOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	g := &Gate{
		store:      store,
		failClosed: o.failClosed,
		logger:     o.logger,
		now:        time.Now,
	}
	g.cb = gobreaker.NewCircuitBreaker[*Record](gobreaker.Settings{
		Name:    "xblock",
		Timeout: failClosedRetryAfter * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Warn("block store breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return g, nil
}

// Check 对请求的分区键集合执行封禁预检。
//
// 检查顺序固定为 IP、Tenant、Client、User；IP 永远检查，其余维度
// 跳过匿名键。命中第一条生效记录即返回拒绝，返回 nil 表示放行。
func (g *Gate) Check(ctx context.Context, keys xkey.Keys) *Denial {
	now := g.now().UTC()

	for _, key := range keys.Candidates() {
		if key.Kind != xkey.KindIP && key.Anonymous() {
			continue
		}

		rec, err := g.lookup(ctx, key)
		if err != nil {
			g.logger.Error("block store lookup failed",
				slog.String("kind", string(key.Kind)),
				slog.Any("error", err),
			)
			if g.failClosed {
				return &Denial{
					Kind:       key.Kind,
					Reason:     "block_store_unavailable",
					RetryAfter: failClosedRetryAfter,
				}
			}
			continue
		}

		if rec.Active(now) {
			retry := int(math.Ceil(rec.BlockedUntil.Sub(now).Seconds()))
			if retry < 1 {
				retry = 1
			}
			return &Denial{
				Kind:         key.Kind,
				Reason:       "blocked_" + string(key.Kind),
				Detail:       rec.Reason,
				BlockedUntil: rec.BlockedUntil,
				RetryAfter:   retry,
			}
		}
	}
	return nil
}

// Block 写入一条封禁记录，合并语义见 Store.Upsert。
func (g *Gate) Block(ctx context.Context, key xkey.Key, reason string, until time.Time) error {
	return g.store.Upsert(ctx, Record{
		Kind:         key.Kind,
		KeyHash:      key.Hash(),
		Reason:       reason,
		BlockedUntil: until.UTC(),
		CreatedAt:    g.now().UTC(),
	})
}

func (g *Gate) lookup(ctx context.Context, key xkey.Key) (*Record, error) {
	return g.cb.Execute(func() (*Record, error) {
		return g.store.Active(ctx, key.Kind, key.Hash())
	})
}
