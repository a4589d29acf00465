package xaudit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// defaultCapacity 事件通道默认容量。
// 满通道意味着消费端持续落后，此时丢事件比拖慢请求更可接受。
const defaultCapacity = 50000

// Recorder 审计事件生产端。并发安全，所有写入路径都不阻塞。
type Recorder struct {
	ch      chan Event
	dropped atomic.Int64
	logger  *slog.Logger
	metrics *Metrics

	// lastDropWarn 上次丢弃告警的 unix 秒，告警限频到每秒一条。
	lastDropWarn atomic.Int64
}

// RecorderOption 记录器选项。
type RecorderOption func(*recorderOptions)

type recorderOptions struct {
	capacity int
	logger   *slog.Logger
	metrics  *Metrics
}

// WithCapacity 覆盖通道容量，默认 50000。
func WithCapacity(n int) RecorderOption {
	return func(o *recorderOptions) { o.capacity = n }
}

// WithRecorderLogger 设置日志器，默认 slog.Default()。
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(o *recorderOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRecorderMetrics 设置指标收集器。
func WithRecorderMetrics(m *Metrics) RecorderOption {
	return func(o *recorderOptions) { o.metrics = m }
}

// NewRecorder 创建记录器。
func NewRecorder(opts ...RecorderOption) (*Recorder, error) {
	o := &recorderOptions{
		capacity: defaultCapacity,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Recorder{
		ch:      make(chan Event, o.capacity),
		logger:  o.logger,
		metrics: o.metrics,
	}, nil
}

// Observe 观测一次请求，展开为最多 3 条事件后逐条入队。
// 通道满时丢弃剩余事件。
func (r *Recorder) Observe(keys xkey.Keys, out Outcome) {
	for _, ev := range buildEvents(keys, out) {
		r.TryRecord(ev)
	}
}

// TryRecord 尝试入队一条事件，绝不阻塞。满通道返回 false 并计数。
func (r *Recorder) TryRecord(ev Event) bool {
	select {
	case r.ch <- ev:
		return true
	default:
		n := r.dropped.Add(1)
		r.metrics.RecordDropped(context.Background())
		r.warnDropped(n)
		return false
	}
}

// Dropped 返回累计丢弃事件数。
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Pending 返回通道中待消费的事件数，仅用于观测。
func (r *Recorder) Pending() int {
	return len(r.ch)
}

func (r *Recorder) events() <-chan Event { return r.ch }

func (r *Recorder) warnDropped(total int64) {
	now := time.Now().Unix()
	last := r.lastDropWarn.Load()
	if now == last || !r.lastDropWarn.CompareAndSwap(last, now) {
		return
	}
	r.logger.Warn("audit channel full, dropping events",
		slog.Int64("dropped_total", total),
		slog.Int("pending", len(r.ch)),
	)
}
