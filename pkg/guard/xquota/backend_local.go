package xquota

import (
	"context"
	"math"
	"time"

	"github.com/omeyang/gateguard/internal/sharded"
)

// localBackend 进程内限流后端。
//
// 令牌桶与固定窗口分别存储，键空间为 "policy\x00partitionKey"。
// 状态按键分片加锁，同一键上的 Take 串行执行，保证不丢计数；
// 不同键之间完全并行，保证分区隔离不引入伪共享。
type localBackend struct {
	buckets *sharded.Map[*bucket]
	windows *sharded.Map[*window]

	// now 时钟注入点，测试中替换。
	now func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

type window struct {
	start time.Time
	count int
}

// 编译期接口断言
var _ Backend = (*localBackend)(nil)

// NewLocalBackend 创建进程内后端。
func NewLocalBackend() Backend {
	return newLocalBackend()
}

func newLocalBackend() *localBackend {
	return &localBackend{
		buckets: sharded.NewMap[*bucket](),
		windows: sharded.NewMap[*window](),
		now:     time.Now,
	}
}

func (b *localBackend) Take(_ context.Context, req TakeRequest) (*Decision, error) {
	switch req.Algorithm {
	case AlgorithmTokenBucket:
		return b.takeToken(req), nil
	case AlgorithmFixedWindow:
		return b.takeWindow(req), nil
	default:
		return nil, wrapUnsupportedAlgorithm(req.Algorithm)
	}
}

// takeToken 令牌桶取额。
// 桶按实际流逝时间连续补充，补充速率 = Limit/Window，容量 = Burst。
func (b *localBackend) takeToken(req TakeRequest) *Decision {
	capacity := float64(req.Burst)
	if capacity <= 0 {
		capacity = float64(req.Limit)
	}
	rate := float64(req.Limit) / req.Window.Seconds() // 令牌/秒

	now := b.now()
	d := &Decision{Policy: req.Policy, Key: req.Key, Limit: req.Limit}

	b.buckets.Do(b.id(req), func(m map[string]*bucket) {
		bk := m[b.id(req)]
		if bk == nil {
			bk = &bucket{tokens: capacity, last: now}
			m[b.id(req)] = bk
		}
		if elapsed := now.Sub(bk.last).Seconds(); elapsed > 0 {
			bk.tokens = math.Min(capacity, bk.tokens+elapsed*rate)
			bk.last = now
		}
		if bk.tokens >= 1 {
			bk.tokens--
			d.Allowed = true
			d.Remaining = int(bk.tokens)
			return
		}
		d.Remaining = 0
		// 等到补满一个令牌为止，向上取整到秒，最短 1 秒
		secs := math.Ceil((1 - bk.tokens) / rate)
		if secs < 1 {
			secs = 1
		}
		d.RetryAfter = time.Duration(secs) * time.Second
	})
	return d
}

// takeWindow 固定窗口取额。窗口按墙钟对齐（now 向下取整到 Window）。
// 进入新窗口时计数归零，旧窗口的状态直接被替换。
func (b *localBackend) takeWindow(req TakeRequest) *Decision {
	now := b.now()
	start := now.Truncate(req.Window)
	d := &Decision{Policy: req.Policy, Key: req.Key, Limit: req.Limit}

	b.windows.Do(b.id(req), func(m map[string]*window) {
		w := m[b.id(req)]
		if w == nil || !w.start.Equal(start) {
			w = &window{start: start}
			m[b.id(req)] = w
		}
		w.count++
		if w.count <= req.Limit {
			d.Allowed = true
			d.Remaining = req.Limit - w.count
			return
		}
		d.Remaining = 0
		d.RetryAfter = req.Window
	})
	return d
}

func (b *localBackend) Reset(_ context.Context, policy, key string) error {
	id := policy + "\x00" + key
	b.buckets.Delete(id)
	b.windows.Delete(id)
	return nil
}

func (b *localBackend) Close() error { return nil }

func (b *localBackend) Type() string { return "local" }

func (b *localBackend) id(req TakeRequest) string {
	return req.Policy + "\x00" + req.Key
}
