package xaudit

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/sonyflake/v2"
)

const (
	// defaultBatchSize 单批聚合的事件上限。
	defaultBatchSize = 2000
	// defaultFlushTimeout 停机时末批落库的时间预算。
	defaultFlushTimeout = 5 * time.Second
)

// Aggregator 审计事件的单消费者。
//
// 只允许一个 Run 在跑：单消费者让聚合无需加锁，也保证同一分组键
// 的增量不会被拆到并发的两批里。
type Aggregator struct {
	events       <-chan Event
	store        Store
	batchSize    int
	flushTimeout time.Duration
	logger       *slog.Logger
	metrics      *Metrics

	// nextID 生成 violation 主键，失败时退化为时间戳。
	nextID func() int64
}

// AggregatorOption 聚合器选项。
type AggregatorOption func(*aggregatorOptions)

type aggregatorOptions struct {
	batchSize    int
	flushTimeout time.Duration
	logger       *slog.Logger
	metrics      *Metrics
}

// WithBatchSize 覆盖单批事件上限，默认 2000。
func WithBatchSize(n int) AggregatorOption {
	return func(o *aggregatorOptions) { o.batchSize = n }
}

// WithFlushTimeout 覆盖停机末批落库的时间预算，默认 5s。
func WithFlushTimeout(d time.Duration) AggregatorOption {
	return func(o *aggregatorOptions) { o.flushTimeout = d }
}

// WithAggregatorLogger 设置日志器，默认 slog.Default()。
func WithAggregatorLogger(logger *slog.Logger) AggregatorOption {
	return func(o *aggregatorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAggregatorMetrics 设置指标收集器。
func WithAggregatorMetrics(m *Metrics) AggregatorOption {
	return func(o *aggregatorOptions) { o.metrics = m }
}

// NewAggregator 创建聚合器，消费 rec 产出的事件并写入 store。
func NewAggregator(rec *Recorder, store Store, opts ...AggregatorOption) (*Aggregator, error) {
	if rec == nil {
		return nil, ErrNilRecorder
	}
	if store == nil {
		return nil, ErrNilStore
	}

	o := &aggregatorOptions{
		batchSize:    defaultBatchSize,
		flushTimeout: defaultFlushTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}

	a := &Aggregator{
		events:       rec.events(),
		store:        store,
		batchSize:    o.batchSize,
		flushTimeout: o.flushTimeout,
		logger:       o.logger,
		metrics:      o.metrics,
	}

	sf, err := sonyflake.New(sonyflake.Settings{})
	if err != nil {
		// 机器 ID 推导失败时退化为时间戳主键，审计明细允许极小概率的冲突
		a.logger.Warn("sonyflake init failed, falling back to timestamp ids", slog.Any("error", err))
		a.nextID = func() int64 { return time.Now().UnixNano() }
	} else {
		a.nextID = func() int64 {
			id, err := sf.NextID()
			if err != nil {
				return time.Now().UnixNano()
			}
			return id
		}
	}
	return a, nil
}

// Run 消费事件直到 ctx 取消。取消时抽干通道余量并在限时内落库，
// 然后返回 ctx.Err()。
func (a *Aggregator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.finalFlush(ctx)
			return ctx.Err()
		case ev := <-a.events:
			a.flush(ctx, a.drain(ev))
		}
	}
}

// drain 以 first 起批，非阻塞抽干通道直到批满或无事件可取。
func (a *Aggregator) drain(first Event) []Event {
	events := append(make([]Event, 0, a.batchSize), first)
	for len(events) < a.batchSize {
		select {
		case ev := <-a.events:
			events = append(events, ev)
		default:
			return events
		}
	}
	return events
}

// flush 聚合并落库一批事件。失败只记日志，整批丢弃。
func (a *Aggregator) flush(ctx context.Context, events []Event) {
	if len(events) == 0 {
		return
	}
	batch := a.reduce(events)

	start := time.Now()
	err := a.store.Persist(ctx, batch)
	a.metrics.RecordFlush(ctx, len(events), time.Since(start), err)
	if err != nil {
		a.logger.Error("audit batch persist failed, discarding batch",
			slog.Int("events", len(events)),
			slog.Int("aggregates", len(batch.Aggregates)),
			slog.Int("violations", len(batch.Violations)),
			slog.Any("error", err),
		)
	}
}

// finalFlush 停机路径：抽干余量，在独立限时 context 下落库。
func (a *Aggregator) finalFlush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.flushTimeout)
	defer cancel()

	for {
		select {
		case ev := <-a.events:
			a.flush(flushCtx, a.drain(ev))
		default:
			return
		}
	}
}

// reduce 将一批事件归并为身份行、分钟聚合与明细。
func (a *Aggregator) reduce(events []Event) Batch {
	identities := make(map[string]Identity)
	aggs := make(map[AggregateKey]*Aggregate)
	var violations []Violation

	for _, ev := range events {
		hash := hashOf(ev.Key)

		if _, ok := identities[string(ev.Kind)+hash]; !ok {
			identities[string(ev.Kind)+hash] = Identity{
				Kind:      ev.Kind,
				KeyHash:   hash,
				Masked:    ev.Masked,
				FirstSeen: ev.Time,
			}
		}

		key := AggregateKey{
			Window:  ev.Time.Truncate(time.Minute),
			Policy:  ev.Policy,
			Kind:    ev.Kind,
			KeyHash: hash,
			Method:  ev.Method,
		}
		agg, ok := aggs[key]
		if !ok {
			agg = &Aggregate{AggregateKey: key}
			aggs[key] = agg
		}
		agg.Requests++
		if ev.Rejected {
			agg.Rejected++
			violations = append(violations, Violation{
				ID:         a.nextID(),
				Time:       ev.Time,
				Policy:     ev.Policy,
				Kind:       ev.Kind,
				KeyHash:    hash,
				Method:     ev.Method,
				Path:       ev.Path,
				StatusCode: ev.StatusCode,
				Reason:     ev.Reason,
				RetryAfter: ev.RetryAfter,

				TraceID:       ev.TraceID,
				CorrelationID: ev.CorrelationID,

				TenantID: ev.TenantID,
				ClientID: ev.ClientID,
				UserID:   ev.UserID,
				IP:       ev.IP,
			})
		}
	}

	batch := Batch{
		Identities: make([]Identity, 0, len(identities)),
		Aggregates: make([]Aggregate, 0, len(aggs)),
		Violations: violations,
	}
	for _, id := range identities {
		batch.Identities = append(batch.Identities, id)
	}
	for _, agg := range aggs {
		batch.Aggregates = append(batch.Aggregates, *agg)
	}
	return batch
}
