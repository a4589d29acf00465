package xaudit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// 指标名称常量
const (
	// metricNameDroppedTotal 通道满丢弃的事件数
	metricNameDroppedTotal = "gateguard.audit.dropped.total"
	// metricNameFlushedTotal 成功落库的事件数
	metricNameFlushedTotal = "gateguard.audit.flushed.total"
	// metricNamePersistErrors 落库失败批次数
	metricNamePersistErrors = "gateguard.audit.persist_errors.total"
	// metricNameFlushDuration 单批落库耗时直方图
	metricNameFlushDuration = "gateguard.audit.flush.duration"
)

// Metrics 审计指标收集器。nil 接收者安全。
type Metrics struct {
	droppedTotal  metric.Int64Counter
	flushedTotal  metric.Int64Counter
	persistErrors metric.Int64Counter
	flushDuration metric.Float64Histogram
}

// NewMetrics 创建指标收集器。meterProvider 为 nil 时返回 nil。
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	if meterProvider == nil {
		return nil, nil
	}

	meter := meterProvider.Meter("gateguard/xaudit",
		metric.WithInstrumentationVersion("1.0.0"),
	)

	droppedTotal, err := meter.Int64Counter(
		metricNameDroppedTotal,
		metric.WithDescription("审计通道满丢弃的事件数"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	flushedTotal, err := meter.Int64Counter(
		metricNameFlushedTotal,
		metric.WithDescription("进入落库流程的事件数"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	persistErrors, err := meter.Int64Counter(
		metricNamePersistErrors,
		metric.WithDescription("落库失败的批次数"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	flushDuration, err := meter.Float64Histogram(
		metricNameFlushDuration,
		metric.WithDescription("单批落库耗时"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0,
		),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		droppedTotal:  droppedTotal,
		flushedTotal:  flushedTotal,
		persistErrors: persistErrors,
		flushDuration: flushDuration,
	}, nil
}

// RecordDropped 记录一次事件丢弃。
func (m *Metrics) RecordDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.droppedTotal.Add(context.WithoutCancel(ctx), 1)
}

// RecordFlush 记录一次批落库。
func (m *Metrics) RecordFlush(ctx context.Context, events int, duration time.Duration, err error) {
	if m == nil {
		return
	}

	metricsCtx := context.WithoutCancel(ctx)
	ok := err == nil

	m.flushedTotal.Add(metricsCtx, int64(events), metric.WithAttributes(
		attribute.Bool("ok", ok),
	))
	if !ok {
		m.persistErrors.Add(metricsCtx, 1)
	}
	m.flushDuration.Record(metricsCtx, duration.Seconds(), metric.WithAttributes(
		attribute.Bool("ok", ok),
	))
}
