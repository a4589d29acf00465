package xquota

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// 指标名称常量
const (
	// metricNameChecksTotal 限流判定总数计数器
	metricNameChecksTotal = "gateguard.quota.checks.total"
	// metricNameDeniedTotal 被拒绝请求计数器
	metricNameDeniedTotal = "gateguard.quota.denied.total"
	// metricNameFailOpenTotal 后端故障放行计数器
	metricNameFailOpenTotal = "gateguard.quota.fail_open.total"
	// metricNameCheckDuration 判定耗时直方图
	metricNameCheckDuration = "gateguard.quota.check.duration"
)

// Metrics 限流指标收集器。nil 接收者安全，不收集任何指标。
type Metrics struct {
	checksTotal   metric.Int64Counter
	deniedTotal   metric.Int64Counter
	failOpenTotal metric.Int64Counter
	checkDuration metric.Float64Histogram
}

// NewMetrics 创建指标收集器。meterProvider 为 nil 时返回 nil。
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	if meterProvider == nil {
		return nil, nil
	}

	meter := meterProvider.Meter("gateguard/xquota",
		metric.WithInstrumentationVersion("1.0.0"),
	)

	checksTotal, err := meter.Int64Counter(
		metricNameChecksTotal,
		metric.WithDescription("限流判定总数"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, err
	}

	deniedTotal, err := meter.Int64Counter(
		metricNameDeniedTotal,
		metric.WithDescription("被限流拒绝的请求数"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	failOpenTotal, err := meter.Int64Counter(
		metricNameFailOpenTotal,
		metric.WithDescription("后端故障导致的放行次数"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	checkDuration, err := meter.Float64Histogram(
		metricNameCheckDuration,
		metric.WithDescription("限流判定耗时"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0,
		),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		checksTotal:   checksTotal,
		deniedTotal:   deniedTotal,
		failOpenTotal: failOpenTotal,
		checkDuration: checkDuration,
	}, nil
}

// RecordCheck 记录一次限流判定。
func (m *Metrics) RecordCheck(ctx context.Context, backendType, policy string, allowed bool, duration time.Duration) {
	if m == nil {
		return
	}

	// 使用 context.WithoutCancel 确保即使 ctx 被取消，指标仍能记录
	metricsCtx := context.WithoutCancel(ctx)

	attrs := []attribute.KeyValue{
		attribute.String("backend", backendType),
		attribute.String("policy", policy),
		attribute.Bool("allowed", allowed),
	}

	m.checksTotal.Add(metricsCtx, 1, metric.WithAttributes(attrs...))
	if !allowed {
		m.deniedTotal.Add(metricsCtx, 1, metric.WithAttributes(attrs...))
	}
	m.checkDuration.Record(metricsCtx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordFailOpen 记录一次后端故障放行。
func (m *Metrics) RecordFailOpen(ctx context.Context, backendType, policy string) {
	if m == nil {
		return
	}

	metricsCtx := context.WithoutCancel(ctx)
	m.failOpenTotal.Add(metricsCtx, 1, metric.WithAttributes(
		attribute.String("backend", backendType),
		attribute.String("policy", policy),
	))
}
