package xquota

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
)

// Option 引擎选项。
type Option func(*options)

type options struct {
	logger        *slog.Logger
	meterProvider metric.MeterProvider
}

func defaultOptions() *options {
	return &options{
		logger: slog.Default(),
	}
}

// WithLogger 设置日志器，默认 slog.Default()。
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeterProvider 启用指标收集。nil 表示不收集。
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}
