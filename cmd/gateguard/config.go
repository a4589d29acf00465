package main

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/omeyang/gateguard/pkg/config/xlimits"
)

// Config 服务配置。零值可运行：全内存后端、静态默认限额。
type Config struct {
	// Listen HTTP 监听地址。
	Listen string `koanf:"listen"`
	// ShutdownGrace 收到停机信号后等待在途请求与审计落盘的时长。
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`
	// TrustedProxies 采信 X-Forwarded-For 的代理网段（CIDR）。
	TrustedProxies []string `koanf:"trusted_proxies"`
	// BlockFailClosed 封禁存储不可用时拒绝请求（默认放行）。
	BlockFailClosed bool `koanf:"block_fail_closed"`

	Redis  RedisConfig  `koanf:"redis"`
	Mongo  MongoConfig  `koanf:"mongo"`
	Limits LimitsConfig `koanf:"limits"`
	Audit  AuditConfig  `koanf:"audit"`
	Log    LogConfig    `koanf:"log"`
}

// RedisConfig 限流计数与封禁记录的共享存储。Addr 为空时使用进程内实现。
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// MongoConfig 审计落盘与限额配置源。URI 为空时审计落到内存存储。
type MongoConfig struct {
	URI      string `koanf:"uri"`
	Database string `koanf:"database"`
	// Transactions 副本集部署时开启审计批次的事务提交。
	Transactions bool `koanf:"transactions"`
}

// LimitsConfig 限额配置源与刷新调度。
// File 与 Mongo URI 同时给出时文件优先。
type LimitsConfig struct {
	File    string                `koanf:"file"`
	Refresh xlimits.RefreshConfig `koanf:"refresh"`
}

// AuditConfig 审计管道参数。
type AuditConfig struct {
	Capacity  int `koanf:"capacity"`
	BatchSize int `koanf:"batch_size"`
}

// LogConfig 日志输出。Path 为空时写标准错误。
type LogConfig struct {
	Path       string `koanf:"path"`
	Level      string `koanf:"level"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

func defaultConfig() Config {
	return Config{
		Listen:        ":8080",
		ShutdownGrace: 10 * time.Second,
		Mongo:         MongoConfig{Database: "gateguard"},
		Limits: LimitsConfig{
			Refresh: xlimits.RefreshConfig{Mode: xlimits.RefreshFixed, Interval: time.Minute},
		},
		Audit: AuditConfig{Capacity: 50_000, BatchSize: 2000},
		Log:   LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
	}
}

// loadConfig 读取 YAML 配置并合并到默认值之上。path 为空返回默认配置。
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
