package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/omeyang/gateguard/pkg/config/xlimits"
	"github.com/omeyang/gateguard/pkg/guard/xaudit"
	"github.com/omeyang/gateguard/pkg/guard/xblock"
	"github.com/omeyang/gateguard/pkg/guard/xgate"
	"github.com/omeyang/gateguard/pkg/guard/xquota"
	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// newLogger 构造 JSON 结构化日志器。配置了路径时按大小轮转。
func newLogger(cfg LogConfig) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.Path != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// runServe 组装并运行防护服务，阻塞直到 ctx 取消。
func runServe(ctx context.Context, cfg Config) error {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	resolver, err := xkey.NewResolver(xkey.WithTrustedProxies(cfg.TrustedProxies...))
	if err != nil {
		return fmt.Errorf("build resolver: %w", err)
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
	}

	var mongoDB *mongo.Database
	if cfg.Mongo.URI != "" {
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(disconnectCtx)
		}()
		mongoDB = client.Database(cfg.Mongo.Database)
	}

	// 限额配置源：文件 > Mongo > 静态默认。
	accessor, refresher, providerClose, err := buildLimits(cfg.Limits, mongoDB, logger)
	if err != nil {
		return err
	}
	defer providerClose()
	defer func() { _ = accessor.Close() }()

	var backend xquota.Backend
	if rdb != nil {
		backend, err = xquota.NewRedisBackend(rdb)
		if err != nil {
			return fmt.Errorf("build quota backend: %w", err)
		}
	} else {
		backend = xquota.NewLocalBackend()
	}
	engine, err := xquota.New(backend, accessor, xquota.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build quota engine: %w", err)
	}
	defer func() { _ = engine.Close() }()

	var blockStore xblock.Store
	if rdb != nil {
		blockStore, err = xblock.NewRedisStore(rdb)
		if err != nil {
			return fmt.Errorf("build block store: %w", err)
		}
	} else {
		blockStore = xblock.NewMemoryStore()
	}
	defer func() { _ = blockStore.Close() }()

	gateOpts := []xblock.GateOption{xblock.WithGateLogger(logger)}
	if cfg.BlockFailClosed {
		gateOpts = append(gateOpts, xblock.WithFailClosed())
	}
	gate, err := xblock.NewGate(blockStore, gateOpts...)
	if err != nil {
		return fmt.Errorf("build block gate: %w", err)
	}

	var auditStore xaudit.Store = xaudit.NewMemoryStore()
	if mongoDB != nil {
		storeOpts := []xaudit.MongoStoreOption{xaudit.WithMongoLogger(logger)}
		if cfg.Mongo.Transactions {
			storeOpts = append(storeOpts, xaudit.WithTransactions())
		}
		ms, err := xaudit.NewMongoStore(mongoDB, storeOpts...)
		if err != nil {
			return fmt.Errorf("build audit store: %w", err)
		}
		if err := ms.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure audit indexes: %w", err)
		}
		auditStore = ms
	}
	defer func() { _ = auditStore.Close(context.Background()) }()

	recorder, err := xaudit.NewRecorder(
		xaudit.WithCapacity(cfg.Audit.Capacity),
		xaudit.WithRecorderLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build audit recorder: %w", err)
	}
	aggregator, err := xaudit.NewAggregator(recorder, auditStore,
		xaudit.WithBatchSize(cfg.Audit.BatchSize),
		xaudit.WithAggregatorLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build audit aggregator: %w", err)
	}

	guard, err := xgate.New(resolver, engine,
		xgate.WithBlockGate(gate),
		xgate.WithRecorder(recorder),
		xgate.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build guard: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newMux(guard),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateguard listening", slog.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// 审计消费在停机路径上自行抽干并限时落盘。
		if err := aggregator.Run(runCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		refresher.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), cfg.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("gateguard stopped",
		slog.Int64("audit_events_dropped", recorder.Dropped()),
	)
	return err
}

// buildLimits 组装限额配置源、访问器与后台刷新器。
// 返回的清理函数停掉文件监视等配置源资源。
func buildLimits(cfg LimitsConfig, mongoDB *mongo.Database, logger *slog.Logger) (*xlimits.Accessor, *xlimits.Refresher, func(), error) {
	var (
		provider xlimits.Provider
		cleanup  = func() {}
	)
	switch {
	case cfg.File != "":
		fp, err := xlimits.NewFileProvider(cfg.File)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load limits file: %w", err)
		}
		provider = fp
		cleanup = func() { _ = fp.Close() }
	case mongoDB != nil:
		mp, err := xlimits.NewMongoProvider(mongoDB.Collection("rl_config"),
			xlimits.WithMongoProviderLogger(logger))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build limits provider: %w", err)
		}
		provider = mp
	default:
		provider = xlimits.NewStaticProvider()
	}

	accessor, err := xlimits.NewAccessor(provider, xlimits.WithAccessorLogger(logger))
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("build limits accessor: %w", err)
	}
	refresher, err := xlimits.NewRefresher(accessor, cfg.Refresh, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("build limits refresher: %w", err)
	}

	// 文件变更直接唤醒刷新，不等下一个周期。
	if fp, ok := provider.(*xlimits.FileProvider); ok {
		if err := fp.Watch(func(reloadErr error) {
			if reloadErr != nil {
				logger.Error("limits file reload failed", slog.Any("error", reloadErr))
				return
			}
			refresher.Nudge()
		}); err != nil {
			logger.Warn("limits file watch unavailable", slog.Any("error", err))
		}
	}
	return accessor, refresher, cleanup, nil
}

// newMux 注册演示路由。业务接入时以同样的方式为每条路由挑选策略。
func newMux(guard *xgate.Guard) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/exports", guard.Protect(ackHandler("export scheduled"),
		xquota.PolicyExportsTenant, xquota.PolicyExportsClient, xquota.PolicyExportsUser))
	mux.Handle("/search", guard.Protect(ackHandler("search accepted"),
		xquota.PolicySearchTenant, xquota.PolicySearchClient, xquota.PolicySearchUser))
	mux.Handle("/login", guard.Protect(ackHandler("login accepted"),
		xquota.PolicyLoginIP, xquota.PolicyLoginClient))
	mux.Handle("/limits/current", guard.Handler(guard.LimitsHandler()))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func ackHandler(msg string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": msg})
	})
}
