package xlimits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/omeyang/gateguard/pkg/guard/xquota"
)

// 配置集合与缓存参数
const (
	configConcept = "rate_limits"

	mongoAttempts   = 3
	mongoRetryDelay = 100 * time.Millisecond

	hitCacheTTL  = 30 * time.Second
	missCacheTTL = 10 * time.Second
	cacheSize    = 4096
)

// configDoc rl_config 集合的一条配置项。一个作用域的限额由多条
// 按 entry 寻址的文档组成，缺失的条目沿用上级作用域的值。
type configDoc struct {
	Concept   string    `bson:"concept"`
	Entry     string    `bson:"entry"`
	ScopeType string    `bson:"scope_type"`
	ScopeKey  string    `bson:"scope_key"`
	ValueType string    `bson:"value_type"`
	Value     string    `bson:"value"`
	Enabled   bool      `bson:"enabled"`
	ValidFrom time.Time `bson:"valid_from,omitempty"`
	ValidTo   time.Time `bson:"valid_to,omitempty"`
}

// MongoProvider MongoDB 配置源，读取 rl_config 集合。
//
// 非全局作用域的限额在全局作用域的基础上按条目覆盖，因此租户只
// 需要写出与全局不同的条目。查询带 3 次重试；命中与未命中分别缓
// 存 30 秒和 10 秒，限制对配置集合的查询频率。单条文档解析失败
// 只记日志并跳过，不让一条脏数据拖垮整个作用域。
type MongoProvider struct {
	coll   *mongo.Collection
	logger *slog.Logger

	hits   *expirable.LRU[string, xquota.EnterpriseLimits]
	misses *expirable.LRU[string, struct{}]
}

var _ Provider = (*MongoProvider)(nil)

// MongoProviderOption Mongo 配置源选项。
type MongoProviderOption func(*MongoProvider)

// WithMongoProviderLogger 设置日志器，默认 slog.Default()。
func WithMongoProviderLogger(logger *slog.Logger) MongoProviderOption {
	return func(p *MongoProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewMongoProvider 创建 Mongo 配置源。coll 的生命周期由调用方管理。
func NewMongoProvider(coll *mongo.Collection, opts ...MongoProviderOption) (*MongoProvider, error) {
	if coll == nil {
		return nil, ErrNilCollection
	}
	p := &MongoProvider{
		coll:   coll,
		logger: slog.Default(),
		hits:   expirable.NewLRU[string, xquota.EnterpriseLimits](cacheSize, nil, hitCacheTTL),
		misses: expirable.NewLRU[string, struct{}](cacheSize, nil, missCacheTTL),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// LoadGlobal 实现 Provider。
func (p *MongoProvider) LoadGlobal(ctx context.Context) (xquota.GlobalLimits, error) {
	docs, err := p.fetch(ctx, GlobalScope)
	if err != nil {
		return xquota.GlobalLimits{}, err
	}
	global := xquota.DefaultGlobalLimits()
	for _, doc := range docs {
		p.applyGlobal(&global, doc)
	}
	return global, nil
}

// LoadEnterprise 实现 Provider。请求的作用域没有任何配置文档时
// 返回 found=false。
func (p *MongoProvider) LoadEnterprise(ctx context.Context, scope Scope) (xquota.EnterpriseLimits, bool, error) {
	cacheKey := string(scope.Type) + "|" + scope.Key
	if ent, ok := p.hits.Get(cacheKey); ok {
		return ent, true, nil
	}
	if _, ok := p.misses.Get(cacheKey); ok {
		return xquota.EnterpriseLimits{}, false, nil
	}

	base := xquota.DefaultEnterpriseLimits()
	if scope.Type != ScopeGlobal {
		// 先装载全局作用域作为基底，再叠加请求作用域的覆盖。
		ent, found, err := p.LoadEnterprise(ctx, GlobalScope)
		if err != nil {
			return xquota.EnterpriseLimits{}, false, err
		}
		if found {
			base = ent
		}
	}

	docs, err := p.fetch(ctx, scope)
	if err != nil {
		return xquota.EnterpriseLimits{}, false, err
	}
	if len(docs) == 0 && scope.Type != ScopeGlobal {
		p.misses.Add(cacheKey, struct{}{})
		return xquota.EnterpriseLimits{}, false, nil
	}

	for _, doc := range docs {
		p.applyEnterprise(&base, doc)
	}
	p.hits.Add(cacheKey, base)
	return base, true, nil
}

func (p *MongoProvider) fetch(ctx context.Context, scope Scope) ([]configDoc, error) {
	filter := bson.M{
		"concept":    configConcept,
		"scope_type": string(scope.Type),
		"scope_key":  scope.Key,
		"enabled":    true,
	}

	docs, err := retry.NewWithData[[]configDoc](
		retry.Context(ctx),
		retry.Attempts(mongoAttempts),
		retry.Delay(mongoRetryDelay),
		retry.LastErrorOnly(true),
	).Do(func() ([]configDoc, error) {
		cursor, err := p.coll.Find(ctx, filter)
		if err != nil {
			return nil, err
		}
		var docs []configDoc
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("xlimits: query config for scope %s/%s: %w", scope.Type, scope.Key, err)
	}

	now := time.Now()
	valid := docs[:0]
	for _, doc := range docs {
		if !doc.ValidFrom.IsZero() && now.Before(doc.ValidFrom) {
			continue
		}
		if !doc.ValidTo.IsZero() && now.After(doc.ValidTo) {
			continue
		}
		valid = append(valid, doc)
	}
	return valid, nil
}

func (p *MongoProvider) applyGlobal(global *xquota.GlobalLimits, doc configDoc) {
	n, err := p.intValue(doc)
	if err != nil {
		p.logDocError(doc, err)
		return
	}
	switch doc.Entry {
	case "global.per_identity_per_minute":
		global.PerIdentityPerMinute = n
	case "global.burst":
		global.Burst = n
	default:
		p.logDocError(doc, errors.New("unknown entry"))
	}
}

func (p *MongoProvider) applyEnterprise(ent *xquota.EnterpriseLimits, doc configDoc) {
	n, err := p.intValue(doc)
	if err != nil {
		p.logDocError(doc, err)
		return
	}
	switch doc.Entry {
	case "exports.per_tenant_per_minute":
		ent.Exports.PerTenantPerMinute = n
	case "exports.per_client_per_minute":
		ent.Exports.PerClientPerMinute = n
	case "exports.per_user_per_minute":
		ent.Exports.PerUserPerMinute = n
	case "search.per_tenant_per_minute":
		ent.Search.PerTenantPerMinute = n
	case "search.per_client_per_minute":
		ent.Search.PerClientPerMinute = n
	case "search.per_user_per_minute":
		ent.Search.PerUserPerMinute = n
	case "login.per_ip_per_minute":
		ent.Login.PerIPPerMinute = n
	case "login.per_client_per_minute":
		ent.Login.PerClientPerMinute = n
	default:
		p.logDocError(doc, errors.New("unknown entry"))
	}
}

// intValue 按 value_type 解析配置值。限额条目最终都是整数，double
// 截断取整，bool 与 json 不接受。
func (p *MongoProvider) intValue(doc configDoc) (int, error) {
	raw := strings.TrimSpace(doc.Value)
	switch doc.ValueType {
	case "int", "string", "":
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("parse int value %q: %w", doc.Value, err)
		}
		return n, nil
	case "double":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("parse double value %q: %w", doc.Value, err)
		}
		return int(f), nil
	default:
		return 0, fmt.Errorf("unsupported value_type %q for limit entry", doc.ValueType)
	}
}

func (p *MongoProvider) logDocError(doc configDoc, err error) {
	p.logger.Warn("skip malformed config entry",
		slog.String("concept", doc.Concept),
		slog.String("entry", doc.Entry),
		slog.String("scope_type", doc.ScopeType),
		slog.String("scope_key", doc.ScopeKey),
		slog.String("value_type", doc.ValueType),
		slog.String("value", doc.Value),
		slog.Any("error", err),
	)
}
