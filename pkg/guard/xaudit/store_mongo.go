package xaudit

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/omeyang/gateguard/pkg/guard/xblock"
)

// 集合名称
const (
	collIdentities = "rl_identities"
	collAggregates = "rl_minute_aggs"
	collViolations = "rl_violations"
	collBlocks     = "rl_blocks"
)

// MongoStore 基于 MongoDB 的审计存储。
//
// 分钟聚合用 $inc 做加法合并，因此多实例并发写同一分组键是安全的。
// 开启事务（副本集部署）时 Persist 的四个阶段整体提交。
type MongoStore struct {
	db         *mongo.Database
	identities *mongo.Collection
	aggregates *mongo.Collection
	violations *mongo.Collection
	blocks     *mongo.Collection

	useTxn bool
	logger *slog.Logger
}

var _ Store = (*MongoStore)(nil)

// MongoStoreOption Mongo 存储选项。
type MongoStoreOption func(*MongoStore)

// WithTransactions 开启事务提交。要求 MongoDB 以副本集或分片集群运行。
func WithTransactions() MongoStoreOption {
	return func(s *MongoStore) { s.useTxn = true }
}

// WithMongoLogger 设置日志器，默认 slog.Default()。
func WithMongoLogger(logger *slog.Logger) MongoStoreOption {
	return func(s *MongoStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewMongoStore 创建 Mongo 审计存储。db 的生命周期由调用方管理。
func NewMongoStore(db *mongo.Database, opts ...MongoStoreOption) (*MongoStore, error) {
	if db == nil {
		return nil, ErrNilDatabase
	}
	s := &MongoStore{
		db:         db,
		identities: db.Collection(collIdentities),
		aggregates: db.Collection(collAggregates),
		violations: db.Collection(collViolations),
		blocks:     db.Collection(collBlocks),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureIndexes 创建唯一索引与查询索引。部署时调用一次。
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	_, err := s.identities.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "kind", Value: 1}, {Key: "key_hash", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return fmt.Errorf("xaudit: identities index: %w", err)
	}

	_, err = s.aggregates.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "window", Value: 1}, {Key: "policy", Value: 1},
			{Key: "kind", Value: 1}, {Key: "key_hash", Value: 1}, {Key: "method", Value: 1},
		},
		Options: unique,
	})
	if err != nil {
		return fmt.Errorf("xaudit: aggregates index: %w", err)
	}

	_, err = s.violations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "time", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("xaudit: violations index: %w", err)
	}

	_, err = s.blocks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "kind", Value: 1}, {Key: "key_hash", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return fmt.Errorf("xaudit: blocks index: %w", err)
	}
	return nil
}

func (s *MongoStore) EnsureIdentities(ctx context.Context, ids []Identity) error {
	if len(ids) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(ids))
	for _, id := range ids {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "kind", Value: id.Kind}, {Key: "key_hash", Value: id.KeyHash}}).
			SetUpdate(bson.D{{Key: "$setOnInsert", Value: bson.D{
				{Key: "masked", Value: id.Masked},
				{Key: "first_seen", Value: id.FirstSeen},
			}}}).
			SetUpsert(true))
	}
	_, err := s.identities.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("xaudit: ensure identities: %w", err)
	}
	return nil
}

func (s *MongoStore) UpsertAggregates(ctx context.Context, aggs []Aggregate) error {
	if len(aggs) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(aggs))
	for _, agg := range aggs {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{
				{Key: "window", Value: agg.Window},
				{Key: "policy", Value: agg.Policy},
				{Key: "kind", Value: agg.Kind},
				{Key: "key_hash", Value: agg.KeyHash},
				{Key: "method", Value: agg.Method},
			}).
			SetUpdate(bson.D{{Key: "$inc", Value: bson.D{
				{Key: "requests", Value: agg.Requests},
				{Key: "rejected", Value: agg.Rejected},
			}}}).
			SetUpsert(true))
	}
	_, err := s.aggregates.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("xaudit: upsert aggregates: %w", err)
	}
	return nil
}

func (s *MongoStore) AppendViolations(ctx context.Context, vs []Violation) error {
	for _, chunk := range chunkViolations(vs) {
		docs := make([]any, 0, len(chunk))
		for _, v := range chunk {
			docs = append(docs, v)
		}
		if _, err := s.violations.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
			return fmt.Errorf("xaudit: append violations: %w", err)
		}
	}
	return nil
}

// UpsertBlock 合并写入封禁记录：blocked_until 取大，空 reason 保留
// 旧值，created_at 只在首次写入时设置。用管道更新原子完成。
func (s *MongoStore) UpsertBlock(ctx context.Context, rec xblock.Record) error {
	keyHash := hex.EncodeToString(rec.KeyHash[:])
	until := rec.BlockedUntil.UTC()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	reason := any(bson.D{{Key: "$ifNull", Value: bson.A{"$reason", ""}}})
	if rec.Reason != "" {
		reason = rec.Reason
	}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "kind", Value: rec.Kind},
			{Key: "key_hash", Value: keyHash},
			{Key: "blocked_until", Value: bson.D{{Key: "$max", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$blocked_until", until}}},
				until,
			}}}},
			{Key: "reason", Value: reason},
			{Key: "created_at", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$created_at", createdAt}}}},
		}}},
	}

	_, err := s.blocks.UpdateOne(ctx,
		bson.D{{Key: "kind", Value: rec.Kind}, {Key: "key_hash", Value: keyHash}},
		update,
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("xaudit: upsert block: %w", err)
	}
	return nil
}

// Persist 按 identities -> aggregates -> violations -> blocks 的顺序
// 写入整批。
func (s *MongoStore) Persist(ctx context.Context, batch Batch) error {
	if batch.Empty() {
		return nil
	}
	if !s.useTxn {
		return s.persistPhases(ctx, batch)
	}

	sess, err := s.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("xaudit: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, s.persistPhases(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("xaudit: transaction: %w", err)
	}
	return nil
}

func (s *MongoStore) persistPhases(ctx context.Context, batch Batch) error {
	if err := s.EnsureIdentities(ctx, batch.Identities); err != nil {
		return err
	}
	if err := s.UpsertAggregates(ctx, batch.Aggregates); err != nil {
		return err
	}
	if err := s.AppendViolations(ctx, batch.Violations); err != nil {
		return err
	}
	for _, rec := range batch.Blocks {
		if err := s.UpsertBlock(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Close 实现 Store。连接由调用方持有，这里无资源可释放。
func (s *MongoStore) Close(context.Context) error { return nil }
