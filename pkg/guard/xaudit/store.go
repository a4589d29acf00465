package xaudit

import (
	"context"
	"time"

	"github.com/omeyang/gateguard/pkg/guard/xblock"
	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// violationChunkSize 单次明细写入的最大行数。
const violationChunkSize = 1000

// Identity 审计身份行：摘要 + 脱敏展示值，支撑后续的人工排查。
type Identity struct {
	Kind      xkey.Kind `bson:"kind"`
	KeyHash   string    `bson:"key_hash"`
	Masked    string    `bson:"masked"`
	FirstSeen time.Time `bson:"first_seen"`
}

// AggregateKey 分钟聚合的分组键。
type AggregateKey struct {
	// Window 事件时间截断到分钟（UTC）。
	Window  time.Time
	Policy  string
	Kind    xkey.Kind
	KeyHash string
	Method  string
}

// Aggregate 一个分组键上的增量计数。
type Aggregate struct {
	AggregateKey
	Requests int64
	Rejected int64
}

// Violation 被拒请求的全量明细。
type Violation struct {
	ID         int64     `bson:"_id"`
	Time       time.Time `bson:"time"`
	Policy     string    `bson:"policy"`
	Kind       xkey.Kind `bson:"kind"`
	KeyHash    string    `bson:"key_hash"`
	Method     string    `bson:"method"`
	Path       string    `bson:"path"`
	StatusCode int       `bson:"status_code"`
	Reason     string    `bson:"reason"`
	RetryAfter int       `bson:"retry_after"`

	TraceID       string `bson:"trace_id"`
	CorrelationID string `bson:"correlation_id"`

	TenantID string `bson:"tenant_id"`
	ClientID string `bson:"client_id"`
	UserID   string `bson:"user_id"`
	IP       string `bson:"ip"`
}

// Batch 一次落库的全部内容。
type Batch struct {
	Identities []Identity
	Aggregates []Aggregate
	Violations []Violation
	Blocks     []xblock.Record
}

// Empty 报告批是否为空。
func (b Batch) Empty() bool {
	return len(b.Identities) == 0 && len(b.Aggregates) == 0 &&
		len(b.Violations) == 0 && len(b.Blocks) == 0
}

// Store 审计持久层。
//
// UpsertAggregates 必须做加法合并：同一分组键重复写入时计数累加。
// AppendViolations 按 violationChunkSize 分块写入。
type Store interface {
	EnsureIdentities(ctx context.Context, ids []Identity) error
	UpsertAggregates(ctx context.Context, aggs []Aggregate) error
	AppendViolations(ctx context.Context, vs []Violation) error
	// UpsertBlock 落一条封禁记录，合并语义与 xblock.Store 一致。
	UpsertBlock(ctx context.Context, rec xblock.Record) error
	// Persist 按 identities -> aggregates -> violations -> blocks 的
	// 顺序写入整批，实现支持时在单个事务中完成。
	Persist(ctx context.Context, batch Batch) error
	Close(ctx context.Context) error
}

// chunkViolations 将明细切成不超过 violationChunkSize 的块。
func chunkViolations(vs []Violation) [][]Violation {
	if len(vs) == 0 {
		return nil
	}
	chunks := make([][]Violation, 0, (len(vs)+violationChunkSize-1)/violationChunkSize)
	for len(vs) > violationChunkSize {
		chunks = append(chunks, vs[:violationChunkSize])
		vs = vs[violationChunkSize:]
	}
	return append(chunks, vs)
}
