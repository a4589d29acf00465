package xblock

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// upsertScript 原子合并封禁记录。
// KEYS[1] 记录键；ARGV[1] 新记录 JSON；ARGV[2] 当前 unix 秒。
// 合并规则：blockedUntil 取大、空 reason 保留旧值、createdAt 不变，
// TTL 设到 blockedUntil，已过期的写入直接丢弃。
var upsertScript = redis.NewScript(`
local new = cjson.decode(ARGV[1])
local cur = redis.call('GET', KEYS[1])
if cur then
    local old = cjson.decode(cur)
    if old.blockedUntil > new.blockedUntil then
        new.blockedUntil = old.blockedUntil
    end
    if new.reason == '' then
        new.reason = old.reason
    end
    new.createdAt = old.createdAt
end
local ttl = new.blockedUntil - tonumber(ARGV[2])
if ttl <= 0 then
    return 0
end
redis.call('SET', KEYS[1], cjson.encode(new), 'EX', ttl)
return 1
`)

// redisRecord Redis 中的记录形态。时间用 unix 秒，便于脚本内比较。
type redisRecord struct {
	Kind         string `json:"kind"`
	KeyHash      string `json:"keyHash"`
	Reason       string `json:"reason"`
	BlockedUntil int64  `json:"blockedUntil"`
	CreatedAt    int64  `json:"createdAt"`
}

// redisStore 基于 Redis 的封禁存储，多实例共享。
// 记录随封禁到期自动过期，读路径无需清理。
type redisStore struct {
	client redis.UniversalClient
	prefix string

	now func() time.Time
}

var _ Store = (*redisStore)(nil)

// RedisStoreOption Redis 存储选项。
type RedisStoreOption func(*redisStore)

// WithRedisKeyPrefix 覆盖键前缀，默认 "gateguard:block"。
func WithRedisKeyPrefix(prefix string) RedisStoreOption {
	return func(s *redisStore) { s.prefix = prefix }
}

// NewRedisStore 创建 Redis 封禁存储。client 生命周期由调用方管理。
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) (Store, error) {
	if client == nil {
		return nil, ErrNilRedisClient
	}
	s := &redisStore{
		client: client,
		prefix: "gateguard:block",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *redisStore) Active(ctx context.Context, kind xkey.Kind, hash [32]byte) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(kind, hash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xblock: redis get: %w", err)
	}

	var rr redisRecord
	if err := json.Unmarshal([]byte(raw), &rr); err != nil {
		return nil, fmt.Errorf("xblock: decode record: %w", err)
	}

	rec := rr.toRecord()
	if !rec.Active(s.now().UTC()) {
		return nil, nil
	}
	return rec, nil
}

func (s *redisStore) Upsert(ctx context.Context, rec Record) error {
	if rec.Kind == "" || rec.BlockedUntil.IsZero() {
		return ErrInvalidRecord
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	payload, err := json.Marshal(redisRecord{
		Kind:         string(rec.Kind),
		KeyHash:      hex.EncodeToString(rec.KeyHash[:]),
		Reason:       rec.Reason,
		BlockedUntil: rec.BlockedUntil.UTC().Unix(),
		CreatedAt:    createdAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("xblock: encode record: %w", err)
	}

	err = upsertScript.Run(ctx, s.client,
		[]string{s.key(rec.Kind, rec.KeyHash)},
		string(payload), s.now().UTC().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("xblock: redis upsert: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error { return nil }

func (s *redisStore) key(kind xkey.Kind, hash [32]byte) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, kind, hex.EncodeToString(hash[:]))
}

func (rr redisRecord) toRecord() *Record {
	rec := &Record{
		Kind:         xkey.Kind(rr.Kind),
		Reason:       rr.Reason,
		BlockedUntil: time.Unix(rr.BlockedUntil, 0).UTC(),
		CreatedAt:    time.Unix(rr.CreatedAt, 0).UTC(),
	}
	if b, err := hex.DecodeString(rr.KeyHash); err == nil && len(b) == 32 {
		copy(rec.KeyHash[:], b)
	}
	return rec
}
