package xrevoke

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCapacity = 100_000

	// memoryMaxTTL LRU 层面的兜底过期。单条标记的精确过期由
	// 存入的 expiresAt 控制，LRU TTL 只负责最终回收内存。
	memoryMaxTTL = 24 * time.Hour
)

// memoryStore 进程内撤销存储。容量满时按 LRU 淘汰，淘汰掉的撤销
// 标记会"复活"对应令牌，因此只适合单实例部署与测试。
type memoryStore struct {
	mu      sync.Mutex
	revoked *expirable.LRU[string, time.Time]
	seen    *expirable.LRU[string, time.Time]

	now func() time.Time
}

var _ Store = (*memoryStore)(nil)

// MemoryStoreOption 内存存储选项。
type MemoryStoreOption func(*memoryStore)

// WithCapacity 设置每类标记的容量上限，默认 100000。
func WithCapacity(n int) MemoryStoreOption {
	return func(s *memoryStore) {
		if n > 0 {
			s.revoked = expirable.NewLRU[string, time.Time](n, nil, memoryMaxTTL)
			s.seen = expirable.NewLRU[string, time.Time](n, nil, memoryMaxTTL)
		}
	}
}

// withNow 测试注入时钟。
func withNow(now func() time.Time) MemoryStoreOption {
	return func(s *memoryStore) { s.now = now }
}

// NewMemoryStore 创建内存撤销存储。
func NewMemoryStore(opts ...MemoryStoreOption) Store {
	s := &memoryStore{
		revoked: expirable.NewLRU[string, time.Time](defaultCapacity, nil, memoryMaxTTL),
		seen:    expirable.NewLRU[string, time.Time](defaultCapacity, nil, memoryMaxTTL),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Revoke 实现 Store。
func (s *memoryStore) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	if err := validate(jti, ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt := s.now().Add(ttl)
	// 已有更晚的撤销标记时保留原值。
	if cur, ok := s.revoked.Get(jti); ok && cur.After(expiresAt) {
		return nil
	}
	s.revoked.Add(jti, expiresAt)
	return nil
}

// IsRevoked 实现 Store。
func (s *memoryStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, ErrEmptyJTI
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.revoked.Get(jti)
	return ok && s.now().Before(expiresAt), nil
}

// TryMarkSeen 实现 Store。
func (s *memoryStore) TryMarkSeen(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	if err := validate(jti, ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiresAt, ok := s.seen.Get(jti); ok && s.now().Before(expiresAt) {
		return false, nil
	}
	s.seen.Add(jti, s.now().Add(ttl))
	return true, nil
}
