package xaudit

import (
	"context"
	"sync"

	"github.com/omeyang/gateguard/pkg/guard/xblock"
)

// MemoryStore 进程内审计存储，用于测试与单实例部署。
// Persist 顺序执行四个阶段，不提供事务语义。
type MemoryStore struct {
	mu         sync.Mutex
	identities map[string]Identity
	aggs       map[AggregateKey]Aggregate
	violations []Violation
	blocks     xblock.Store
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建进程内审计存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]Identity),
		aggs:       make(map[AggregateKey]Aggregate),
		blocks:     xblock.NewMemoryStore(),
	}
}

func (s *MemoryStore) EnsureIdentities(_ context.Context, ids []Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		k := string(id.Kind) + id.KeyHash
		if _, ok := s.identities[k]; !ok {
			s.identities[k] = id
		}
	}
	return nil
}

func (s *MemoryStore) UpsertAggregates(_ context.Context, aggs []Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agg := range aggs {
		cur := s.aggs[agg.AggregateKey]
		cur.AggregateKey = agg.AggregateKey
		cur.Requests += agg.Requests
		cur.Rejected += agg.Rejected
		s.aggs[agg.AggregateKey] = cur
	}
	return nil
}

func (s *MemoryStore) AppendViolations(_ context.Context, vs []Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chunk := range chunkViolations(vs) {
		s.violations = append(s.violations, chunk...)
	}
	return nil
}

func (s *MemoryStore) UpsertBlock(ctx context.Context, rec xblock.Record) error {
	return s.blocks.Upsert(ctx, rec)
}

func (s *MemoryStore) Persist(ctx context.Context, batch Batch) error {
	if batch.Empty() {
		return nil
	}
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

func (s *MemoryStore) Close(context.Context) error { return nil }

// Aggregates 返回当前聚合快照。
func (s *MemoryStore) Aggregates() []Aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Aggregate, 0, len(s.aggs))
	for _, agg := range s.aggs {
		out = append(out, agg)
	}
	return out
}

// Violations 返回当前明细快照。
func (s *MemoryStore) Violations() []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Violation, len(s.violations))
	copy(out, s.violations)
	return out
}

// Identities 返回当前身份行快照。
func (s *MemoryStore) Identities() []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Identity, 0, len(s.identities))
	for _, id := range s.identities {
		out = append(out, id)
	}
	return out
}

// Blocks 返回底层封禁存储。
func (s *MemoryStore) Blocks() xblock.Store { return s.blocks }
