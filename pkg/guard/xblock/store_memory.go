package xblock

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// memoryStore 进程内封禁存储，用于测试与单实例部署。
type memoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record

	now func() time.Time
}

var _ Store = (*memoryStore)(nil)

// NewMemoryStore 创建进程内封禁存储。
func NewMemoryStore() Store {
	return newMemoryStore()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		recs: make(map[string]Record),
		now:  time.Now,
	}
}

func (s *memoryStore) Active(_ context.Context, kind xkey.Kind, hash [32]byte) (*Record, error) {
	id := storeKey(kind, hash)

	s.mu.RLock()
	rec, ok := s.recs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if !rec.BlockedUntil.After(s.now().UTC()) {
		// 惰性清理过期记录
		s.mu.Lock()
		if cur, ok := s.recs[id]; ok && !cur.BlockedUntil.After(s.now().UTC()) {
			delete(s.recs, id)
		}
		s.mu.Unlock()
		return nil, nil
	}
	return &rec, nil
}

func (s *memoryStore) Upsert(_ context.Context, rec Record) error {
	if rec.Kind == "" || rec.BlockedUntil.IsZero() {
		return ErrInvalidRecord
	}
	id := storeKey(rec.Kind, rec.KeyHash)

	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.recs[id]
	if exists {
		if old.BlockedUntil.After(rec.BlockedUntil) {
			rec.BlockedUntil = old.BlockedUntil
		}
		if rec.Reason == "" {
			rec.Reason = old.Reason
		}
		rec.CreatedAt = old.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	s.recs[id] = rec
	return nil
}

func (s *memoryStore) Close() error { return nil }

func storeKey(kind xkey.Kind, hash [32]byte) string {
	return string(kind) + ":" + hex.EncodeToString(hash[:])
}
