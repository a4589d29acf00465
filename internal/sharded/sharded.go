// Package sharded 提供按键分片的互斥 map。
//
// 限流后端需要对每个分区键做读-改-写，全局锁在高并发下会成为瓶颈。
// 此包使用 xxhash 将键散列到固定数量的分片上，每个分片独立加锁，
// 不同分片之间的操作互不阻塞。
package sharded

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// shardCount 分片数量。
// 设计决策: 固定为 64 而非按 GOMAXPROCS 动态计算，保证行为可预测，
// 且 64 个分片对进程内限流的键基数已经足够分散。
const shardCount = 64

// Map 分片互斥 map。零值不可用，必须通过 NewMap 创建。
type Map[V any] struct {
	shards [shardCount]shard[V]
}

type shard[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

// NewMap 创建分片 map。
func NewMap[V any]() *Map[V] {
	sm := &Map[V]{}
	for i := range sm.shards {
		sm.shards[i].m = make(map[string]V)
	}
	return sm
}

// Do 在持有 key 所属分片锁的情况下执行 fn。
// fn 收到的 map 是该分片的底层存储，可以直接读写 key 对应的条目。
// fn 内不得再调用同一 Map 的其他方法，否则会死锁。
func (sm *Map[V]) Do(key string, fn func(m map[string]V)) {
	s := &sm.shards[xxhash.Sum64String(key)%shardCount]
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.m)
}

// Delete 删除 key 对应的条目。
func (sm *Map[V]) Delete(key string) {
	sm.Do(key, func(m map[string]V) {
		delete(m, key)
	})
}

// Len 返回所有分片的条目总数。仅用于观测，结果是瞬时快照。
func (sm *Map[V]) Len() int {
	n := 0
	for i := range sm.shards {
		s := &sm.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// Range 依次对每个分片加锁并遍历其条目。fn 返回 false 时停止遍历。
// 遍历期间其他分片仍可并发访问。
func (sm *Map[V]) Range(fn func(key string, value V) bool) {
	for i := range sm.shards {
		s := &sm.shards[i]
		s.mu.Lock()
		for k, v := range s.m {
			if !fn(k, v) {
				s.mu.Unlock()
				return
			}
		}
		s.mu.Unlock()
	}
}
