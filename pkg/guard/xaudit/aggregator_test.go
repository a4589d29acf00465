package xaudit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/gateguard/pkg/guard/xblock"
	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

// runAggregator 后台运行聚合器，返回停止函数。
func runAggregator(t *testing.T, a *Aggregator) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("aggregator did not stop")
		}
	}
}

func eventAt(when time.Time, policy string, key string, rejected bool) Event {
	return Event{
		Time: when, Policy: policy, Kind: xkey.KindUser, Key: key,
		Method: "GET", Path: "/exports", Rejected: rejected,
	}
}

func TestNewAggregatorValidation(t *testing.T) {
	store := NewMemoryStore()
	rec, err := NewRecorder()
	require.NoError(t, err)

	_, err = NewAggregator(nil, store)
	assert.ErrorIs(t, err, ErrNilRecorder)
	_, err = NewAggregator(rec, nil)
	assert.ErrorIs(t, err, ErrNilStore)
	_, err = NewAggregator(rec, store, WithBatchSize(-1))
	assert.ErrorIs(t, err, ErrInvalidBatchSize)
}

func TestAggregatorGroupsByMinuteWindow(t *testing.T) {
	store := NewMemoryStore()
	rec, err := NewRecorder(WithCapacity(64))
	require.NoError(t, err)
	a, err := NewAggregator(rec, store)
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 34, 10, 0, time.UTC)
	// 同一分钟内 4 次（1 次被拒），下一分钟 1 次
	for i := 0; i < 3; i++ {
		rec.TryRecord(eventAt(base.Add(time.Duration(i)*time.Second), "exports-user", "user:u-1", false))
	}
	rec.TryRecord(eventAt(base.Add(40*time.Second), "exports-user", "user:u-1", true))
	rec.TryRecord(eventAt(base.Add(70*time.Second), "exports-user", "user:u-1", false))

	stop := runAggregator(t, a)
	require.Eventually(t, func() bool {
		return len(store.Violations()) == 1 && len(store.Aggregates()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	stop()

	var total, rejected int64
	for _, agg := range store.Aggregates() {
		total += agg.Requests
		rejected += agg.Rejected
		assert.LessOrEqual(t, agg.Rejected, agg.Requests)
		assert.Equal(t, agg.Window, agg.Window.Truncate(time.Minute))
	}
	// 事件总数守恒
	assert.Equal(t, int64(5), total)
	assert.Equal(t, int64(1), rejected)

	vs := store.Violations()
	require.Len(t, vs, 1)
	assert.NotZero(t, vs[0].ID)
	assert.Equal(t, "exports-user", vs[0].Policy)
}

func TestViolationCarriesTraceContext(t *testing.T) {
	store := NewMemoryStore()
	rec, err := NewRecorder(WithCapacity(8))
	require.NoError(t, err)
	a, err := NewAggregator(rec, store)
	require.NoError(t, err)

	ev := eventAt(time.Now().UTC(), "global", "user:u-1", true)
	ev.TraceID = "trace-4711"
	ev.CorrelationID = "corr-4711"
	rec.TryRecord(ev)

	stop := runAggregator(t, a)
	require.Eventually(t, func() bool {
		return len(store.Violations()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	stop()

	v := store.Violations()[0]
	assert.Equal(t, "trace-4711", v.TraceID)
	assert.Equal(t, "corr-4711", v.CorrelationID)
}

func TestAggregatorDeduplicatesIdentities(t *testing.T) {
	store := NewMemoryStore()
	rec, err := NewRecorder(WithCapacity(64))
	require.NoError(t, err)
	a, err := NewAggregator(rec, store)
	require.NoError(t, err)

	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		rec.TryRecord(eventAt(base, "global", "user:u-1", false))
	}

	stop := runAggregator(t, a)
	require.Eventually(t, func() bool {
		return len(store.Identities()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	stop()

	ids := store.Identities()
	require.Len(t, ids, 1)
	assert.Equal(t, xkey.KindUser, ids[0].Kind)
	assert.Equal(t, hashOf("user:u-1"), ids[0].KeyHash)
}

func TestAggregatorFinalFlushOnShutdown(t *testing.T) {
	store := NewMemoryStore()
	rec, err := NewRecorder(WithCapacity(256))
	require.NoError(t, err)
	a, err := NewAggregator(rec, store)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Run 进入即停机

	base := time.Now().UTC()
	for i := 0; i < 100; i++ {
		rec.TryRecord(eventAt(base, "global", "user:u-1", false))
	}

	err = a.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	var total int64
	for _, agg := range store.Aggregates() {
		total += agg.Requests
	}
	assert.Equal(t, int64(100), total, "buffered events must be flushed on shutdown")
}

// flakyStore 前 failures 次 Persist 失败，之后交给内层存储。
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) Persist(ctx context.Context, batch Batch) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("persist failed")
	}
	return s.MemoryStore.Persist(ctx, batch)
}

func TestAggregatorDiscardsFailedBatchAndContinues(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	rec, err := NewRecorder(WithCapacity(64))
	require.NoError(t, err)
	a, err := NewAggregator(rec, store, WithBatchSize(1))
	require.NoError(t, err)

	stop := runAggregator(t, a)
	base := time.Now().UTC()
	rec.TryRecord(eventAt(base, "global", "user:lost", false))

	// 等第一批失败被消费后再发第二批
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.calls >= 1
	}, 3*time.Second, 10*time.Millisecond)

	rec.TryRecord(eventAt(base, "global", "user:kept", false))
	require.Eventually(t, func() bool {
		return len(store.Aggregates()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	stop()

	// 失败批被丢弃，只有第二批落库
	aggs := store.Aggregates()
	require.Len(t, aggs, 1)
	assert.Equal(t, hashOf("user:kept"), aggs[0].KeyHash)
}

func TestChunkViolations(t *testing.T) {
	assert.Nil(t, chunkViolations(nil))

	vs := make([]Violation, 2500)
	chunks := chunkViolations(vs)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 1000)
	assert.Len(t, chunks[1], 1000)
	assert.Len(t, chunks[2], 500)
}

func TestPersistUpsertsBlocks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var hash [32]byte
	hash[0] = 0x47

	later := time.Now().Add(time.Hour).UTC()
	require.NoError(t, store.Persist(ctx, Batch{Blocks: []xblock.Record{{
		Kind:         xkey.KindIP,
		KeyHash:      hash,
		Reason:       "abuse report 4711",
		BlockedUntil: later,
	}}}))

	// 更短的封禁不缩短已有记录，空 reason 保留旧值
	require.NoError(t, store.Persist(ctx, Batch{Blocks: []xblock.Record{{
		Kind:         xkey.KindIP,
		KeyHash:      hash,
		BlockedUntil: time.Now().Add(time.Minute).UTC(),
	}}}))

	rec, err := store.Blocks().Active(ctx, xkey.KindIP, hash)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, later, rec.BlockedUntil)
	assert.Equal(t, "abuse report 4711", rec.Reason)
}

func TestMemoryStoreAdditiveMerge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	key := AggregateKey{
		Window: time.Now().Truncate(time.Minute), Policy: "global",
		Kind: xkey.KindUser, KeyHash: "abc", Method: "GET",
	}
	require.NoError(t, store.UpsertAggregates(ctx, []Aggregate{{AggregateKey: key, Requests: 3, Rejected: 1}}))
	require.NoError(t, store.UpsertAggregates(ctx, []Aggregate{{AggregateKey: key, Requests: 2, Rejected: 0}}))

	aggs := store.Aggregates()
	require.Len(t, aggs, 1)
	assert.Equal(t, int64(5), aggs[0].Requests)
	assert.Equal(t, int64(1), aggs[0].Rejected)
}
