package xblock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/gateguard/pkg/identity/xkey"
)

func testKeys(tenant, client, user, ip string) xkey.Keys {
	mk := func(kind xkey.Kind, raw string) xkey.Key {
		return xkey.Key{Kind: kind, Value: string(kind) + ":" + raw}
	}
	return xkey.Keys{
		Tenant: mk(xkey.KindTenant, tenant),
		Client: mk(xkey.KindClient, client),
		User:   mk(xkey.KindUser, user),
		IP:     mk(xkey.KindIP, ip),
	}
}

func block(t *testing.T, s Store, key xkey.Key, reason string, until time.Time) {
	t.Helper()
	require.NoError(t, s.Upsert(context.Background(), Record{
		Kind:         key.Kind,
		KeyHash:      key.Hash(),
		Reason:       reason,
		BlockedUntil: until,
	}))
}

func TestGateCheckPrecedence(t *testing.T) {
	store := NewMemoryStore()
	g, err := NewGate(store)
	require.NoError(t, err)
	ctx := context.Background()

	keys := testKeys("acme", "c-1", "u-1", "1.2.3.4")
	until := time.Now().Add(time.Hour)

	// 同时封 user 和 ip：IP 先命中
	block(t, store, keys.User, "abuse", until)
	block(t, store, keys.IP, "scanner", until)

	d := g.Check(ctx, keys)
	require.NotNil(t, d)
	assert.Equal(t, xkey.KindIP, d.Kind)
	assert.Equal(t, "blocked_ip", d.Reason)
	assert.Equal(t, "scanner", d.Detail)
	assert.GreaterOrEqual(t, d.RetryAfter, 1)
}

func TestGateCheckSkipsAnonymous(t *testing.T) {
	store := NewMemoryStore()
	g, err := NewGate(store)
	require.NoError(t, err)
	ctx := context.Background()

	// 封禁匿名键本身不应影响任何请求
	anon := xkey.Key{Kind: xkey.KindUser, Value: "user:anonymous"}
	block(t, store, anon, "nonsense", time.Now().Add(time.Hour))

	d := g.Check(ctx, testKeys("acme", "c-1", "anonymous", "1.2.3.4"))
	assert.Nil(t, d)
}

func TestGateCheckExpiredBlock(t *testing.T) {
	store := NewMemoryStore()
	g, err := NewGate(store)
	require.NoError(t, err)

	keys := testKeys("acme", "c-1", "u-1", "1.2.3.4")
	block(t, store, keys.User, "old", time.Now().Add(-time.Minute))

	assert.Nil(t, g.Check(context.Background(), keys))
}

func TestGateCheckRetryAfter(t *testing.T) {
	store := newMemoryStore()
	g, err := NewGate(store)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	store.now = g.now

	keys := testKeys("acme", "c-1", "u-1", "1.2.3.4")
	block(t, store, keys.IP, "", now.Add(90*time.Second+500*time.Millisecond))

	d := g.Check(context.Background(), keys)
	require.NotNil(t, d)
	assert.Equal(t, 91, d.RetryAfter) // 向上取整
}

// brokenStore 查询总是失败。
type brokenStore struct{}

func (brokenStore) Active(context.Context, xkey.Kind, [32]byte) (*Record, error) {
	return nil, errors.New("connection refused")
}
func (brokenStore) Upsert(context.Context, Record) error { return nil }
func (brokenStore) Close() error                         { return nil }

func TestGateFailOpen(t *testing.T) {
	g, err := NewGate(brokenStore{})
	require.NoError(t, err)

	d := g.Check(context.Background(), testKeys("acme", "c-1", "u-1", "1.2.3.4"))
	assert.Nil(t, d)
}

func TestGateFailClosed(t *testing.T) {
	g, err := NewGate(brokenStore{}, WithFailClosed())
	require.NoError(t, err)

	d := g.Check(context.Background(), testKeys("acme", "c-1", "u-1", "1.2.3.4"))
	require.NotNil(t, d)
	assert.Equal(t, "block_store_unavailable", d.Reason)
	assert.Equal(t, failClosedRetryAfter, d.RetryAfter)
}

func TestGateBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	g, err := NewGate(brokenStore{})
	require.NoError(t, err)
	ctx := context.Background()
	keys := testKeys("acme", "c-1", "u-1", "1.2.3.4")

	// 每次 Check 会对 4 个键各查一次，两轮后连续失败数超过阈值
	g.Check(ctx, keys)
	g.Check(ctx, keys)

	// 熔断开启后 lookup 快速失败，fail-open 仍然放行
	d := g.Check(ctx, keys)
	assert.Nil(t, d)
}

func TestGateBlockHelper(t *testing.T) {
	store := NewMemoryStore()
	g, err := NewGate(store)
	require.NoError(t, err)
	ctx := context.Background()

	keys := testKeys("acme", "c-1", "u-1", "1.2.3.4")
	until := time.Now().Add(time.Hour)
	require.NoError(t, g.Block(ctx, keys.Client, "manual", until))

	d := g.Check(ctx, keys)
	require.NotNil(t, d)
	assert.Equal(t, xkey.KindClient, d.Kind)
	assert.Equal(t, "blocked_client", d.Reason)
}

func TestNewGateNilStore(t *testing.T) {
	_, err := NewGate(nil)
	assert.ErrorIs(t, err, ErrNilStore)
}
