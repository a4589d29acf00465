package xlimits

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/gateguard/pkg/guard/xquota"
)

const limitsYAML = `
global:
  per_identity_per_minute: 1200
enterprise:
  exports:
    per_tenant_per_minute: 2000
overrides:
  "tenant:acme":
    search:
      per_user_per_minute: 10
  "client:batch-runner":
    exports:
      per_client_per_minute: 5000
`

func writeLimitsFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileProviderValidation(t *testing.T) {
	_, err := NewFileProvider("")
	assert.ErrorIs(t, err, ErrEmptyPath)

	_, err = NewFileProvider(writeLimitsFile(t, "limits.toml", "x = 1"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = NewFileProvider(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = NewFileProvider(writeLimitsFile(t, "limits.yaml", "global: [not, a, map]"))
	assert.Error(t, err)
}

func TestFileProviderMergesOverDefaults(t *testing.T) {
	p, err := NewFileProvider(writeLimitsFile(t, "limits.yaml", limitsYAML))
	require.NoError(t, err)

	ctx := context.Background()
	global, err := p.LoadGlobal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1200, global.PerIdentityPerMinute)
	// 文件未写 burst，沿用内置默认。
	assert.Equal(t, xquota.DefaultGlobalLimits().Burst, global.Burst)

	ent, found, err := p.LoadEnterprise(ctx, GlobalScope)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2000, ent.Exports.PerTenantPerMinute)
	assert.Equal(t, xquota.DefaultEnterpriseLimits().Search, ent.Search)
}

func TestFileProviderOverrides(t *testing.T) {
	p, err := NewFileProvider(writeLimitsFile(t, "limits.yaml", limitsYAML))
	require.NoError(t, err)

	ctx := context.Background()

	ent, found, err := p.LoadEnterprise(ctx, Scope{Type: ScopeTenant, Key: "tenant:acme"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 10, ent.Search.PerUserPerMinute)
	// 覆盖在企业级限额之上合并，未覆盖的条目跟随企业级。
	assert.Equal(t, 2000, ent.Exports.PerTenantPerMinute)

	ent, found, err = p.LoadEnterprise(ctx, Scope{Type: ScopeClient, Key: "client:batch-runner"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5000, ent.Exports.PerClientPerMinute)

	_, found, err = p.LoadEnterprise(ctx, Scope{Type: ScopeTenant, Key: "tenant:other"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileProviderJSON(t *testing.T) {
	p, err := NewFileProvider(writeLimitsFile(t, "limits.json",
		`{"global": {"burst": 99}}`))
	require.NoError(t, err)

	global, err := p.LoadGlobal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 99, global.Burst)
}

func TestFileProviderWatchReload(t *testing.T) {
	path := writeLimitsFile(t, "limits.yaml", "global:\n  burst: 10\n")
	p, err := NewFileProvider(path)
	require.NoError(t, err)

	reloaded := make(chan error, 8)
	require.NoError(t, p.Watch(func(err error) { reloaded <- err }))
	defer p.Close()

	assert.ErrorIs(t, p.Watch(nil), ErrWatcherRunning)

	require.NoError(t, os.WriteFile(path, []byte("global:\n  burst: 20\n"), 0o600))

	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback not invoked")
	}

	global, err := p.LoadGlobal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, global.Burst)
}

func TestFileProviderReloadFailureKeepsConfig(t *testing.T) {
	path := writeLimitsFile(t, "limits.yaml", "global:\n  burst: 10\n")
	p, err := NewFileProvider(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("global: [unclosed"), 0o600))
	require.Error(t, p.Reload())

	global, err := p.LoadGlobal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, global.Burst)
}
