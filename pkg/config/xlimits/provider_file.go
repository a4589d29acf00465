package xlimits

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/omeyang/gateguard/pkg/guard/xquota"
)

// watchDebounce 编辑器保存往往触发一串 WRITE 事件，合并后只重载一次。
const watchDebounce = 100 * time.Millisecond

// fileConfig 解析后的整份文件配置。
type fileConfig struct {
	global     xquota.GlobalLimits
	enterprise xquota.EnterpriseLimits
	overrides  map[string]xquota.EnterpriseLimits
}

// FileProvider 文件配置源，支持 YAML 与 JSON，按扩展名选择解析器。
//
// 文件结构：
//
//	global:
//	  per_identity_per_minute: 300
//	  burst: 50
//	enterprise:
//	  exports: { per_tenant_per_minute: 600, ... }
//	overrides:
//	  "tenant:acme":
//	    exports: { per_tenant_per_minute: 2000 }
//
// 缺省字段取内置默认值；覆盖条目在企业级限额之上合并，只需写出
// 与企业级不同的字段。Watch 启动后文件变更自动重载，解析失败保留
// 上一份有效配置。
type FileProvider struct {
	path string
	cfg  atomic.Pointer[fileConfig]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ Provider = (*FileProvider)(nil)

// NewFileProvider 创建文件配置源并完成首次装载。
func NewFileProvider(path string) (*FileProvider, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	p := &FileProvider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload 重新读取并解析配置文件。失败时保留当前配置。
func (p *FileProvider) Reload() error {
	cfg, err := loadFile(p.path)
	if err != nil {
		return err
	}
	p.cfg.Store(cfg)
	return nil
}

// LoadGlobal 实现 Provider。
func (p *FileProvider) LoadGlobal(context.Context) (xquota.GlobalLimits, error) {
	return p.cfg.Load().global, nil
}

// LoadEnterprise 实现 Provider。
func (p *FileProvider) LoadEnterprise(_ context.Context, scope Scope) (xquota.EnterpriseLimits, bool, error) {
	cfg := p.cfg.Load()
	if scope.Type == ScopeGlobal {
		return cfg.enterprise, true, nil
	}
	if ent, ok := cfg.overrides[scope.Key]; ok {
		return ent, true, nil
	}
	return xquota.EnterpriseLimits{}, false, nil
}

// Watch 监视配置文件变更并自动重载。onReload 在每次重载后回调，
// 参数为重载结果；nil 回调仅重载。重复调用返回 ErrWatcherRunning。
//
// 监视目录而非文件本身：原子写（写临时文件后 rename）会使文件级
// watch 失效。
func (p *FileProvider) Watch(onReload func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		return ErrWatcherRunning
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("xlimits: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("xlimits: watch %s: %w", filepath.Dir(p.path), err)
	}

	p.watcher = watcher
	p.done = make(chan struct{})
	go p.watchLoop(watcher, p.done, onReload)
	return nil
}

// Close 停止文件监视。未启动监视时为空操作。
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	<-p.done
	p.watcher = nil
	p.done = nil
	return err
}

func (p *FileProvider) watchLoop(watcher *fsnotify.Watcher, done chan struct{}, onReload func(error)) {
	defer close(done)

	base := filepath.Base(p.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			err := p.Reload()
			if onReload != nil {
				onReload(err)
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func loadFile(path string) (*fileConfig, error) {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("xlimits: read config: %w", err)
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), parser); err != nil {
		return nil, fmt.Errorf("xlimits: parse config: %w", err)
	}

	// 预填默认值，Unmarshal 只覆盖文件里出现的字段。
	cfg := &fileConfig{
		global:     xquota.DefaultGlobalLimits(),
		enterprise: xquota.DefaultEnterpriseLimits(),
	}
	if err := k.Unmarshal("global", &cfg.global); err != nil {
		return nil, fmt.Errorf("xlimits: decode global limits: %w", err)
	}
	if err := k.Unmarshal("enterprise", &cfg.enterprise); err != nil {
		return nil, fmt.Errorf("xlimits: decode enterprise limits: %w", err)
	}

	keys := k.MapKeys("overrides")
	if len(keys) > 0 {
		cfg.overrides = make(map[string]xquota.EnterpriseLimits, len(keys))
		for _, key := range keys {
			ent := cfg.enterprise
			if err := k.Unmarshal("overrides."+key, &ent); err != nil {
				return nil, fmt.Errorf("xlimits: decode override %q: %w", key, err)
			}
			cfg.overrides[key] = ent
		}
	}
	return cfg, nil
}
