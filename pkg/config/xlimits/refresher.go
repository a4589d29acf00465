package xlimits

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RefreshMode 刷新调度模式。
type RefreshMode string

const (
	// RefreshFixed 固定间隔刷新，间隔从启动时刻起算。
	RefreshFixed RefreshMode = "fixed"
	// RefreshCalendar 日历刷新，按钟点对齐触发。
	RefreshCalendar RefreshMode = "calendar"
)

const (
	minRefreshInterval = 5 * time.Second
	maxRefreshInterval = 7 * 24 * time.Hour
	defaultRunAt       = "02:00"

	// maxSleep 单次等待上限。日历步长可能跨月，time.Timer 的时长
	// 超过一定范围后精度没有意义，分段睡眠也便于响应 Nudge。
	maxSleep = 31 * 24 * time.Hour
)

// RefreshConfig 刷新调度配置。
type RefreshConfig struct {
	Mode RefreshMode `koanf:"mode" json:"mode"`

	// Interval 固定模式的刷新间隔，强制收敛到 [5s, 7d]。
	Interval time.Duration `koanf:"interval" json:"interval"`
	// Jitter 固定模式在每次间隔上叠加 [0, Jitter) 的随机延迟，
	// 打散多实例同时打到配置源。
	Jitter time.Duration `koanf:"jitter" json:"jitter"`

	// RunAt 日历模式的触发钟点，"HH:MM"，默认 "02:00"。
	RunAt string `koanf:"run_at" json:"run_at"`
	// Months/Days/Hours/Minutes 日历步长，取精度最高的非零项；
	// 全部为零时每天触发一次。
	Months  int `koanf:"months" json:"months"`
	Days    int `koanf:"days" json:"days"`
	Hours   int `koanf:"hours" json:"hours"`
	Minutes int `koanf:"minutes" json:"minutes"`
}

// Refresher 周期刷新器。启动后先立即刷新一次，之后按配置调度。
// 刷新失败只记日志，下个周期照常重试。
type Refresher struct {
	accessor *Accessor
	logger   *slog.Logger

	mu    sync.Mutex
	sched cron.Schedule
	fixed bool
	jit   time.Duration
	nudge chan struct{}
}

// NewRefresher 创建刷新器。
func NewRefresher(accessor *Accessor, cfg RefreshConfig, logger *slog.Logger) (*Refresher, error) {
	if accessor == nil {
		return nil, ErrNilAccessor
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Refresher{
		accessor: accessor,
		logger:   logger,
		nudge:    make(chan struct{}, 1),
	}
	if err := r.SetConfig(cfg); err != nil {
		return nil, err
	}
	// Run 启动时本就先刷新一次，丢掉构造期 SetConfig 留下的唤醒。
	select {
	case <-r.nudge:
	default:
	}
	return r, nil
}

// SetConfig 替换调度配置，下一次等待开始生效。可并发调用。
func (r *Refresher) SetConfig(cfg RefreshConfig) error {
	sched, fixed, jit, err := buildSchedule(cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sched, r.fixed, r.jit = sched, fixed, jit
	r.mu.Unlock()
	r.Nudge()
	return nil
}

// Nudge 请求立即刷新一次。已有待处理请求时为空操作。
func (r *Refresher) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Run 阻塞运行刷新循环直到 ctx 取消。通常放在独立 goroutine 中。
func (r *Refresher) Run(ctx context.Context) {
	r.refresh(ctx)
	for {
		wait := r.nextWait(time.Now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.refresh(ctx)
		case <-r.nudge:
			timer.Stop()
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	if err := r.accessor.Refresh(ctx); err != nil {
		r.logger.Error("limit refresh failed", slog.Any("error", err))
	}
}

func (r *Refresher) nextWait(now time.Time) time.Duration {
	r.mu.Lock()
	sched, fixed, jit := r.sched, r.fixed, r.jit
	r.mu.Unlock()

	wait := sched.Next(now).Sub(now)
	if fixed && jit > 0 {
		wait += time.Duration(rand.Int63n(int64(jit)))
	}
	if wait < 0 {
		wait = 0
	}
	if wait > maxSleep {
		wait = maxSleep
	}
	return wait
}

func buildSchedule(cfg RefreshConfig) (cron.Schedule, bool, time.Duration, error) {
	switch cfg.Mode {
	case RefreshCalendar:
		runAt, err := parseRunAt(cfg.RunAt)
		if err != nil {
			return nil, false, 0, err
		}
		return &calendarSchedule{
			runAt:   runAt,
			months:  cfg.Months,
			days:    cfg.Days,
			hours:   cfg.Hours,
			minutes: cfg.Minutes,
		}, false, 0, nil
	case RefreshFixed, "":
		interval := cfg.Interval
		if interval < minRefreshInterval {
			interval = minRefreshInterval
		}
		if interval > maxRefreshInterval {
			interval = maxRefreshInterval
		}
		return cron.Every(interval), true, cfg.Jitter, nil
	default:
		return nil, false, 0, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

// parseRunAt 解析 "HH:MM" 钟点，空值使用默认 02:00。
func parseRunAt(s string) (time.Duration, error) {
	if s == "" {
		s = defaultRunAt
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("xlimits: parse run_at %q: %w", s, ErrInvalidRunAt)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
