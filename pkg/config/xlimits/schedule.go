package xlimits

import (
	"time"

	"github.com/robfig/cron/v3"
)

// calendarSchedule 按日历周期触发的调度：以某个钟点为锚，按固定的
// 月/日/时/分步长向后推进。与 cron.Every 的区别在于触发时刻对齐到
// 钟点而不是启动时刻，进程重启不会漂移。
type calendarSchedule struct {
	runAt   time.Duration // 当天零点起算的触发钟点
	months  int
	days    int
	hours   int
	minutes int
}

var _ cron.Schedule = (*calendarSchedule)(nil)

// Next 实现 cron.Schedule。从 t 当天的触发钟点开始，按步长推进到
// 第一个严格晚于 t 的时刻。
func (s *calendarSchedule) Next(t time.Time) time.Time {
	anchor := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).Add(s.runAt)
	for !anchor.After(t) {
		anchor = s.advance(anchor)
	}
	return anchor
}

// advance 按步长精度从高到低取第一个非零项推进，全部为零时按天推进。
func (s *calendarSchedule) advance(t time.Time) time.Time {
	switch {
	case s.months > 0:
		return t.AddDate(0, s.months, 0)
	case s.days > 0:
		return t.AddDate(0, 0, s.days)
	case s.hours > 0:
		return t.Add(time.Duration(s.hours) * time.Hour)
	case s.minutes > 0:
		return t.Add(time.Duration(s.minutes) * time.Minute)
	default:
		return t.AddDate(0, 0, 1)
	}
}
