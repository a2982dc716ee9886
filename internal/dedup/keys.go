package dedup

import (
	"fmt"
	"time"

	"github.com/jongwoo108/yak-sok/internal/models"
)

// Granularity 去重键粒度
type Granularity string

const (
	// GranularitySlot 用户 + 本地日期 + 时间段（默认）
	GranularitySlot Granularity = "slot"
	// GranularityMinute 用户 + 本地日期 + 预定时刻 HH:MM
	GranularityMinute Granularity = "minute"
)

const (
	reminderNamespace   = "reminder_sent"
	escalationNamespace = "safety_alert_sent"
)

// KeyPolicy 构造提醒 / 升级两个独立命名空间的去重键
type KeyPolicy struct {
	Prefix      string
	Granularity Granularity
	Location    *time.Location
}

// NewKeyPolicy 创建键策略；未知粒度按 slot 处理
func NewKeyPolicy(prefix, granularity string, loc *time.Location) KeyPolicy {
	g := Granularity(granularity)
	if g != GranularityMinute {
		g = GranularitySlot
	}
	if loc == nil {
		loc = time.UTC
	}
	return KeyPolicy{Prefix: prefix, Granularity: g, Location: loc}
}

// ReminderKey reminder_sent:{user}:{date}:{slot}
func (p KeyPolicy) ReminderKey(userID int64, dueAt time.Time, slot models.TimeSlot) string {
	return p.build(reminderNamespace, userID, dueAt, slot)
}

// EscalationKey safety_alert_sent:{user}:{date}:{slot}
func (p KeyPolicy) EscalationKey(userID int64, dueAt time.Time, slot models.TimeSlot) string {
	return p.build(escalationNamespace, userID, dueAt, slot)
}

func (p KeyPolicy) build(ns string, userID int64, dueAt time.Time, slot models.TimeSlot) string {
	local := dueAt.In(p.Location)
	bucket := string(slot)
	if p.Granularity == GranularityMinute {
		bucket = local.Format("15:04")
	}
	return fmt.Sprintf("%s%s:%d:%s:%s", p.Prefix, ns, userID, local.Format("2006-01-02"), bucket)
}
