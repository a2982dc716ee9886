// Package policy 根据一次服药计划计算提醒时间、升级时间和推送文案。
// 纯函数，无副作用，同一输入总是得到同一输出。
package policy

import (
	"fmt"
	"time"

	"github.com/jongwoo108/yak-sok/internal/models"
)

// DefaultThresholdMinutes 非重症药物的默认升级阈值
const DefaultThresholdMinutes = 30

// Copy 推送标题与正文
type Copy struct {
	Title string
	Body  string
}

// 时间段提醒文案
var reminderCopy = map[models.TimeSlot]Copy{
	models.SlotMorning: {Title: "복약 알림", Body: "좋은 아침이에요! 아침약 드실 시간이에요."},
	models.SlotNoon:    {Title: "복약 알림", Body: "점심약 드실 시간이에요."},
	models.SlotEvening: {Title: "복약 알림", Body: "저녁약 드실 시간이에요."},
	models.SlotNight:   {Title: "복약 알림", Body: "주무시기 전 약 드셨나요?"},
	models.SlotCustom:  {Title: "복약 알림", Body: "약 드실 시간이에요."},
}

// ReminderCopy 返回时间段对应的提醒文案，未知时间段按 custom 处理
func ReminderCopy(slot models.TimeSlot) Copy {
	if c, ok := reminderCopy[slot]; ok {
		return c
	}
	return reminderCopy[models.SlotCustom]
}

// GuardianTitle 监护人收到的升级标题
func GuardianTitle(seniorName string) string {
	return fmt.Sprintf("[긴급] %s님 미복약 알림", seniorName)
}

// Plan 一次服药的提醒 / 升级计划
type Plan struct {
	ReminderAt     time.Time
	EscalationAt   time.Time
	EscalationType models.AlertType
	Reminder       Copy
	Title          string
	Message        string
}

// Policy 升级策略
type Policy struct {
	threshold time.Duration
}

// New 创建策略；thresholdMinutes <= 0 时使用默认值
func New(thresholdMinutes int) *Policy {
	if thresholdMinutes <= 0 {
		thresholdMinutes = DefaultThresholdMinutes
	}
	return &Policy{threshold: time.Duration(thresholdMinutes) * time.Minute}
}

// Threshold 非重症升级延迟
func (p *Policy) Threshold() time.Duration {
	return p.threshold
}

// Plan 计算提醒与升级时间
// 重症：升级与提醒同时发生（0 延迟），类型 EMERGENCY
// 非重症：due + threshold，类型 WARNING
func (p *Policy) Plan(dose *models.DoseOccurrence) Plan {
	plan := Plan{
		ReminderAt: dose.DueAt,
		Reminder:   ReminderCopy(dose.TimeSlot),
	}

	if dose.Severe {
		plan.EscalationAt = dose.DueAt
		plan.EscalationType = models.AlertEmergency
		plan.Title = "[긴급/중증] 미복약 알림"
		plan.Message = fmt.Sprintf("중증 질환 약(%s)의 복용 시간이 되었습니다. 즉시 확인이 필요합니다.", dose.MedicationName)
		return plan
	}

	minutes := int(p.threshold / time.Minute)
	plan.EscalationAt = dose.DueAt.Add(p.threshold)
	plan.EscalationType = models.AlertWarning
	plan.Title = "미복약 알림"
	plan.Message = fmt.Sprintf("%s 복용 시간이 %d분 경과했습니다.", dose.MedicationName, minutes)
	return plan
}
