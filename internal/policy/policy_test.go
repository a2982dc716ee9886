package policy

import (
	"testing"
	"time"

	"github.com/jongwoo108/yak-sok/internal/models"
	"github.com/stretchr/testify/assert"
)

func testDose(severe bool) *models.DoseOccurrence {
	return &models.DoseOccurrence{
		ID:             1,
		UserID:         10,
		MedicationName: "아모디핀",
		DueAt:          time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		TimeSlot:       models.SlotMorning,
		Status:         models.DosePending,
		Severe:         severe,
	}
}

func TestPlan_NonSevere(t *testing.T) {
	p := New(30)
	dose := testDose(false)

	plan := p.Plan(dose)

	assert.Equal(t, dose.DueAt, plan.ReminderAt)
	assert.Equal(t, dose.DueAt.Add(30*time.Minute), plan.EscalationAt)
	assert.Equal(t, models.AlertWarning, plan.EscalationType)
	assert.Equal(t, "미복약 알림", plan.Title)
	assert.Equal(t, "아모디핀 복용 시간이 30분 경과했습니다.", plan.Message)
	assert.Equal(t, "좋은 아침이에요! 아침약 드실 시간이에요.", plan.Reminder.Body)
}

func TestPlan_Severe(t *testing.T) {
	p := New(30)
	dose := testDose(true)

	plan := p.Plan(dose)

	assert.Equal(t, dose.DueAt, plan.ReminderAt)
	assert.Equal(t, dose.DueAt, plan.EscalationAt)
	assert.Equal(t, models.AlertEmergency, plan.EscalationType)
	assert.Contains(t, plan.Title, "[긴급/중증]")
	assert.Contains(t, plan.Message, "중증 질환 약(아모디핀)")
	assert.Contains(t, plan.Message, "즉시 확인")
}

func TestNew_DefaultThreshold(t *testing.T) {
	assert.Equal(t, 30*time.Minute, New(0).Threshold())
	assert.Equal(t, 30*time.Minute, New(-5).Threshold())
	assert.Equal(t, 45*time.Minute, New(45).Threshold())
}

func TestReminderCopy_PerSlot(t *testing.T) {
	slots := []models.TimeSlot{models.SlotMorning, models.SlotNoon, models.SlotEvening, models.SlotNight, models.SlotCustom}
	seen := map[string]bool{}
	for _, s := range slots {
		c := ReminderCopy(s)
		assert.Equal(t, "복약 알림", c.Title)
		assert.False(t, seen[c.Body], "slot %s reuses copy", s)
		seen[c.Body] = true
	}

	assert.Equal(t, ReminderCopy(models.SlotCustom), ReminderCopy("brunch"))
}

func TestGuardianTitle(t *testing.T) {
	assert.Equal(t, "[긴급] 영희님 미복약 알림", GuardianTitle("영희"))
}
