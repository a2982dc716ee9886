package safetyline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jongwoo108/yak-sok/internal/models"
	"github.com/jongwoo108/yak-sok/internal/scheduler"
)

func TestPlanDose_NonSevere(t *testing.T) {
	env := newTestEnv(t, newDose(7, "혈압약", false))

	alertID := planAndGetAlert(t, env, 7)

	reminders := env.scheduler.ofKind(scheduler.KindReminder)
	require.Len(t, reminders, 1)
	assert.True(t, reminders[0].runAt.Equal(dueAt))
	assert.Equal(t, int64(7), reminders[0].payloadID)

	escalations := env.scheduler.ofKind(scheduler.KindEscalation)
	require.Len(t, escalations, 1)
	assert.True(t, escalations[0].runAt.Equal(dueAt.Add(30*time.Minute)))
	assert.Equal(t, alertID, escalations[0].payloadID)

	alert, err := env.alerts.Get(context.Background(), alertID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertPending, alert.Status)
	assert.Equal(t, models.AlertWarning, alert.AlertType)
	assert.Equal(t, "미복약 알림", alert.Title)
	assert.Equal(t, "혈압약 복용 시간이 30분 경과했습니다.", alert.Message)
	require.NotNil(t, alert.TaskHandle)
	assert.Equal(t, escalations[0].handle, *alert.TaskHandle)

	handle := env.doses.handle(7)
	require.NotNil(t, handle)
	assert.Equal(t, escalations[0].handle, *handle)
}

func TestPlanDose_Severe(t *testing.T) {
	env := newTestEnv(t, newDose(7, "항응고제", true))

	alertID := planAndGetAlert(t, env, 7)

	escalations := env.scheduler.ofKind(scheduler.KindEscalation)
	require.Len(t, escalations, 1)
	assert.True(t, escalations[0].runAt.Equal(dueAt))

	alert, err := env.alerts.Get(context.Background(), alertID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertEmergency, alert.AlertType)
	assert.Equal(t, "[긴급/중증] 미복약 알림", alert.Title)
	assert.Contains(t, alert.Message, "항응고제")
}

func TestPlanDose_NotFound(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.engine.PlanDose(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, result.Status)
	assert.Empty(t, env.scheduler.scheduled())
}

func TestPlanDose_NotPending(t *testing.T) {
	dose := newDose(7, "혈압약", false)
	dose.Status = models.DoseTaken
	env := newTestEnv(t, dose)

	result, err := env.engine.PlanDose(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Status)
	assert.Equal(t, ReasonNotPending, result.Reason)
	assert.Empty(t, env.scheduler.scheduled())
}

func TestPlanDose_TransientScheduleFailureRetried(t *testing.T) {
	env := newTestEnv(t, newDose(7, "혈압약", false))
	env.scheduler.failKind = scheduler.KindEscalation
	env.scheduler.failTimes = 2

	alertID := planAndGetAlert(t, env, 7)

	assert.Len(t, env.scheduler.ofKind(scheduler.KindEscalation), 1)
	assert.Equal(t, 4, env.scheduler.attempts)
	assert.Equal(t, models.AlertPending, env.alerts.status(alertID))
}

func TestPlanDose_EscalationScheduleExhausted(t *testing.T) {
	env := newTestEnv(t, newDose(7, "혈압약", false))
	env.scheduler.failKind = scheduler.KindEscalation
	env.scheduler.failTimes = -1

	result, err := env.engine.PlanDose(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Status)
	assert.Equal(t, ReasonScheduleFailed, result.Reason)

	// 1 次提醒 + 3 次升级尝试
	assert.Equal(t, 4, env.scheduler.attempts)
	assert.Equal(t, models.AlertFailed, env.alerts.status(result.AlertID))
	assert.Nil(t, env.doses.handle(7))
}

func TestPlanDose_ReminderScheduleExhausted(t *testing.T) {
	env := newTestEnv(t, newDose(7, "혈압약", false))
	env.scheduler.failKind = scheduler.KindReminder
	env.scheduler.failTimes = -1

	result, err := env.engine.PlanDose(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Status)
	assert.Equal(t, ReasonScheduleFailed, result.Reason)
	assert.Equal(t, 3, env.scheduler.attempts)
	assert.Empty(t, env.alerts.byType(models.AlertWarning, models.AlertPending))
}
