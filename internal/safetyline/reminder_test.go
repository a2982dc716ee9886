package safetyline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jongwoo108/yak-sok/internal/models"
	"github.com/jongwoo108/yak-sok/internal/notifier"
)

func TestExecuteReminder_Sent(t *testing.T) {
	env := newTestEnv(t, newDose(7, "혈압약", false))

	result, err := env.engine.ExecuteReminder(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, result.Status)

	msgs := env.sender.to(seniorAddress)
	require.Len(t, msgs, 1)
	assert.Equal(t, "좋은 아침이에요! 아침약 드실 시간이에요.", msgs[0].Body)
	assert.Equal(t, "medication_reminder", msgs[0].Tags["type"])
	assert.Equal(t, "morning", msgs[0].Tags["time_of_day"])
	assert.Equal(t, "08:00", msgs[0].Tags["scheduled_time"])

	assert.Len(t, env.alerts.byType(models.AlertReminder, models.AlertSent), 1)
	assert.True(t, env.redis.Exists("safetyline:reminder_sent:1:2026-03-02:morning"))
}

// 同一用户同一时刻两种药，只发一条提醒
func TestScenarioC_OneReminderPerSlot(t *testing.T) {
	env := newTestEnv(t, newDose(7, "혈압약", false), newDose(8, "당뇨약", false))

	first, err := env.engine.ExecuteReminder(context.Background(), 7)
	require.NoError(t, err)
	second, err := env.engine.ExecuteReminder(context.Background(), 8)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSent, first.Status)
	assert.Equal(t, OutcomeSkipped, second.Status)
	assert.Equal(t, ReasonAlreadySent, second.Reason)
	assert.Len(t, env.sender.to(seniorAddress), 1)
}

func TestExecuteReminder_ConcurrentWorkers(t *testing.T) {
	env := newTestEnv(t, newDose(7, "혈압약", false), newDose(8, "당뇨약", false))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		doseID := int64(7 + i%2)
		go func() {
			defer wg.Done()
			_, err := env.engine.ExecuteReminder(context.Background(), doseID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, env.sender.to(seniorAddress), 1)
}

func TestExecuteReminder_AllTakenKeepsClaim(t *testing.T) {
	dose := newDose(7, "혈압약", false)
	dose.Status = models.DoseTaken
	env := newTestEnv(t, dose)

	result, err := env.engine.ExecuteReminder(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Status)
	assert.Equal(t, ReasonAllTaken, result.Reason)
	assert.Empty(t, env.sender.messages())
	assert.True(t, env.redis.Exists("safetyline:reminder_sent:1:2026-03-02:morning"))
}

func TestExecuteReminder_NoToken(t *testing.T) {
	env := newTestEnv(t, newDose(7, "혈압약", false))
	env.directory.users[seniorID].PushAddress = ""

	result, err := env.engine.ExecuteReminder(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Status)
	assert.Equal(t, ReasonNoToken, result.Reason)
	assert.Empty(t, env.sender.messages())
}

func TestExecuteReminder_FailureReleasesClaim(t *testing.T) {
	env := newTestEnv(t, newDose(7, "혈압약", false))
	env.sender.fail(seniorAddress, notifier.StatusFailed)

	result, err := env.engine.ExecuteReminder(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Status)
	assert.False(t, env.redis.Exists("safetyline:reminder_sent:1:2026-03-02:morning"))

	env.sender.heal(seniorAddress)
	result, err = env.engine.ExecuteReminder(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, result.Status)
}

func TestExecuteReminder_NotFound(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.engine.ExecuteReminder(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, result.Status)
}

func TestExecuteReminder_LockStoreDown(t *testing.T) {
	env := newTestEnv(t, newDose(7, "혈압약", false))
	env.redis.Close()

	_, err := env.engine.ExecuteReminder(context.Background(), 7)
	assert.Error(t, err)
	assert.Empty(t, env.sender.messages())
}
