package safetyline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/jongwoo108/yak-sok/internal/models"
	"github.com/jongwoo108/yak-sok/internal/scheduler"
)

// PlanDose 为一次服药安排提醒与升级
// 1. 按策略计算时间与文案
// 2. 预约提醒任务
// 3. 创建 PENDING 报警记录
// 4. 预约升级任务，句柄写回报警与服药记录
func (e *Engine) PlanDose(ctx context.Context, doseID int64) (Result, error) {
	dose, err := e.doses.GetDose(ctx, doseID)
	if err != nil {
		if isNotFound(err) {
			return Result{Status: OutcomeNotFound, DoseID: doseID}, nil
		}
		return Result{}, err
	}
	if !dose.IsPending() {
		return Result{Status: OutcomeSkipped, Reason: ReasonNotPending, DoseID: doseID}, nil
	}

	plan := e.policy.Plan(dose)

	// 提醒任务不保存句柄，也不随 CancelDose 撤销：日扫描每个 (用户, 时间段) 只安排一次，
	// 这条提醒代表整组，执行时按 PendingCount 判断是否还有未服用的药
	if _, err := e.scheduleWithRetry(ctx, plan.ReminderAt, scheduler.KindReminder, dose.ID); err != nil {
		e.logger.Error("Failed to schedule reminder",
			zap.Int64("dose_id", dose.ID),
			zap.Error(err),
		)
		return Result{Status: OutcomeFailed, Reason: ReasonScheduleFailed, DoseID: doseID}, nil
	}

	alert := &models.Alert{
		UserID:      dose.UserID,
		DoseID:      &dose.ID,
		AlertType:   plan.EscalationType,
		Status:      models.AlertPending,
		Title:       plan.Title,
		Message:     plan.Message,
		ScheduledAt: plan.EscalationAt,
	}
	if err := e.alerts.Create(ctx, alert); err != nil {
		return Result{}, fmt.Errorf("failed to create alert: %w", err)
	}

	handle, err := e.scheduleWithRetry(ctx, plan.EscalationAt, scheduler.KindEscalation, alert.ID)
	if err != nil {
		e.logger.Error("Failed to schedule escalation",
			zap.Int64("dose_id", dose.ID),
			zap.Int64("alert_id", alert.ID),
			zap.Error(err),
		)
		if _, ferr := e.alerts.Transition(ctx, alert.ID, models.AlertFailed, e.now(), err.Error()); ferr != nil {
			e.logger.Error("Failed to finalize alert",
				zap.Int64("alert_id", alert.ID),
				zap.Error(ferr),
			)
		}
		return Result{Status: OutcomeFailed, Reason: ReasonScheduleFailed, AlertID: alert.ID, DoseID: doseID}, nil
	}

	if err := e.alerts.SetTaskHandle(ctx, alert.ID, handle); err != nil {
		return Result{}, fmt.Errorf("failed to store alert task handle: %w", err)
	}
	if err := e.doses.MarkTaskHandle(ctx, dose.ID, &handle); err != nil {
		return Result{}, fmt.Errorf("failed to store dose task handle: %w", err)
	}

	e.logger.Info("Dose planned",
		zap.Int64("dose_id", dose.ID),
		zap.Int64("user_id", dose.UserID),
		zap.Int64("alert_id", alert.ID),
		zap.String("alert_type", string(plan.EscalationType)),
		zap.Time("reminder_at", plan.ReminderAt),
		zap.Time("escalation_at", plan.EscalationAt),
	)
	return Result{Status: OutcomeScheduled, AlertID: alert.ID, DoseID: doseID}, nil
}

// scheduleWithRetry 有限次、固定间隔重试
func (e *Engine) scheduleWithRetry(ctx context.Context, runAt time.Time, kind scheduler.TaskKind, payloadID int64) (string, error) {
	attempt := 0
	operation := func() (string, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, e.opts.ScheduleTimeout)
		defer cancel()

		handle, err := e.scheduler.Schedule(callCtx, runAt, kind, payloadID)
		if err != nil {
			e.logger.Warn("Schedule attempt failed",
				zap.String("kind", string(kind)),
				zap.Int64("payload_id", payloadID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return "", err
		}
		return handle, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.opts.ScheduleRetryDelay)),
		backoff.WithMaxTries(uint(e.opts.ScheduleAttempts)),
	)
}
