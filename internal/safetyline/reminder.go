package safetyline

import (
	"context"

	"go.uber.org/zap"

	"github.com/jongwoo108/yak-sok/internal/models"
	"github.com/jongwoo108/yak-sok/internal/notifier"
	"github.com/jongwoo108/yak-sok/internal/policy"
)

// ExecuteReminder 到点提醒本人，同一用户同一时间段只发一次
func (e *Engine) ExecuteReminder(ctx context.Context, doseID int64) (Result, error) {
	dose, err := e.doses.GetDose(ctx, doseID)
	if err != nil {
		if isNotFound(err) {
			return Result{Status: OutcomeNotFound, DoseID: doseID}, nil
		}
		return Result{}, err
	}
	user, err := e.directory.GetUser(ctx, dose.UserID)
	if err != nil {
		if isNotFound(err) {
			return Result{Status: OutcomeNotFound, DoseID: doseID}, nil
		}
		return Result{}, err
	}

	key := e.keys.ReminderKey(user.ID, dose.DueAt, dose.TimeSlot)
	claimed, err := e.locker.Claim(ctx, key, e.opts.DedupTTL)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		e.logger.Debug("Reminder already sent for time slot",
			zap.Int64("user_id", user.ID),
			zap.String("time_of_day", string(dose.TimeSlot)),
		)
		return Result{Status: OutcomeSkipped, Reason: ReasonAlreadySent, DoseID: doseID}, nil
	}

	pending, err := e.doses.PendingCount(ctx, user.ID, dose.DueAt)
	if err != nil {
		e.releaseClaim(ctx, key)
		return Result{}, err
	}
	if pending == 0 {
		return Result{Status: OutcomeSkipped, Reason: ReasonAllTaken, DoseID: doseID}, nil
	}

	address, err := e.directory.GetPushAddress(ctx, user.ID)
	if err != nil && !isNotFound(err) {
		e.releaseClaim(ctx, key)
		return Result{}, err
	}
	if address == "" {
		return Result{Status: OutcomeSkipped, Reason: ReasonNoToken, DoseID: doseID}, nil
	}

	text := policy.ReminderCopy(dose.TimeSlot)
	dueLocal := dose.DueAt.In(e.opts.Location)
	_, sendErr := e.send(ctx, notifier.Message{
		Address: address,
		Title:   text.Title,
		Body:    text.Body,
		Tags: map[string]string{
			"type":           "medication_reminder",
			"time_of_day":    string(dose.TimeSlot),
			"scheduled_time": dueLocal.Format("15:04"),
		},
	})
	if sendErr != nil {
		e.releaseClaim(ctx, key)
		e.logger.Warn("Reminder dispatch failed",
			zap.Int64("dose_id", doseID),
			zap.Int64("user_id", user.ID),
			zap.Error(sendErr),
		)
		return Result{Status: OutcomeFailed, Reason: ReasonSendFailed, DoseID: doseID}, nil
	}

	e.recordReminder(ctx, dose, text.Title, text.Body)

	e.logger.Info("Reminder sent",
		zap.Int64("dose_id", doseID),
		zap.Int64("user_id", user.ID),
		zap.String("time_of_day", string(dose.TimeSlot)),
		zap.Int("pending", pending),
	)
	return Result{Status: OutcomeSent, DoseID: doseID}, nil
}

// recordReminder 写一条 SENT 的 REMINDER 历史记录，失败只记日志
func (e *Engine) recordReminder(ctx context.Context, dose *models.DoseOccurrence, title, body string) {
	now := e.now()
	alert := &models.Alert{
		UserID:      dose.UserID,
		DoseID:      &dose.ID,
		AlertType:   models.AlertReminder,
		Status:      models.AlertSent,
		Title:       title,
		Message:     body,
		ScheduledAt: dose.DueAt,
		SentAt:      &now,
	}
	if err := e.alerts.Create(ctx, alert); err != nil {
		e.logger.Warn("Failed to record reminder",
			zap.Int64("dose_id", dose.ID),
			zap.Error(err),
		)
	}
}

func (e *Engine) releaseClaim(ctx context.Context, key string) {
	if err := e.locker.Release(ctx, key); err != nil {
		e.logger.Error("Failed to release dedup claim",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
