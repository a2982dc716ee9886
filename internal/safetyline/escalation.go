package safetyline

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/jongwoo108/yak-sok/internal/models"
	"github.com/jongwoo108/yak-sok/internal/notifier"
	"github.com/jongwoo108/yak-sok/internal/policy"
)

// slotUnknown 报警未关联服药记录时使用的时间段
const slotUnknown models.TimeSlot = "unknown"

// ExecuteEscalation 升级：先通知本人，再逐个通知监护人，最后定稿
func (e *Engine) ExecuteEscalation(ctx context.Context, alertID int64) (Result, error) {
	alert, err := e.alerts.Get(ctx, alertID)
	if err != nil {
		if isNotFound(err) {
			return Result{Status: OutcomeNotFound, AlertID: alertID}, nil
		}
		return Result{}, err
	}
	switch alert.Status {
	case models.AlertCancelled:
		return Result{Status: OutcomeCancelled, AlertID: alertID}, nil
	case models.AlertSent, models.AlertFailed:
		return Result{Status: OutcomeSkipped, Reason: ReasonAlreadyFinal, AlertID: alertID}, nil
	}

	dueAt, slot := alert.ScheduledAt, slotUnknown
	if alert.DoseID != nil {
		dose, err := e.doses.GetDose(ctx, *alert.DoseID)
		switch {
		case err == nil:
			dueAt, slot = dose.DueAt, dose.TimeSlot
		case isNotFound(err):
			e.logger.Warn("Dose of alert not found",
				zap.Int64("alert_id", alertID),
				zap.Int64("dose_id", *alert.DoseID),
			)
		default:
			return Result{}, err
		}
	}

	senior, err := e.directory.GetUser(ctx, alert.UserID)
	if err != nil {
		if isNotFound(err) {
			e.logger.Warn("User of alert not found",
				zap.Int64("alert_id", alertID),
				zap.Int64("user_id", alert.UserID),
			)
			return Result{Status: OutcomeNotFound, AlertID: alertID}, nil
		}
		return Result{}, err
	}

	key := e.keys.EscalationKey(senior.ID, dueAt, slot)
	claimed, err := e.locker.Claim(ctx, key, e.opts.DedupTTL)
	if err != nil {
		// 锁服务不可用时照常发送，宁可多发也不漏发
		e.logger.Error("Escalation dedup claim failed, dispatching anyway",
			zap.Int64("alert_id", alertID),
			zap.String("key", key),
			zap.Error(err),
		)
		claimed = true
	}
	if !claimed {
		if _, err := e.alerts.Transition(ctx, alertID, models.AlertCancelled, e.now(), ""); err != nil {
			e.logger.Error("Failed to cancel duplicate alert",
				zap.Int64("alert_id", alertID),
				zap.Error(err),
			)
		}
		e.logger.Info("Escalation already sent for time slot",
			zap.Int64("alert_id", alertID),
			zap.Int64("user_id", senior.ID),
			zap.String("time_of_day", string(slot)),
		)
		return Result{Status: OutcomeSkipped, Reason: ReasonDuplicate, AlertID: alertID}, nil
	}

	primaryReason, primaryErr := e.dispatchPrimary(ctx, alert, senior)
	e.fanOutGuardians(ctx, alert, senior)

	if primaryErr != nil {
		e.finalizeFailed(ctx, alertID, primaryErr.Error())
		e.logger.Warn("Escalation primary dispatch failed",
			zap.Int64("alert_id", alertID),
			zap.Int64("user_id", senior.ID),
			zap.Error(primaryErr),
		)
		return Result{Status: OutcomeFailed, Reason: primaryReason, AlertID: alertID}, nil
	}

	e.finalizeSent(ctx, alertID)
	e.logger.Info("Escalation sent",
		zap.Int64("alert_id", alertID),
		zap.Int64("user_id", senior.ID),
		zap.String("alert_type", string(alert.AlertType)),
	)
	return Result{Status: OutcomeSent, AlertID: alertID}, nil
}

// dispatchPrimary 通知本人，严重程度取报警类型
func (e *Engine) dispatchPrimary(ctx context.Context, alert *models.Alert, senior *models.User) (string, error) {
	address, err := e.directory.GetPushAddress(ctx, senior.ID)
	if err != nil && !isNotFound(err) {
		return ReasonSendFailed, err
	}
	if address == "" {
		return ReasonNoToken, notifier.ErrNoAddress
	}

	_, err = e.send(ctx, notifier.Message{
		Address: address,
		Title:   alert.Title,
		Body:    alert.Message,
		Tags:    escalationTags(alert, alert.AlertType),
	})
	if err != nil {
		return ReasonSendFailed, err
	}
	return "", nil
}

// fanOutGuardians 逐个通知监护人，一律 EMERGENCY；单个失败只记录，不影响其他人
func (e *Engine) fanOutGuardians(ctx context.Context, alert *models.Alert, senior *models.User) {
	guardians, err := e.directory.ListGuardians(ctx, senior.ID)
	if err != nil {
		e.logger.Error("Failed to list guardians",
			zap.Int64("alert_id", alert.ID),
			zap.Int64("user_id", senior.ID),
			zap.Error(err),
		)
		return
	}

	title := policy.GuardianTitle(senior.DisplayName())
	for _, guardian := range guardians {
		var sendErr error
		if guardian.PushAddress == "" {
			sendErr = notifier.ErrNoAddress
		} else {
			_, sendErr = e.send(ctx, notifier.Message{
				Address: guardian.PushAddress,
				Title:   title,
				Body:    alert.Message,
				Tags:    escalationTags(alert, models.AlertEmergency),
			})
		}
		if sendErr == nil {
			continue
		}

		e.logger.Warn("Guardian dispatch failed",
			zap.Int64("alert_id", alert.ID),
			zap.Int64("guardian_id", guardian.ID),
			zap.Error(sendErr),
		)
		e.recordGuardianFailure(ctx, alert, guardian.ID, title, sendErr)
	}
}

func (e *Engine) recordGuardianFailure(ctx context.Context, alert *models.Alert, guardianID int64, title string, sendErr error) {
	errMsg := sendErr.Error()
	recipient := guardianID
	record := &models.Alert{
		UserID:       alert.UserID,
		RecipientID:  &recipient,
		DoseID:       alert.DoseID,
		AlertType:    models.AlertEmergency,
		Status:       models.AlertFailed,
		Title:        title,
		Message:      alert.Message,
		ScheduledAt:  alert.ScheduledAt,
		RetryCount:   1,
		ErrorMessage: &errMsg,
	}
	if err := e.alerts.Create(ctx, record); err != nil {
		e.logger.Error("Failed to record guardian delivery failure",
			zap.Int64("alert_id", alert.ID),
			zap.Int64("guardian_id", guardianID),
			zap.Error(err),
		)
	}
}

func escalationTags(alert *models.Alert, severity models.AlertType) map[string]string {
	tags := map[string]string{
		"type":     "safety_alert",
		"severity": string(severity),
		"alert_id": strconv.FormatInt(alert.ID, 10),
	}
	if alert.DoseID != nil {
		tags["dose_id"] = strconv.FormatInt(*alert.DoseID, 10)
	}
	return tags
}
