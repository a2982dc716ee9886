package safetyline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jongwoo108/yak-sok/internal/models"
)

// CancelAlert 取消一条报警
// 调度器取消只是尽力而为；已处于终态的报警直接返回成功
func (e *Engine) CancelAlert(ctx context.Context, alertID int64) error {
	alert, err := e.alerts.Get(ctx, alertID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if alert.Status.IsTerminal() {
		return nil
	}

	if alert.TaskHandle != nil && *alert.TaskHandle != "" {
		e.cancelTask(ctx, *alert.TaskHandle)
	}

	if _, err := e.alerts.Transition(ctx, alertID, models.AlertCancelled, e.now(), ""); err != nil {
		return fmt.Errorf("failed to cancel alert: %w", err)
	}
	return nil
}

// CancelDose 服药已确认：撤销升级任务并取消其下所有 PENDING 报警
func (e *Engine) CancelDose(ctx context.Context, doseID int64) (Result, error) {
	dose, err := e.doses.GetDose(ctx, doseID)
	if err != nil {
		if isNotFound(err) {
			return Result{Status: OutcomeNotFound, DoseID: doseID}, nil
		}
		return Result{}, err
	}

	if dose.TaskHandle != nil && *dose.TaskHandle != "" {
		e.cancelTask(ctx, *dose.TaskHandle)
	}

	cancelled, err := e.alerts.CancelPendingForDose(ctx, doseID)
	if err != nil {
		return Result{}, err
	}

	if dose.TaskHandle != nil {
		if err := e.doses.MarkTaskHandle(ctx, doseID, nil); err != nil {
			e.logger.Warn("Failed to clear dose task handle",
				zap.Int64("dose_id", doseID),
				zap.Error(err),
			)
		}
	}

	e.logger.Info("Dose alerts cancelled",
		zap.Int64("dose_id", doseID),
		zap.Int64("cancelled", cancelled),
	)
	return Result{Status: OutcomeCancelled, DoseID: doseID}, nil
}

// cancelTask 撤销调度器任务；任务已开始执行不算错误
func (e *Engine) cancelTask(ctx context.Context, handle string) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.ScheduleTimeout)
	defer cancel()

	revoked, err := e.scheduler.Cancel(callCtx, handle)
	if err != nil {
		e.logger.Warn("Failed to cancel scheduled task",
			zap.String("handle", handle),
			zap.Error(err),
		)
		return
	}
	if !revoked {
		e.logger.Debug("Scheduled task already started or gone",
			zap.String("handle", handle),
		)
	}
}

// finalizeSent PENDING → SENT
func (e *Engine) finalizeSent(ctx context.Context, alertID int64) {
	if _, err := e.alerts.Transition(ctx, alertID, models.AlertSent, e.now(), ""); err != nil {
		e.logger.Error("Failed to finalize alert as sent",
			zap.Int64("alert_id", alertID),
			zap.Error(err),
		)
	}
}

// finalizeFailed PENDING → FAILED
func (e *Engine) finalizeFailed(ctx context.Context, alertID int64, reason string) {
	if _, err := e.alerts.Transition(ctx, alertID, models.AlertFailed, e.now(), reason); err != nil {
		e.logger.Error("Failed to finalize alert as failed",
			zap.Int64("alert_id", alertID),
			zap.Error(err),
		)
	}
}
