package safetyline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jongwoo108/yak-sok/internal/scheduler"
)

// HandleTask 按任务类型分发到提醒 / 升级执行器
func (e *Engine) HandleTask(ctx context.Context, task scheduler.Task) error {
	var (
		result Result
		err    error
	)
	switch task.Kind {
	case scheduler.KindReminder:
		result, err = e.ExecuteReminder(ctx, task.PayloadID)
	case scheduler.KindEscalation:
		result, err = e.ExecuteEscalation(ctx, task.PayloadID)
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
	if err != nil {
		return fmt.Errorf("%s task %s: %w", task.Kind, task.Handle, err)
	}

	e.logger.Debug("Task executed",
		zap.String("handle", task.Handle),
		zap.String("kind", string(task.Kind)),
		zap.Int64("payload_id", task.PayloadID),
		zap.String("status", string(result.Status)),
		zap.String("reason", result.Reason),
	)
	return nil
}
