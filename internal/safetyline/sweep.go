package safetyline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jongwoo108/yak-sok/internal/models"
)

// SweepReport 一次日扫描的统计
type SweepReport struct {
	Date      string `json:"date"`
	Pending   int    `json:"pending"`
	Groups    int    `json:"groups"`
	Scheduled int    `json:"scheduled"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

type sweepGroup struct {
	userID int64
	slot   models.TimeSlot
}

// RunSweep 为某个本地日期内的全部待服药记录安排提醒
// 同一 (用户, 时间段) 在一次扫描中只安排一次；跨进程去重由执行时的 dedup 锁负责
func (e *Engine) RunSweep(ctx context.Context, date time.Time) (SweepReport, error) {
	local := date.In(e.opts.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.opts.Location)
	end := start.AddDate(0, 0, 1)

	report := SweepReport{Date: start.Format("2006-01-02")}

	doses, err := e.doses.ListPendingBetween(ctx, start, end)
	if err != nil {
		return report, fmt.Errorf("failed to list pending doses: %w", err)
	}
	report.Pending = len(doses)

	// 只有安排成功的组才算完成；失败时继续尝试同组的下一条记录
	planned := make(map[sweepGroup]struct{})
	groups := make(map[sweepGroup]struct{})
	for _, dose := range doses {
		if err := ctx.Err(); err != nil {
			report.Groups = len(groups)
			return report, err
		}

		group := sweepGroup{userID: dose.UserID, slot: dose.TimeSlot}
		if _, ok := planned[group]; ok {
			continue
		}
		groups[group] = struct{}{}

		result, err := e.PlanDose(ctx, dose.ID)
		if err != nil {
			report.Failed++
			e.logger.Error("Failed to plan dose",
				zap.Int64("dose_id", dose.ID),
				zap.Error(err),
			)
			continue
		}
		switch result.Status {
		case OutcomeScheduled:
			planned[group] = struct{}{}
			report.Scheduled++
		case OutcomeFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}

	report.Groups = len(groups)

	e.logger.Info("Daily sweep completed",
		zap.String("date", report.Date),
		zap.Int("pending", report.Pending),
		zap.Int("groups", report.Groups),
		zap.Int("scheduled", report.Scheduled),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}
