package safetyline

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper 日扫描
type Sweeper interface {
	RunSweep(ctx context.Context, date time.Time) (SweepReport, error)
}

// DailyTrigger 每天在本地时间 hour:minute 触发一次日扫描
type DailyTrigger struct {
	sweeper  Sweeper
	hour     int
	minute   int
	location *time.Location
	logger   *zap.Logger

	now func() time.Time
}

// NewDailyTrigger 创建日触发器
func NewDailyTrigger(sweeper Sweeper, hour, minute int, loc *time.Location, logger *zap.Logger) *DailyTrigger {
	if loc == nil {
		loc = time.UTC
	}
	return &DailyTrigger{
		sweeper:  sweeper,
		hour:     hour,
		minute:   minute,
		location: loc,
		logger:   logger,
		now:      time.Now,
	}
}

// Next 给定时刻之后的下一次触发时间
func (t *DailyTrigger) Next(from time.Time) time.Time {
	local := from.In(t.location)
	next := time.Date(local.Year(), local.Month(), local.Day(), t.hour, t.minute, 0, 0, t.location)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start 阻塞运行直到 ctx 取消
func (t *DailyTrigger) Start(ctx context.Context) error {
	t.logger.Info("Daily sweep trigger started",
		zap.Int("hour", t.hour),
		zap.Int("minute", t.minute),
		zap.String("timezone", t.location.String()),
	)

	for {
		now := t.now()
		next := t.Next(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			t.logger.Info("Daily sweep trigger stopped")
			return nil
		case <-timer.C:
			if _, err := t.sweeper.RunSweep(ctx, next); err != nil {
				t.logger.Error("Daily sweep failed",
					zap.Time("date", next),
					zap.Error(err),
				)
			}
		}
	}
}
