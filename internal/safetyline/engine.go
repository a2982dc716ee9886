// Package safetyline 服药提醒与未服药升级引擎。
//
// 每次服药生成一条提醒任务（到点提醒本人）和一条升级任务（超过阈值仍未服用时
// 通知本人及全部监护人）。同一用户同一时间段的提醒、升级各自只发送一次，
// 由 dedup.Locker 在多个 worker 进程之间保证。
package safetyline

import (
	"context"
	"errors"
	"time"

	"github.com/jongwoo108/yak-sok/internal/dedup"
	"github.com/jongwoo108/yak-sok/internal/models"
	"github.com/jongwoo108/yak-sok/internal/notifier"
	"github.com/jongwoo108/yak-sok/internal/policy"
	"github.com/jongwoo108/yak-sok/internal/repository"
	"github.com/jongwoo108/yak-sok/internal/scheduler"

	"go.uber.org/zap"
)

// DoseStore 服药记录
type DoseStore interface {
	GetDose(ctx context.Context, doseID int64) (*models.DoseOccurrence, error)
	PendingCount(ctx context.Context, userID int64, dueAt time.Time) (int, error)
	MarkTaskHandle(ctx context.Context, doseID int64, handle *string) error
	ListPendingBetween(ctx context.Context, from, to time.Time) ([]*models.DoseOccurrence, error)
}

// AlertStore 报警记录
type AlertStore interface {
	Create(ctx context.Context, alert *models.Alert) error
	Get(ctx context.Context, alertID int64) (*models.Alert, error)
	SetTaskHandle(ctx context.Context, alertID int64, handle string) error
	Transition(ctx context.Context, alertID int64, to models.AlertStatus, at time.Time, errMsg string) (bool, error)
	CancelPendingForDose(ctx context.Context, doseID int64) (int64, error)
}

// Directory 用户目录（只读）
type Directory interface {
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	GetPushAddress(ctx context.Context, userID int64) (string, error)
	ListGuardians(ctx context.Context, seniorID int64) ([]*models.User, error)
}

// Outcome 执行结果
type Outcome string

const (
	OutcomeScheduled Outcome = "scheduled"
	OutcomeSent      Outcome = "sent"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeNotFound  Outcome = "not_found"
)

// 跳过 / 失败原因
const (
	ReasonAlreadySent    = "already_sent_for_time_slot"
	ReasonAllTaken       = "all_taken"
	ReasonNoToken        = "no_token"
	ReasonDuplicate      = "duplicate"
	ReasonAlreadyFinal   = "already_final"
	ReasonNotPending     = "not_pending"
	ReasonScheduleFailed = "schedule_failed"
	ReasonSendFailed     = "send_failed"
)

// Result 执行器返回值
type Result struct {
	Status  Outcome `json:"status"`
	Reason  string  `json:"reason,omitempty"`
	AlertID int64   `json:"alert_id,omitempty"`
	DoseID  int64   `json:"dose_id,omitempty"`
}

// Options 引擎参数
type Options struct {
	DedupTTL           time.Duration
	ScheduleAttempts   int
	ScheduleRetryDelay time.Duration
	SendTimeout        time.Duration
	ScheduleTimeout    time.Duration
	Location           *time.Location
}

// Engine 安全线引擎
type Engine struct {
	doses     DoseStore
	alerts    AlertStore
	directory Directory
	scheduler scheduler.Scheduler
	locker    dedup.Locker
	keys      dedup.KeyPolicy
	sender    notifier.Sender
	policy    *policy.Policy
	opts      Options
	logger    *zap.Logger

	now func() time.Time
}

// Deps 引擎依赖
type Deps struct {
	Doses     DoseStore
	Alerts    AlertStore
	Directory Directory
	Scheduler scheduler.Scheduler
	Locker    dedup.Locker
	Keys      dedup.KeyPolicy
	Sender    notifier.Sender
	Policy    *policy.Policy
}

// NewEngine 创建引擎
func NewEngine(deps Deps, opts Options, logger *zap.Logger) *Engine {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = time.Hour
	}
	if opts.ScheduleAttempts <= 0 {
		opts.ScheduleAttempts = 3
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.ScheduleTimeout <= 0 {
		opts.ScheduleTimeout = 5 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if deps.Policy == nil {
		deps.Policy = policy.New(policy.DefaultThresholdMinutes)
	}

	return &Engine{
		doses:     deps.Doses,
		alerts:    deps.Alerts,
		directory: deps.Directory,
		scheduler: deps.Scheduler,
		locker:    deps.Locker,
		keys:      deps.Keys,
		sender:    deps.Sender,
		policy:    deps.Policy,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

// send 在超时内发送一条推送
func (e *Engine) send(ctx context.Context, msg notifier.Message) (notifier.Status, error) {
	sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()

	status, err := e.sender.Send(sendCtx, msg)
	if status == notifier.StatusUnregistered {
		e.logger.Warn("Push address unregistered",
			zap.String("address", msg.Address),
			zap.Error(err),
		)
	}
	if err == nil && status != notifier.StatusSent {
		err = errors.New(string(status))
	}
	return status, err
}
