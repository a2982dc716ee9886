package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler 执行一个到期任务
type Handler interface {
	HandleTask(ctx context.Context, task Task) error
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, task Task) error

// HandleTask 调用 f
func (f HandlerFunc) HandleTask(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// WorkerConfig worker 参数
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
}

// Worker 轮询 RedisScheduler，领取到期任务并分发给 Handler
type Worker struct {
	scheduler *RedisScheduler
	handler   Handler
	cfg       WorkerConfig
	logger    *zap.Logger
}

// NewWorker 创建 worker
func NewWorker(scheduler *RedisScheduler, handler Handler, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		scheduler: scheduler,
		handler:   handler,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start 阻塞运行直到 ctx 取消
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Task worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Int("concurrency", w.cfg.Concurrency),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Task worker stopped")
			return nil
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Task poll failed", zap.Error(err))
				// 继续轮询，不中断
			}
		}
	}
}

// RunOnce 执行一轮：回收过期租约 → 领取 → 并发执行 → Ack
// 返回本轮处理的任务数
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if n, err := w.scheduler.RequeueExpired(ctx); err != nil {
		w.logger.Warn("Failed to requeue expired tasks", zap.Error(err))
	} else if n > 0 {
		w.logger.Warn("Requeued tasks with expired lease", zap.Int64("count", n))
	}

	tasks, err := w.scheduler.Claim(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			w.execute(gctx, task)
			return nil
		})
	}
	_ = g.Wait()

	return len(tasks), nil
}

func (w *Worker) execute(ctx context.Context, task Task) {
	logger := w.logger.With(
		zap.String("handle", task.Handle),
		zap.String("kind", string(task.Kind)),
		zap.Int64("payload_id", task.PayloadID),
	)

	if err := w.handler.HandleTask(ctx, task); err != nil {
		// 升级是一次性的，执行错误只记录，不重新排队
		logger.Error("Task execution failed", zap.Error(err))
	}

	if err := w.scheduler.Ack(ctx, task.Handle); err != nil {
		logger.Warn("Failed to ack task", zap.Error(err))
	}
}
