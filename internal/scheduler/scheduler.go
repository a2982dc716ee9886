package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskKind 任务类型
type TaskKind string

const (
	KindReminder   TaskKind = "reminder"
	KindEscalation TaskKind = "escalation"
)

// ErrTaskNotFound 任务数据已不存在（已被取消或确认）
var ErrTaskNotFound = errors.New("task not found")

// Task 一个到期待执行的任务
type Task struct {
	Handle    string
	Kind      TaskKind
	PayloadID int64
	RunAt     time.Time
}

// Scheduler 延时任务调度契约
type Scheduler interface {
	Schedule(ctx context.Context, runAt time.Time, kind TaskKind, payloadID int64) (string, error)
	// Cancel 返回取消是否在执行开始前生效
	Cancel(ctx context.Context, handle string) (bool, error)
}

// claimScript 把到期任务从 due 移到 processing，score 为租约截止时间
// KEYS[1] = due zset, KEYS[2] = processing zset
// ARGV[1] = now(ms), ARGV[2] = lease deadline(ms), ARGV[3] = limit
var claimScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("ZADD", KEYS[2], ARGV[2], id)
end
return ids
`)

// requeueScript 租约过期的任务放回 due（立即可再次领取）
// KEYS[1] = processing zset, KEYS[2] = due zset, ARGV[1] = now(ms)
var requeueScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("ZADD", KEYS[2], ARGV[1], id)
end
return #ids
`)

// RedisScheduler 基于 Redis ZSET 的延时任务队列
//
//	{prefix}tasks:due         ZSET handle -> run_at(ms)
//	{prefix}tasks:processing  ZSET handle -> lease deadline(ms)
//	{prefix}task:{handle}     HASH kind / payload_id / run_at
type RedisScheduler struct {
	redisClient *redis.Client
	logger      *zap.Logger
	prefix      string
	lease       time.Duration
	now         func() time.Time
}

// NewRedisScheduler 创建调度器
func NewRedisScheduler(redisClient *redis.Client, logger *zap.Logger, prefix string, lease time.Duration) *RedisScheduler {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &RedisScheduler{
		redisClient: redisClient,
		logger:      logger,
		prefix:      prefix,
		lease:       lease,
		now:         time.Now,
	}
}

func (s *RedisScheduler) dueKey() string        { return s.prefix + "tasks:due" }
func (s *RedisScheduler) processingKey() string { return s.prefix + "tasks:processing" }
func (s *RedisScheduler) taskKey(handle string) string {
	return s.prefix + "task:" + handle
}

// Schedule 在 runAt 执行 kind(payloadID)，返回可取消的句柄
func (s *RedisScheduler) Schedule(ctx context.Context, runAt time.Time, kind TaskKind, payloadID int64) (string, error) {
	handle := uuid.New().String()

	pipe := s.redisClient.TxPipeline()
	pipe.HSet(ctx, s.taskKey(handle),
		"kind", string(kind),
		"payload_id", strconv.FormatInt(payloadID, 10),
		"run_at", strconv.FormatInt(runAt.UnixMilli(), 10),
	)
	pipe.ZAdd(ctx, s.dueKey(), &redis.Z{Score: float64(runAt.UnixMilli()), Member: handle})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to schedule %s task for %d: %w", kind, payloadID, err)
	}

	s.logger.Debug("Task scheduled",
		zap.String("handle", handle),
		zap.String("kind", string(kind)),
		zap.Int64("payload_id", payloadID),
		zap.Time("run_at", runAt),
	)
	return handle, nil
}

// Cancel 从 due 队列移除；已被 worker 领取（执行中）时返回 false
func (s *RedisScheduler) Cancel(ctx context.Context, handle string) (bool, error) {
	removed, err := s.redisClient.ZRem(ctx, s.dueKey(), handle).Result()
	if err != nil {
		return false, fmt.Errorf("failed to cancel task %s: %w", handle, err)
	}
	if removed == 0 {
		return false, nil
	}
	if err := s.redisClient.Del(ctx, s.taskKey(handle)).Err(); err != nil {
		s.logger.Warn("Failed to delete cancelled task payload",
			zap.String("handle", handle),
			zap.Error(err),
		)
	}
	return true, nil
}

// Claim 领取最多 limit 个已到期任务，租约到期前需要 Ack
func (s *RedisScheduler) Claim(ctx context.Context, limit int) ([]Task, error) {
	now := s.now()
	res, err := claimScript.Run(ctx, s.redisClient,
		[]string{s.dueKey(), s.processingKey()},
		now.UnixMilli(), now.Add(s.lease).UnixMilli(), limit,
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}

	tasks := make([]Task, 0, len(res))
	for _, handle := range res {
		task, err := s.load(ctx, handle)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				// 数据缺失的任务没有意义，直接确认掉
				_ = s.Ack(ctx, handle)
				continue
			}
			return tasks, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, nil
}

// Ack 执行结束，删除任务
func (s *RedisScheduler) Ack(ctx context.Context, handle string) error {
	pipe := s.redisClient.TxPipeline()
	pipe.ZRem(ctx, s.processingKey(), handle)
	pipe.Del(ctx, s.taskKey(handle))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack task %s: %w", handle, err)
	}
	return nil
}

// RequeueExpired 把租约过期（worker 崩溃）的任务重新放回 due
func (s *RedisScheduler) RequeueExpired(ctx context.Context) (int64, error) {
	n, err := requeueScript.Run(ctx, s.redisClient,
		[]string{s.processingKey(), s.dueKey()},
		s.now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired tasks: %w", err)
	}
	return n, nil
}

func (s *RedisScheduler) load(ctx context.Context, handle string) (*Task, error) {
	vals, err := s.redisClient.HGetAll(ctx, s.taskKey(handle)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", handle, err)
	}
	if len(vals) == 0 {
		return nil, ErrTaskNotFound
	}

	payloadID, err := strconv.ParseInt(vals["payload_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid payload_id for task %s: %w", handle, err)
	}
	runAtMs, _ := strconv.ParseInt(vals["run_at"], 10, 64)

	return &Task{
		Handle:    handle,
		Kind:      TaskKind(vals["kind"]),
		PayloadID: payloadID,
		RunAt:     time.UnixMilli(runAtMs),
	}, nil
}
