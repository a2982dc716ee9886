package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Locker 原子"只认领一次"原语
// Claim 在 ttl 窗口内对同一个 key 只对一个调用方返回 true
type Locker interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLock 基于 SET NX EX 的去重锁（跨进程 / 跨机器）
type RedisLock struct {
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewRedisLock 创建去重锁
func NewRedisLock(redisClient *redis.Client, logger *zap.Logger) *RedisLock {
	return &RedisLock{
		redisClient: redisClient,
		logger:      logger,
	}
}

// Claim 认领 key；已被占用时返回 false
func (l *RedisLock) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.redisClient.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	if !ok {
		l.logger.Debug("Dedup key already claimed", zap.String("key", key))
	}
	return ok, nil
}

// Release 提前释放（发送失败后允许重试）
func (l *RedisLock) Release(ctx context.Context, key string) error {
	if err := l.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}
