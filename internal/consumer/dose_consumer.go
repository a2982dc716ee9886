package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	rediscommon "github.com/jongwoo108/yak-sok/common/redis"
	"github.com/jongwoo108/yak-sok/internal/safetyline"
)

// 事件类型
const (
	EventDoseCreated   = "dose.created"
	EventDoseActivated = "dose.activated"
	EventDoseTaken     = "dose.taken"
)

// errInvalidEvent 消息格式错误，重试无意义
var errInvalidEvent = errors.New("invalid dose event")

// DoseHandler 服药事件处理
type DoseHandler interface {
	PlanDose(ctx context.Context, doseID int64) (safetyline.Result, error)
	CancelDose(ctx context.Context, doseID int64) (safetyline.Result, error)
}

// DoseEvent 服药事件
type DoseEvent struct {
	EventType string `json:"event_type"`
	DoseID    int64  `json:"dose_id"`
	UserID    int64  `json:"user_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// DoseEventConsumer 服药事件消费者
type DoseEventConsumer struct {
	redisClient  *redis.Client
	handler      DoseHandler
	logger       *zap.Logger
	stream       string
	groupName    string
	consumerName string
	batchSize    int64
	block        time.Duration

	// 处理失败、未确认的消息空闲 reclaimIdle 后重新认领重试
	reclaimIdle   time.Duration
	maxDeliveries int64
	lastReclaim   time.Time
	now           func() time.Time
}

// NewDoseEventConsumer 创建服药事件消费者
func NewDoseEventConsumer(
	redisClient *redis.Client,
	handler DoseHandler,
	logger *zap.Logger,
	stream string,
	groupName string,
	consumerName string,
	batchSize int64,
) *DoseEventConsumer {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &DoseEventConsumer{
		redisClient:   redisClient,
		handler:       handler,
		logger:        logger,
		stream:        stream,
		groupName:     groupName,
		consumerName:  consumerName,
		batchSize:     batchSize,
		block:         2 * time.Second,
		reclaimIdle:   time.Minute,
		maxDeliveries: 5,
		now:           time.Now,
	}
}

// Start 启动消费，阻塞直到 ctx 取消
func (c *DoseEventConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.groupName); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Dose event consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.groupName),
		zap.String("consumer_name", c.consumerName),
	)

	// 读取失败时指数退避
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := c.ConsumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume dose events",
				zap.Error(err),
				zap.Duration("backoff", backoffDuration),
			)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoffDuration):
				backoffDuration *= 2
				if backoffDuration > maxBackoff {
					backoffDuration = maxBackoff
				}
			}
			continue
		}
		backoffDuration = time.Second
	}
}

// ConsumeOnce 先重试到期的未确认消息，再读取一批新消息，返回成功确认的条数
func (c *DoseEventConsumer) ConsumeOnce(ctx context.Context) (int, error) {
	acked := 0
	if now := c.now(); now.Sub(c.lastReclaim) >= c.reclaimIdle {
		c.lastReclaim = now
		stale, err := rediscommon.ClaimStale(ctx, c.redisClient, c.stream, c.groupName, c.consumerName, c.reclaimIdle, c.batchSize)
		if err != nil {
			c.logger.Warn("Failed to reclaim pending dose events", zap.Error(err))
		} else {
			acked += c.handleMessages(ctx, stale)
		}
	}

	messages, err := rediscommon.ReadFromStream(ctx, c.redisClient, c.stream, c.groupName, c.consumerName, c.batchSize, c.block)
	if err != nil {
		return acked, fmt.Errorf("failed to read from stream: %w", err)
	}
	return acked + c.handleMessages(ctx, messages), nil
}

func (c *DoseEventConsumer) handleMessages(ctx context.Context, messages []rediscommon.StreamMessage) int {
	acked := 0
	for _, msg := range messages {
		err := c.processEvent(ctx, msg)
		switch {
		case err == nil:
		case errors.Is(err, errInvalidEvent):
			c.logger.Warn("Dropping invalid dose event",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		case msg.Deliveries >= c.maxDeliveries:
			c.logger.Error("Dropping dose event after repeated failures",
				zap.String("message_id", msg.ID),
				zap.Int64("deliveries", msg.Deliveries),
				zap.Error(err),
			)
		default:
			// 不确认，留在 pending 列表里等待重新认领
			c.logger.Error("Failed to process dose event",
				zap.String("message_id", msg.ID),
				zap.Int64("deliveries", msg.Deliveries),
				zap.Error(err),
			)
			continue
		}

		if err := rediscommon.Ack(ctx, c.redisClient, c.stream, c.groupName, msg.ID); err != nil {
			c.logger.Warn("Failed to ack message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		acked++
	}
	return acked
}

func (c *DoseEventConsumer) processEvent(ctx context.Context, msg rediscommon.StreamMessage) error {
	event, err := ParseDoseEvent(msg.Values)
	if err != nil {
		return err
	}

	var result safetyline.Result
	switch event.EventType {
	case EventDoseCreated, EventDoseActivated:
		result, err = c.handler.PlanDose(ctx, event.DoseID)
	case EventDoseTaken:
		result, err = c.handler.CancelDose(ctx, event.DoseID)
	default:
		c.logger.Warn("Unknown event type",
			zap.String("event_type", event.EventType),
		)
		return nil
	}
	if err != nil {
		return err
	}

	c.logger.Info("Dose event processed",
		zap.String("event_type", event.EventType),
		zap.Int64("dose_id", event.DoseID),
		zap.String("status", string(result.Status)),
		zap.String("reason", result.Reason),
	)
	return nil
}

// ParseDoseEvent 解析消息：优先读取 data 字段中的 JSON，否则读取平铺字段
func ParseDoseEvent(values map[string]interface{}) (*DoseEvent, error) {
	if dataStr, ok := values["data"].(string); ok {
		var event DoseEvent
		if err := json.Unmarshal([]byte(dataStr), &event); err == nil && event.EventType != "" && event.DoseID > 0 {
			return &event, nil
		}
	}

	event := &DoseEvent{}
	if eventType, ok := values["event_type"].(string); ok {
		event.EventType = eventType
	}
	if doseID, ok := values["dose_id"].(string); ok {
		id, err := strconv.ParseInt(doseID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: dose_id %q", errInvalidEvent, doseID)
		}
		event.DoseID = id
	}
	if userID, ok := values["user_id"].(string); ok {
		event.UserID, _ = strconv.ParseInt(userID, 10, 64)
	}

	if event.EventType == "" || event.DoseID <= 0 {
		return nil, fmt.Errorf("%w: missing event_type or dose_id", errInvalidEvent)
	}
	return event, nil
}
