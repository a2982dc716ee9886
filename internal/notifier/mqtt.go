package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Publisher MQTT 发布接口（common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte, timeout time.Duration) error
}

// mqttPayload 推送网关消费的消息体
type mqttPayload struct {
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
	SentAt int64             `json:"sent_at"`
}

// MQTTSender 通过 MQTT 推送网关投递（原生设备 token）
// topic: {prefix}/{address}
type MQTTSender struct {
	publisher   Publisher
	topicPrefix string
	qos         byte
	timeout     time.Duration
	logger      *zap.Logger
}

// NewMQTTSender 创建 MQTT 发送方
func NewMQTTSender(publisher Publisher, topicPrefix string, qos byte, timeout time.Duration, logger *zap.Logger) *MQTTSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MQTTSender{
		publisher:   publisher,
		topicPrefix: topicPrefix,
		qos:         qos,
		timeout:     timeout,
		logger:      logger,
	}
}

// Send 发布到设备 topic；网关不回执，发布成功即视为 SENT
func (s *MQTTSender) Send(ctx context.Context, msg Message) (Status, error) {
	if msg.Address == "" {
		return StatusFailed, ErrNoAddress
	}

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return StatusFailed, ctx.Err()
	}

	payload, err := json.Marshal(mqttPayload{
		Title:  msg.Title,
		Body:   msg.Body,
		Data:   msg.Tags,
		SentAt: time.Now().Unix(),
	})
	if err != nil {
		return StatusFailed, fmt.Errorf("failed to marshal push payload: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", s.topicPrefix, msg.Address)
	if err := s.publisher.Publish(topic, s.qos, false, payload, timeout); err != nil {
		s.logger.Error("MQTT push failed",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return StatusFailed, err
	}
	return StatusSent, nil
}
