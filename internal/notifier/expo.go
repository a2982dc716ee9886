package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const expoSendPath = "/--/api/v2/push/send"

// expoMessage Expo 推送请求
type expoMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound,omitempty"`
}

// expoTicket Expo 推送回执
type expoTicket struct {
	Status  string `json:"status"` // ok | error
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"` // DeviceNotRegistered, MessageTooBig ...
	} `json:"details"`
}

type expoResponse struct {
	Data   expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// ExpoSender 通过 Expo Push API 发送（ExponentPushToken[...] 地址）
type ExpoSender struct {
	httpClient *resty.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewExpoSender 创建 Expo 客户端
func NewExpoSender(baseURL, accessToken string, timeout time.Duration, ratePerSecond float64, burst int, logger *zap.Logger) *ExpoSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if accessToken != "" {
		client.SetAuthToken(accessToken)
	}

	return &ExpoSender{
		httpClient: client,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		logger:     logger,
	}
}

// Send 发送一条推送
func (s *ExpoSender) Send(ctx context.Context, msg Message) (Status, error) {
	if msg.Address == "" {
		return StatusFailed, ErrNoAddress
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return StatusFailed, fmt.Errorf("push rate limiter: %w", err)
	}

	var response expoResponse
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetBody(expoMessage{
			To:    msg.Address,
			Title: msg.Title,
			Body:  msg.Body,
			Data:  msg.Tags,
			Sound: "default",
		}).
		SetResult(&response).
		SetError(&response).
		Post(expoSendPath)
	if err != nil {
		s.logger.Error("Expo push call failed",
			zap.String("token", maskToken(msg.Address)),
			zap.Error(err),
		)
		return StatusFailed, fmt.Errorf("failed to call Expo push API: %w", err)
	}

	if resp.IsError() || len(response.Errors) > 0 {
		reason := resp.Status()
		if len(response.Errors) > 0 {
			reason = response.Errors[0].Code + ": " + response.Errors[0].Message
		}
		return StatusFailed, fmt.Errorf("Expo push API error: %s", reason)
	}

	ticket := response.Data
	if ticket.Status == "ok" {
		s.logger.Debug("Expo push sent",
			zap.String("token", maskToken(msg.Address)),
			zap.String("ticket_id", ticket.ID),
		)
		return StatusSent, nil
	}

	if ticket.Details.Error == "DeviceNotRegistered" {
		s.logger.Warn("Expo push token not registered",
			zap.String("token", maskToken(msg.Address)),
		)
		return StatusUnregistered, fmt.Errorf("device not registered: %s", ticket.Message)
	}

	return StatusFailed, fmt.Errorf("Expo push ticket error: %s (%s)", ticket.Message, ticket.Details.Error)
}

// IsExpoToken Expo 推送地址格式
func IsExpoToken(address string) bool {
	return strings.HasPrefix(address, "ExponentPushToken[") || strings.HasPrefix(address, "ExpoPushToken[")
}

func maskToken(token string) string {
	if len(token) <= 20 {
		return token
	}
	return token[:20] + "..."
}
