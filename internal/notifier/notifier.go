package notifier

import (
	"context"
	"errors"
)

// Status 推送结果
type Status string

const (
	StatusSent Status = "SENT"
	// StatusUnregistered 地址已失效，由目录服务负责清理
	StatusUnregistered Status = "UNREGISTERED_ADDRESS"
	StatusFailed       Status = "FAILED"
)

// ErrNoAddress 没有推送地址
var ErrNoAddress = errors.New("no push address")

// Message 一条推送
type Message struct {
	Address string
	Title   string
	Body    string
	Tags    map[string]string
}

// Sender 推送发送方；Status 以外的细节通过 error 返回
type Sender interface {
	Send(ctx context.Context, msg Message) (Status, error)
}
