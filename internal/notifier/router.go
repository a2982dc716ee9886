package notifier

import "context"

// Router 按地址格式选择发送通道：Expo token 走 Expo，其余走 fallback
type Router struct {
	expo     Sender
	fallback Sender
}

// NewRouter 创建路由；fallback 可为 nil
func NewRouter(expo, fallback Sender) *Router {
	return &Router{expo: expo, fallback: fallback}
}

// Send 分发
func (r *Router) Send(ctx context.Context, msg Message) (Status, error) {
	if msg.Address == "" {
		return StatusFailed, ErrNoAddress
	}
	if IsExpoToken(msg.Address) || r.fallback == nil {
		return r.expo.Send(ctx, msg)
	}
	return r.fallback.Send(ctx, msg)
}
