package notify

import "context"

// Pusher 推送渠道
type Pusher interface {
	SendPush(ctx context.Context, tokens []string, title, body string)
}

// Caller 语音电话渠道
type Caller interface {
	MakeCall(ctx context.Context, numbers []string, message string)
}

// Channel 通知渠道：发送失败只记录日志与指标，不向调用方返回
type Channel interface {
	Pusher
	Caller
}

// MultiChannel 组合推送与电话渠道
type MultiChannel struct {
	Pusher
	Caller
}

// NewMultiChannel 创建组合渠道
func NewMultiChannel(pusher Pusher, caller Caller) *MultiChannel {
	return &MultiChannel{Pusher: pusher, Caller: caller}
}
