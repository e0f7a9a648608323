package notify

import (
	"context"
	"time"

	"wisefido-guardian/internal/metrics"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// fcmBatchSize legacy 接口单次最多 1000 个 registration_ids
const fcmBatchSize = 1000

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound,omitempty"`
}

type fcmRequest struct {
	RegistrationIDs []string        `json:"registration_ids"`
	Priority        string          `json:"priority"`
	Notification    fcmNotification `json:"notification"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// FCMPusher Firebase Cloud Messaging（legacy HTTP）推送
type FCMPusher struct {
	httpClient *resty.Client
	serverKey  string
	endpoint   string
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewFCMPusher 创建 FCM 推送，serverKey 为空时推送被跳过
func NewFCMPusher(endpoint, serverKey string, logger *zap.Logger, m *metrics.Metrics) *FCMPusher {
	client := resty.New().
		SetTimeout(15*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &FCMPusher{
		httpClient: client,
		serverKey:  serverKey,
		endpoint:   endpoint,
		logger:     logger,
		metrics:    m,
	}
}

// SendPush 向全部 token 推送
func (p *FCMPusher) SendPush(ctx context.Context, tokens []string, title, body string) {
	if len(tokens) == 0 {
		return
	}
	if p.serverKey == "" {
		p.logger.Warn("FCM server key not configured, push skipped", zap.Int("tokens", len(tokens)))
		p.metrics.Notification("push", metrics.OutcomeSkipped)
		return
	}

	for start := 0; start < len(tokens); start += fcmBatchSize {
		end := start + fcmBatchSize
		if end > len(tokens) {
			end = len(tokens)
		}
		p.sendBatch(ctx, tokens[start:end], title, body)
	}
}

func (p *FCMPusher) sendBatch(ctx context.Context, tokens []string, title, body string) {
	request := fcmRequest{
		RegistrationIDs: tokens,
		Priority:        "high",
		Notification:    fcmNotification{Title: title, Body: body, Sound: "default"},
	}

	var response fcmResponse
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetHeader("Authorization", "key="+p.serverKey).
		SetBody(request).
		SetResult(&response).
		Post(p.endpoint)
	if err != nil {
		p.logger.Error("FCM push failed",
			zap.Int("tokens", len(tokens)),
			zap.Error(err),
		)
		p.metrics.Notification("push", metrics.OutcomeFailed)
		return
	}
	if resp.IsError() {
		p.logger.Error("FCM returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", resp.String()),
		)
		p.metrics.Notification("push", metrics.OutcomeFailed)
		return
	}

	p.logger.Info("FCM push sent",
		zap.Int("tokens", len(tokens)),
		zap.Int("success", response.Success),
		zap.Int("failure", response.Failure),
	)
	p.metrics.Notification("push", metrics.OutcomeSent)
}
