package notify

import (
	"context"
	"encoding/xml"
	"strings"
	"time"

	"wisefido-guardian/internal/metrics"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// TwilioConfig Twilio 语音配置
type TwilioConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	FromNumber string
}

func (c TwilioConfig) configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

// TwilioCaller Twilio 语音电话
type TwilioCaller struct {
	httpClient *resty.Client
	config     TwilioConfig
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewTwilioCaller 创建 Twilio 电话渠道，配置不完整时电话被跳过
func NewTwilioCaller(cfg TwilioConfig, logger *zap.Logger, m *metrics.Metrics) *TwilioCaller {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(15*time.Second).
		SetHeader("Accept", "application/json").
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken)

	return &TwilioCaller{
		httpClient: client,
		config:     cfg,
		logger:     logger,
		metrics:    m,
	}
}

// MakeCall 逐个号码拨打，单个号码失败不影响其他号码
func (c *TwilioCaller) MakeCall(ctx context.Context, numbers []string, message string) {
	if len(numbers) == 0 {
		return
	}
	if !c.config.configured() {
		c.logger.Warn("Twilio not configured, call skipped", zap.Int("numbers", len(numbers)))
		c.metrics.Notification("call", metrics.OutcomeSkipped)
		return
	}

	twiml := sayTwiML(message)
	for _, number := range numbers {
		if err := ctx.Err(); err != nil {
			c.logger.Error("Call aborted", zap.String("to", number), zap.Error(err))
			c.metrics.Notification("call", metrics.OutcomeFailed)
			continue
		}
		c.call(ctx, number, twiml)
	}
}

func (c *TwilioCaller) call(ctx context.Context, number, twiml string) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("sid", c.config.AccountSID).
		SetFormData(map[string]string{
			"To":    number,
			"From":  c.config.FromNumber,
			"Twiml": twiml,
		}).
		Post("/2010-04-01/Accounts/{sid}/Calls.json")
	if err != nil {
		c.logger.Error("Twilio call failed", zap.String("to", number), zap.Error(err))
		c.metrics.Notification("call", metrics.OutcomeFailed)
		return
	}
	if resp.IsError() {
		c.logger.Error("Twilio returned error",
			zap.String("to", number),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", resp.String()),
		)
		c.metrics.Notification("call", metrics.OutcomeFailed)
		return
	}

	c.logger.Info("Twilio call placed", zap.String("to", number))
	c.metrics.Notification("call", metrics.OutcomeSent)
}

// sayTwiML 朗读文本的 TwiML
func sayTwiML(message string) string {
	var b strings.Builder
	b.WriteString("<Response><Say>")
	_ = xml.EscapeText(&b, []byte(message))
	b.WriteString("</Say></Response>")
	return b.String()
}
