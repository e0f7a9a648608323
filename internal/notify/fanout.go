package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wisefido-guardian/internal/models"

	"go.uber.org/zap"
)

// AlertTitle 推送标题
const AlertTitle = "Safety alert"

// TargetSource 通知目标查询
type TargetSource interface {
	NotificationTargetsOf(ctx context.Context, personID string) ([]models.NotificationTarget, error)
}

// Dispatch 一次扇出的实际发送对象
type Dispatch struct {
	Caregivers int
	Tokens     []string
	Phones     []string
}

// Empty 没有任何发送对象
func (d Dispatch) Empty() bool {
	return len(d.Tokens) == 0 && len(d.Phones) == 0
}

// Fanout 报警通知扇出：推送与电话并行发送
type Fanout struct {
	targets TargetSource
	channel Channel
	timeout time.Duration
	logger  *zap.Logger
}

// NewFanout 创建扇出，timeout 为单渠道发送上限
func NewFanout(targets TargetSource, channel Channel, timeout time.Duration, logger *zap.Logger) *Fanout {
	return &Fanout{
		targets: targets,
		channel: channel,
		timeout: timeout,
		logger:  logger,
	}
}

// AlertBody 推送正文与电话朗读内容
func AlertBody(person models.Person, alert models.Alert) string {
	return fmt.Sprintf("%s alert for %s", alert.Kind, person.DisplayName())
}

// Notify 通知被监护人的全部照护人，两个渠道都结束后返回
func (f *Fanout) Notify(ctx context.Context, person models.Person, alert models.Alert) (Dispatch, error) {
	targets, err := f.targets.NotificationTargetsOf(ctx, person.ID)
	if err != nil {
		return Dispatch{}, fmt.Errorf("failed to resolve notification targets: %w", err)
	}

	dispatch := collect(targets)
	if dispatch.Caregivers == 0 {
		f.logger.Debug("No caregivers linked, notification skipped",
			zap.String("person_id", person.ID),
			zap.String("alert_id", alert.ID),
		)
		return dispatch, nil
	}

	if dispatch.Empty() {
		f.logger.Warn("Caregivers have no device token or phone, notification skipped",
			zap.String("person_id", person.ID),
			zap.String("alert_id", alert.ID),
			zap.Int("caregivers", dispatch.Caregivers),
		)
		return dispatch, nil
	}

	body := AlertBody(person, alert)
	var wg sync.WaitGroup
	if len(dispatch.Tokens) > 0 {
		f.dispatch(ctx, &wg, "push", alert.ID, func(chCtx context.Context) {
			f.channel.SendPush(chCtx, dispatch.Tokens, AlertTitle, body)
		})
	}
	if len(dispatch.Phones) > 0 {
		f.dispatch(ctx, &wg, "call", alert.ID, func(chCtx context.Context) {
			f.channel.MakeCall(chCtx, dispatch.Phones, body)
		})
	}
	wg.Wait()

	f.logger.Info("Alert notification dispatched",
		zap.String("person_id", person.ID),
		zap.String("alert_id", alert.ID),
		zap.String("kind", string(alert.Kind)),
		zap.Int("caregivers", dispatch.Caregivers),
		zap.Int("tokens", len(dispatch.Tokens)),
		zap.Int("phones", len(dispatch.Phones)),
	)
	return dispatch, nil
}

// dispatch 在独立 goroutine 中发送，单渠道 panic 只记录日志
func (f *Fanout) dispatch(ctx context.Context, wg *sync.WaitGroup, channel, alertID string, send func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error("Notification channel panicked",
					zap.String("channel", channel),
					zap.String("alert_id", alertID),
					zap.Any("panic", r),
				)
			}
		}()
		chCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		send(chCtx)
	}()
}

// collect 去重合并 token 与电话，保持首次出现的顺序
func collect(targets []models.NotificationTarget) Dispatch {
	d := Dispatch{Caregivers: len(targets)}
	seenTokens := make(map[string]struct{})
	seenPhones := make(map[string]struct{})
	for _, t := range targets {
		for _, token := range t.Tokens {
			if token == "" {
				continue
			}
			if _, ok := seenTokens[token]; ok {
				continue
			}
			seenTokens[token] = struct{}{}
			d.Tokens = append(d.Tokens, token)
		}
		if t.Phone == "" {
			continue
		}
		if _, ok := seenPhones[t.Phone]; ok {
			continue
		}
		seenPhones[t.Phone] = struct{}{}
		d.Phones = append(d.Phones, t.Phone)
	}
	return d
}
