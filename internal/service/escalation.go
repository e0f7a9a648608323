package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-guardian/internal/evaluator"
	"wisefido-guardian/internal/metrics"
	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/notify"
	"wisefido-guardian/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier 报警通知
type Notifier interface {
	Notify(ctx context.Context, person models.Person, alert models.Alert) (notify.Dispatch, error)
}

// HeartbeatResult 心跳处理结果
type HeartbeatResult struct {
	Received     time.Time `json:"received_at"`
	Cancelled    int       `json:"cancelled_alerts"`
	NextExpected time.Time `json:"next_expected_at"`
}

// Escalation 报警创建与状态迁移
type Escalation struct {
	store             repository.Store
	cooldown          *evaluator.CooldownGuard
	notifier          Notifier
	heartbeatInterval time.Duration
	now               func() time.Time
	logger            *zap.Logger
	metrics           *metrics.Metrics
}

// NewEscalation 创建升级驱动
func NewEscalation(
	store repository.Store,
	cooldown *evaluator.CooldownGuard,
	notifier Notifier,
	heartbeatInterval time.Duration,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Escalation {
	return &Escalation{
		store:             store,
		cooldown:          cooldown,
		notifier:          notifier,
		heartbeatInterval: heartbeatInterval,
		now:               func() time.Time { return time.Now().UTC() },
		logger:            logger,
		metrics:           m,
	}
}

// CreateAlert 冷却判断与写入在同一人员作用域内完成，冷却生效时返回 nil, nil
func (e *Escalation) CreateAlert(ctx context.Context, personID string, kind models.AlertKind, now time.Time) (*models.Alert, error) {
	alert, _, err := e.createAlert(ctx, personID, kind, now, nil)
	return alert, err
}

// CreateInactivityAlert 在人员作用域内重新读取最近心跳，作用域外读取之后到达的心跳会使本次创建跳过
// active 为 true 表示阈值内已有心跳，此时不创建报警
func (e *Escalation) CreateInactivityAlert(ctx context.Context, personID string, threshold time.Duration, now time.Time) (alert *models.Alert, active bool, err error) {
	return e.createAlert(ctx, personID, models.KindInactivity, now, func(l repository.Ledger) (bool, error) {
		hb, err := l.LatestHeartbeat(ctx, personID)
		if err != nil {
			return false, err
		}
		return hb == nil || now.Sub(hb.Timestamp) > threshold, nil
	})
}

// createAlert precondition 返回 false 时不创建（skipped = true），也不计入冷却抑制
func (e *Escalation) createAlert(
	ctx context.Context,
	personID string,
	rawKind models.AlertKind,
	now time.Time,
	precondition func(repository.Ledger) (bool, error),
) (created *models.Alert, skipped bool, err error) {
	kind, err := models.ParseAlertKind(string(rawKind))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidKind, string(rawKind))
	}
	if personID == "" {
		return nil, false, fmt.Errorf("%w: person id is required", ErrInvalidInput)
	}

	err = e.store.InPersonScope(ctx, personID, func(l repository.Ledger) error {
		if precondition != nil {
			ok, err := precondition(l)
			if err != nil {
				return err
			}
			if !ok {
				skipped = true
				return nil
			}
		}
		active, err := e.cooldown.Active(ctx, l, personID, now)
		if err != nil {
			return err
		}
		if active {
			return nil
		}
		alert := &models.Alert{
			ID:        uuid.NewString(),
			PersonID:  personID,
			Kind:      kind,
			Status:    models.StatusOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := l.InsertAlert(ctx, alert); err != nil {
			return err
		}
		created = alert
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create alert: %w", err)
	}
	if skipped {
		e.logger.Debug("Alert precondition no longer holds, skipped",
			zap.String("person_id", personID),
			zap.String("kind", string(kind)),
		)
		return nil, true, nil
	}

	if created == nil {
		e.logger.Info("Alert suppressed by cooldown",
			zap.String("person_id", personID),
			zap.String("kind", string(kind)),
		)
		e.metrics.AlertSuppressed(string(kind))
		return nil, false, nil
	}

	e.logger.Info("Alert created",
		zap.String("alert_id", created.ID),
		zap.String("person_id", personID),
		zap.String("kind", string(kind)),
	)
	e.metrics.AlertCreated(string(kind))
	return created, false, nil
}

// RaiseAlert 创建报警并立即通知（手动 SOS 与传感器事件）
func (e *Escalation) RaiseAlert(ctx context.Context, personID string, kind models.AlertKind) (*models.Alert, error) {
	alert, err := e.CreateAlert(ctx, personID, kind, e.now())
	if err != nil || alert == nil {
		return alert, err
	}

	// 报警已提交，通知不随请求取消
	e.notify(context.WithoutCancel(ctx), personID, *alert)
	return alert, nil
}

// Act 照护人或本人确认 / 取消报警
func (e *Escalation) Act(ctx context.Context, actor models.Actor, alertID string, rawAction string) (*models.Alert, error) {
	action, err := models.ParseAction(rawAction)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, rawAction)
	}
	if _, err := uuid.Parse(alertID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}

	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
		}
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}

	if err := e.authorize(ctx, actor, alert); err != nil {
		return nil, err
	}
	if alert.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlertClosed, alertID, alert.Status)
	}

	now := e.now()
	var updated *models.Alert
	err = e.store.InPersonScope(ctx, alert.PersonID, func(l repository.Ledger) error {
		ok, err := l.SetAlertStatus(ctx, alertID, action.Target(), now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlertClosed
		}
		updated, err = l.GetAlert(ctx, alertID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAlertClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}

	e.logger.Info("Alert status changed",
		zap.String("alert_id", alertID),
		zap.String("person_id", alert.PersonID),
		zap.String("actor_id", actor.ID),
		zap.String("status", string(updated.Status)),
	)
	e.metrics.AlertsClosed(string(updated.Status), "action", 1)
	return updated, nil
}

// authorize 本人始终可操作，照护人需已关联
func (e *Escalation) authorize(ctx context.Context, actor models.Actor, alert *models.Alert) error {
	switch actor.Role {
	case models.RoleUser:
		if actor.ID == alert.PersonID {
			return nil
		}
	case models.RoleCaregiver:
		linked, err := e.store.IsLinked(ctx, alert.PersonID, actor.ID)
		if err != nil {
			return fmt.Errorf("failed to check caregiver link: %w", err)
		}
		if linked {
			return nil
		}
	}
	return ErrForbidden
}

// RecordHeartbeat 记录心跳并取消处理时刻之前创建的全部 OPEN 报警
func (e *Escalation) RecordHeartbeat(ctx context.Context, personID string, ts time.Time) (HeartbeatResult, error) {
	if personID == "" {
		return HeartbeatResult{}, fmt.Errorf("%w: person id is required", ErrInvalidInput)
	}
	now := e.now()
	if ts.IsZero() || ts.After(now) {
		ts = now
	}
	ts = ts.UTC()

	var cancelled int
	err := e.store.InPersonScope(ctx, personID, func(l repository.Ledger) error {
		if err := l.InsertHeartbeat(ctx, models.Heartbeat{PersonID: personID, Timestamp: ts}); err != nil {
			return err
		}
		var err error
		cancelled, err = l.CancelAllOpen(ctx, personID, now, now)
		return err
	})
	if err != nil {
		return HeartbeatResult{}, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	if cancelled > 0 {
		e.logger.Info("Heartbeat cancelled open alerts",
			zap.String("person_id", personID),
			zap.Int("cancelled", cancelled),
		)
		e.metrics.AlertsClosed(string(models.StatusCancelled), "heartbeat", cancelled)
	}
	return HeartbeatResult{
		Received:     ts,
		Cancelled:    cancelled,
		NextExpected: ts.Add(e.heartbeatInterval),
	}, nil
}

// notify 查询被监护人并扇出，失败只记录日志
func (e *Escalation) notify(ctx context.Context, personID string, alert models.Alert) {
	person, err := e.store.GetPerson(ctx, personID)
	if err != nil {
		e.logger.Warn("Failed to load person for notification, using id",
			zap.String("person_id", personID),
			zap.Error(err),
		)
		person = &models.Person{ID: personID}
	}
	if _, err := e.notifier.Notify(ctx, *person, alert); err != nil {
		e.logger.Error("Failed to notify caregivers",
			zap.String("alert_id", alert.ID),
			zap.String("person_id", personID),
			zap.Error(err),
		)
	}
}
