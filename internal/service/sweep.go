package service

import (
	"context"
	"fmt"
	"time"

	"wisefido-guardian/internal/evaluator"
	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/repository"

	"go.uber.org/zap"
)

// SweepReport 单次巡检统计
type SweepReport struct {
	Evaluated  int `json:"evaluated"`
	Created    int `json:"created"`    // 静默巡检新建的报警
	Escalated  int `json:"escalated"`  // 电话兜底实际发出的次数
	Suppressed int `json:"suppressed"` // 冷却抑制或兜底已被其他实例认领
	Failed     int `json:"failed"`
}

// Sweeper 定时巡检：静默检测与电话兜底
type Sweeper struct {
	store      repository.Store
	escalation *Escalation
	policy     *evaluator.ThresholdPolicy
	notifier   Notifier
	callDelay  time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewSweeper 创建巡检器
func NewSweeper(
	store repository.Store,
	escalation *Escalation,
	policy *evaluator.ThresholdPolicy,
	notifier Notifier,
	callDelay time.Duration,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		store:      store,
		escalation: escalation,
		policy:     policy,
		notifier:   notifier,
		callDelay:  callDelay,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// SweepInactivity 对每个被监护人按阈值检查最近心跳，超时则创建 INACTIVITY 报警并通知
// 单人失败只记录并继续，列表读取失败或 ctx 结束时返回错误
func (s *Sweeper) SweepInactivity(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()

	persons, err := s.store.ListMonitoredPersons(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list monitored persons: %w", err)
	}

	for _, person := range persons {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Evaluated++

		outcome, err := s.checkPerson(ctx, person, now)
		if err != nil {
			report.Failed++
			s.logger.Error("Inactivity check failed",
				zap.String("person_id", person.ID),
				zap.Error(err),
			)
			continue
		}
		switch outcome {
		case checkCreated:
			report.Created++
		case checkSuppressed:
			report.Suppressed++
		}
	}

	s.logger.Info("Inactivity sweep finished",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("created", report.Created),
		zap.Int("suppressed", report.Suppressed),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

type checkOutcome int

const (
	checkActive checkOutcome = iota
	checkCreated
	checkSuppressed
)

func (s *Sweeper) checkPerson(ctx context.Context, person models.Person, now time.Time) (checkOutcome, error) {
	hb, err := s.store.LatestHeartbeat(ctx, person.ID)
	if err != nil {
		return checkActive, err
	}
	threshold := s.policy.Threshold(person.RiskTier, now)
	if hb != nil && now.Sub(hb.Timestamp) <= threshold {
		return checkActive, nil
	}

	// 作用域外的读取只用于筛选，作用域内会再次确认
	alert, active, err := s.escalation.CreateInactivityAlert(ctx, person.ID, threshold, now)
	if err != nil {
		return checkActive, err
	}
	if active {
		return checkActive, nil
	}
	if alert == nil {
		return checkSuppressed, nil
	}

	fields := []zap.Field{
		zap.String("person_id", person.ID),
		zap.String("alert_id", alert.ID),
		zap.Duration("threshold", threshold),
	}
	if hb != nil {
		fields = append(fields, zap.Time("last_heartbeat", hb.Timestamp))
	}
	s.logger.Warn("Person inactive beyond threshold", fields...)

	if _, err := s.notifier.Notify(ctx, person, *alert); err != nil {
		s.logger.Error("Failed to notify caregivers",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
	}
	return checkCreated, nil
}

// SweepCallFallbacks 对超过电话延迟仍为 OPEN 的报警做第二次扇出，每个报警最多一次
// 先认领标记再发送
func (s *Sweeper) SweepCallFallbacks(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()

	alerts, err := s.store.OpenAlertsOlderThan(ctx, now.Add(-s.callDelay))
	if err != nil {
		return report, fmt.Errorf("failed to list open alerts: %w", err)
	}

	for _, alert := range alerts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Evaluated++
		if alert.FallbackNotified() {
			report.Suppressed++
			continue
		}

		claimed, err := s.store.MarkFallbackNotified(ctx, alert.ID, now)
		if err != nil {
			report.Failed++
			s.logger.Error("Failed to claim call fallback",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
			continue
		}
		if !claimed {
			report.Suppressed++
			continue
		}

		person, err := s.store.GetPerson(ctx, alert.PersonID)
		if err != nil {
			s.logger.Warn("Failed to load person for call fallback, using id",
				zap.String("person_id", alert.PersonID),
				zap.Error(err),
			)
			person = &models.Person{ID: alert.PersonID}
		}
		mark := now
		alert.FallbackNotifiedAt = &mark

		s.logger.Warn("Alert unattended, escalating to call fallback",
			zap.String("alert_id", alert.ID),
			zap.String("person_id", alert.PersonID),
			zap.Time("created_at", alert.CreatedAt),
		)
		if _, err := s.notifier.Notify(ctx, *person, alert); err != nil {
			report.Failed++
			s.logger.Error("Call fallback notification failed",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
			continue
		}
		report.Escalated++
	}

	s.logger.Info("Call fallback sweep finished",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("escalated", report.Escalated),
		zap.Int("suppressed", report.Suppressed),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}
