package evaluator

import (
	"time"

	"wisefido-guardian/internal/models"
)

// ThresholdPolicy 静默阈值策略
type ThresholdPolicy struct {
	Standard       time.Duration
	Night          time.Duration
	HighRisk       time.Duration
	NightStartHour int // 含
	NightEndHour   int // 不含
	Location       *time.Location
}

// NewThresholdPolicy 创建阈值策略，loc 为 nil 时按 UTC 判断夜间
func NewThresholdPolicy(standard, night, highRisk time.Duration, nightStart, nightEnd int, loc *time.Location) *ThresholdPolicy {
	if loc == nil {
		loc = time.UTC
	}
	return &ThresholdPolicy{
		Standard:       standard,
		Night:          night,
		HighRisk:       highRisk,
		NightStartHour: nightStart,
		NightEndHour:   nightEnd,
		Location:       loc,
	}
}

// Threshold 返回某人当前允许的最长静默时长
func (p *ThresholdPolicy) Threshold(tier models.RiskTier, now time.Time) time.Duration {
	if tier == models.RiskHigh {
		return p.HighRisk
	}
	if p.IsNight(now) {
		return p.Night
	}
	return p.Standard
}

// IsNight 夜间窗口判断，start > end 时跨越午夜，start == end 时没有夜间窗口
func (p *ThresholdPolicy) IsNight(now time.Time) bool {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := now.In(loc).Hour()
	start, end := p.NightStartHour, p.NightEndHour
	switch {
	case start > end:
		return hour >= start || hour < end
	case start < end:
		return hour >= start && hour < end
	default:
		return false
	}
}
