package evaluator

import (
	"context"
	"fmt"
	"time"

	"wisefido-guardian/internal/models"
)

// AlertHistory 冷却判断所需的报警读取能力
type AlertHistory interface {
	AlertsSince(ctx context.Context, personID string, since time.Time) ([]models.Alert, error)
}

// CooldownGuard 报警冷却：窗口内已有任意类型、任意状态的报警即抑制
type CooldownGuard struct {
	Window time.Duration
}

// NewCooldownGuard 创建冷却判断
func NewCooldownGuard(window time.Duration) *CooldownGuard {
	return &CooldownGuard{Window: window}
}

// Active 冷却是否生效（需与插入在同一人员作用域内调用）
func (g *CooldownGuard) Active(ctx context.Context, history AlertHistory, personID string, now time.Time) (bool, error) {
	alerts, err := history.AlertsSince(ctx, personID, now.Add(-g.Window))
	if err != nil {
		return false, fmt.Errorf("failed to read recent alerts: %w", err)
	}
	return len(alerts) > 0, nil
}
