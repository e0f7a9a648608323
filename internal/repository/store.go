package repository

import (
	"context"
	"errors"
	"time"

	"wisefido-guardian/internal/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("not found")

// Ledger 人员作用域内的报警账本操作（同一人员的调用串行执行）
type Ledger interface {
	// AlertsSince 返回 created_at >= since 的全部报警（任意类型、任意状态）
	AlertsSince(ctx context.Context, personID string, since time.Time) ([]models.Alert, error)
	OpenAlertsFor(ctx context.Context, personID string) ([]models.Alert, error)
	InsertAlert(ctx context.Context, alert *models.Alert) error
	// SetAlertStatus 仅当当前状态为 OPEN 时更新，返回是否更新成功
	SetAlertStatus(ctx context.Context, alertID string, status models.AlertStatus, at time.Time) (bool, error)
	// CancelAllOpen 取消 created_at <= upTo 的 OPEN 报警，返回取消数量
	CancelAllOpen(ctx context.Context, personID string, upTo, at time.Time) (int, error)
	InsertHeartbeat(ctx context.Context, hb models.Heartbeat) error
	// LatestHeartbeat 没有心跳时返回 nil, nil
	LatestHeartbeat(ctx context.Context, personID string) (*models.Heartbeat, error)
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
}

// Store 监护服务存储
type Store interface {
	// InPersonScope 在同一人员的串行作用域内执行 fn，fn 返回错误时不提交
	InPersonScope(ctx context.Context, personID string, fn func(Ledger) error) error

	ListMonitoredPersons(ctx context.Context) ([]models.Person, error)
	GetPerson(ctx context.Context, personID string) (*models.Person, error)
	// LatestHeartbeat 没有心跳时返回 nil, nil
	LatestHeartbeat(ctx context.Context, personID string) (*models.Heartbeat, error)

	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
	// ListAlertsFor 按 created_at 倒序返回
	ListAlertsFor(ctx context.Context, personIDs []string, limit int) ([]models.Alert, error)
	// OpenAlertsOlderThan 返回 created_at <= cutoff 且尚未触发电话兜底的 OPEN 报警
	OpenAlertsOlderThan(ctx context.Context, cutoff time.Time) ([]models.Alert, error)
	// MarkFallbackNotified 原子地标记电话兜底，已被标记或报警已关闭时返回 false
	MarkFallbackNotified(ctx context.Context, alertID string, at time.Time) (bool, error)

	CaregiversOf(ctx context.Context, personID string) ([]string, error)
	IsLinked(ctx context.Context, personID, caregiverID string) (bool, error)
	NotificationTargetsOf(ctx context.Context, personID string) ([]models.NotificationTarget, error)

	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	LinkCaregiver(ctx context.Context, personID, caregiverID string) error
	// LinkedPersons USER 返回其照护人，CAREGIVER 返回其被监护人
	LinkedPersons(ctx context.Context, userID string, role models.Role) ([]models.User, error)
	SetCaregiverPhone(ctx context.Context, caregiverID, phone string) error
	CaregiverPhone(ctx context.Context, caregiverID string) (string, error)
	RegisterDeviceToken(ctx context.Context, userID, token, platform string) error
	// UpsertSafeZone 每人一个安全区域，已存在时覆盖
	UpsertSafeZone(ctx context.Context, zone models.SafeZone) (*models.SafeZone, error)
	SafeZones(ctx context.Context, personID string) ([]models.SafeZone, error)

	Ping(ctx context.Context) error
}
