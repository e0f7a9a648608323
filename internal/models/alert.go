package models

import (
	"fmt"
	"strings"
	"time"
)

// AlertKind 报警类型
type AlertKind string

const (
	KindManualSOS    AlertKind = "MANUAL_SOS"
	KindInactivity   AlertKind = "INACTIVITY"
	KindGeofenceExit AlertKind = "GEOFENCE_EXIT"
	KindFall         AlertKind = "FALL"
)

// ParseAlertKind 解析报警类型（大小写不敏感）
func ParseAlertKind(s string) (AlertKind, error) {
	switch k := AlertKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindManualSOS, KindInactivity, KindGeofenceExit, KindFall:
		return k, nil
	default:
		return "", fmt.Errorf("unknown alert kind %q", s)
	}
}

// IsSensorKind 传感器自动上报的类型
func (k AlertKind) IsSensorKind() bool {
	switch k {
	case KindGeofenceExit, KindFall:
		return true
	default:
		return false
	}
}

// AlertStatus 报警状态
type AlertStatus string

const (
	StatusOpen      AlertStatus = "OPEN"
	StatusConfirmed AlertStatus = "CONFIRMED"
	StatusCancelled AlertStatus = "CANCELLED"
)

// ParseAlertStatus 解析状态（存储层读取使用）
func ParseAlertStatus(s string) (AlertStatus, error) {
	switch st := AlertStatus(s); st {
	case StatusOpen, StatusConfirmed, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown alert status %q", s)
	}
}

// IsTerminal CONFIRMED / CANCELLED 不再迁移
func (s AlertStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusCancelled
}

// Action 对报警的显式操作
type Action string

const (
	ActionConfirm Action = "CONFIRM"
	ActionCancel  Action = "CANCEL"
)

// ParseAction 解析操作
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionConfirm, ActionCancel:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Target 操作对应的目标状态
func (a Action) Target() AlertStatus {
	switch a {
	case ActionConfirm:
		return StatusConfirmed
	case ActionCancel:
		return StatusCancelled
	default:
		panic(fmt.Sprintf("models: unhandled action %q", string(a)))
	}
}

// Alert 报警事件（对应 alerts 表）
type Alert struct {
	ID        string      `json:"id"`
	PersonID  string      `json:"user_id"`
	Kind      AlertKind   `json:"type"`
	Status    AlertStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	// FallbackNotifiedAt 电话兜底已触发的时间，非空即表示已升级过
	FallbackNotifiedAt *time.Time `json:"fallback_notified_at,omitempty"`
}

// FallbackNotified 是否已触发过电话兜底
func (a *Alert) FallbackNotified() bool {
	return a.FallbackNotifiedAt != nil
}
