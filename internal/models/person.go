package models

import (
	"fmt"
	"strings"
	"time"
)

// RiskTier 风险等级
type RiskTier string

const (
	RiskStandard RiskTier = "standard"
	RiskHigh     RiskTier = "high"
)

// ParseRiskTier 解析风险等级，空值或未知值按 standard 处理
func ParseRiskTier(s string) RiskTier {
	if strings.EqualFold(strings.TrimSpace(s), string(RiskHigh)) {
		return RiskHigh
	}
	return RiskStandard
}

// Role 调用方角色
type Role string

const (
	RoleUser      Role = "USER"
	RoleCaregiver Role = "CAREGIVER"
)

// ParseRole 解析角色
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleUser, RoleCaregiver:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Person 被监护人
type Person struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Name     string   `json:"name,omitempty"`
	RiskTier RiskTier `json:"risk_level"`
}

// DisplayName 通知文案中使用的名称
func (p Person) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// User 账号（被监护人或照护人）
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// Actor 显式操作报警的调用方
type Actor struct {
	ID   string
	Role Role
}

// Heartbeat 存活信号
type Heartbeat struct {
	PersonID  string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationTarget 照护人的通知渠道
type NotificationTarget struct {
	CaregiverID string
	Tokens      []string
	Phone       string
}
