package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"wisefido-guardian/owl-common/config"
)

// 存储驱动
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config 监护服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// Store 存储驱动：postgres | memory（memory 仅限单实例）
	Store struct {
		Driver string
	}

	HTTP struct {
		Addr string
	}

	// 监护与升级参数
	Monitor struct {
		HeartbeatInterval time.Duration // 客户端心跳间隔，默认 45 分钟
		StandardThreshold time.Duration // 白天静默阈值，默认 8 小时
		NightThreshold    time.Duration // 夜间静默阈值，默认 12 小时
		HighRiskThreshold time.Duration // 高风险静默阈值，默认 4 小时
		NightStartHour    int           // 夜间开始（含），默认 22
		NightEndHour      int           // 夜间结束（不含），默认 7
		Timezone          string        // 判断夜间所用时区，默认 UTC
		Location          *time.Location

		Cooldown  time.Duration // 同一人两次报警最小间隔，默认 60 分钟
		CallDelay time.Duration // 未处理报警电话兜底延迟，默认 10 分钟

		InactivitySweepInterval time.Duration // 静默巡检周期，默认 15 分钟
		FallbackSweepInterval   time.Duration // 电话兜底巡检周期，默认 5 分钟
		SweepTimeout            time.Duration // 单次巡检超时，默认 2 分钟
		LeaseTTL                time.Duration // 跨实例巡检租约有效期，默认 5 分钟
	}

	Notify struct {
		FCMServerKey     string
		FCMEndpoint      string
		TwilioAccountSID string
		TwilioAuthToken  string
		TwilioFromNumber string
		TwilioBaseURL    string
		DispatchTimeout  time.Duration // 单渠道发送超时，默认 10 秒
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（先读取 .env，文件不存在时忽略）
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "guardian"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.ClientID = "wisefido-guardian"
	cfg.MQTT.QoS = 1
	cfg.MQTT.Topic = "wisefido/guardian/+/events"
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Store.Driver = strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres))
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Monitor.HeartbeatInterval = getEnvMinutes("HEARTBEAT_INTERVAL_MINUTES", 45)
	cfg.Monitor.StandardThreshold = getEnvHours("INACTIVITY_STANDARD_HOURS", 8)
	cfg.Monitor.NightThreshold = getEnvHours("INACTIVITY_NIGHT_HOURS", 12)
	cfg.Monitor.HighRiskThreshold = getEnvHours("INACTIVITY_HIGH_RISK_HOURS", 4)
	cfg.Monitor.NightStartHour = getEnvInt("NIGHT_START_HOUR", 22)
	cfg.Monitor.NightEndHour = getEnvInt("NIGHT_END_HOUR", 7)
	cfg.Monitor.Timezone = getEnv("MONITOR_TIMEZONE", "UTC")
	cfg.Monitor.Cooldown = getEnvMinutes("ALERT_COOLDOWN_MINUTES", 60)
	cfg.Monitor.CallDelay = getEnvMinutes("CALL_DELAY_MINUTES", 10)
	cfg.Monitor.InactivitySweepInterval = getEnvMinutes("INACTIVITY_SWEEP_MINUTES", 15)
	cfg.Monitor.FallbackSweepInterval = getEnvMinutes("CALL_FALLBACK_SWEEP_MINUTES", 5)
	cfg.Monitor.SweepTimeout = getEnvSeconds("SWEEP_TIMEOUT_SECONDS", 120)
	cfg.Monitor.LeaseTTL = getEnvSeconds("SWEEP_LEASE_SECONDS", 300)

	cfg.Notify.FCMServerKey = getEnv("FCM_SERVER_KEY", "")
	cfg.Notify.FCMEndpoint = getEnv("FCM_ENDPOINT", "https://fcm.googleapis.com/fcm/send")
	cfg.Notify.TwilioAccountSID = getEnv("TWILIO_ACCOUNT_SID", "")
	cfg.Notify.TwilioAuthToken = getEnv("TWILIO_AUTH_TOKEN", "")
	cfg.Notify.TwilioFromNumber = getEnv("TWILIO_FROM_NUMBER", "")
	cfg.Notify.TwilioBaseURL = getEnv("TWILIO_BASE_URL", "https://api.twilio.com")
	cfg.Notify.DispatchTimeout = getEnvSeconds("NOTIFY_DISPATCH_TIMEOUT_SECONDS", 10)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	loc, err := time.LoadLocation(cfg.Monitor.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid MONITOR_TIMEZONE %q: %w", cfg.Monitor.Timezone, err)
	}
	cfg.Monitor.Location = loc

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"HEARTBEAT_INTERVAL_MINUTES", c.Monitor.HeartbeatInterval},
		{"INACTIVITY_STANDARD_HOURS", c.Monitor.StandardThreshold},
		{"INACTIVITY_NIGHT_HOURS", c.Monitor.NightThreshold},
		{"INACTIVITY_HIGH_RISK_HOURS", c.Monitor.HighRiskThreshold},
		{"ALERT_COOLDOWN_MINUTES", c.Monitor.Cooldown},
		{"CALL_DELAY_MINUTES", c.Monitor.CallDelay},
		{"INACTIVITY_SWEEP_MINUTES", c.Monitor.InactivitySweepInterval},
		{"CALL_FALLBACK_SWEEP_MINUTES", c.Monitor.FallbackSweepInterval},
		{"SWEEP_TIMEOUT_SECONDS", c.Monitor.SweepTimeout},
		{"SWEEP_LEASE_SECONDS", c.Monitor.LeaseTTL},
		{"NOTIFY_DISPATCH_TIMEOUT_SECONDS", c.Notify.DispatchTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	// 租约需覆盖整次巡检
	if c.Monitor.LeaseTTL < c.Monitor.SweepTimeout {
		return fmt.Errorf("SWEEP_LEASE_SECONDS (%s) must not be shorter than SWEEP_TIMEOUT_SECONDS (%s)",
			c.Monitor.LeaseTTL, c.Monitor.SweepTimeout)
	}
	if c.Monitor.NightStartHour < 0 || c.Monitor.NightStartHour > 23 {
		return fmt.Errorf("NIGHT_START_HOUR must be within 0..23, got %d", c.Monitor.NightStartHour)
	}
	if c.Monitor.NightEndHour < 0 || c.Monitor.NightEndHour > 23 {
		return fmt.Errorf("NIGHT_END_HOUR must be within 0..23, got %d", c.Monitor.NightEndHour)
	}
	switch c.Store.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt 格式错误时返回 -1，交给 Validate 拒绝
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return -1
	}
	return n
}

func getEnvMinutes(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Minute
}

func getEnvHours(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Hour
}

func getEnvSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Second
}
