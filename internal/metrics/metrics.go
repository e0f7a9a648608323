package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guardian"

// 通知结果
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics 监护服务指标，nil 接收者上的调用为空操作
type Metrics struct {
	registry *prometheus.Registry

	alertsCreated    *prometheus.CounterVec
	alertsSuppressed *prometheus.CounterVec
	alertsClosed     *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	sweepRuns        *prometheus.CounterVec
	sweepDuration    *prometheus.HistogramVec
	sensorMessages   *prometheus.CounterVec
}

// NewMetrics 创建指标（独立 registry，避免测试间冲突）
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		alertsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_created_total",
				Help:      "Alerts written to the ledger, by kind",
			},
			[]string{"kind"},
		),
		alertsSuppressed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_suppressed_total",
				Help:      "Alert creations suppressed by the cooldown, by kind",
			},
			[]string{"kind"},
		),
		alertsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_closed_total",
				Help:      "Alerts moved to a terminal status, by status and source",
			},
			[]string{"status", "source"},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notification dispatches, by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		sweepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_runs_total",
				Help:      "Scheduled sweep runs, by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		sweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Scheduled sweep duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		sensorMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sensor_messages_total",
				Help:      "MQTT sensor messages, by type and outcome",
			},
			[]string{"type", "outcome"},
		),
	}
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// AlertCreated 记录报警创建
func (m *Metrics) AlertCreated(kind string) {
	if m == nil {
		return
	}
	m.alertsCreated.WithLabelValues(kind).Inc()
}

// AlertSuppressed 记录冷却抑制
func (m *Metrics) AlertSuppressed(kind string) {
	if m == nil {
		return
	}
	m.alertsSuppressed.WithLabelValues(kind).Inc()
}

// AlertsClosed 记录报警关闭（source: action / heartbeat）
func (m *Metrics) AlertsClosed(status, source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.alertsClosed.WithLabelValues(status, source).Add(float64(n))
}

// Notification 记录一次渠道发送
func (m *Metrics) Notification(channel, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}

// SweepRun 记录一次巡检
func (m *Metrics) SweepRun(job, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(job, outcome).Inc()
	m.sweepDuration.WithLabelValues(job).Observe(d.Seconds())
}

// SensorMessage 记录一条传感器消息
func (m *Metrics) SensorMessage(msgType, outcome string) {
	if m == nil {
		return
	}
	m.sensorMessages.WithLabelValues(msgType, outcome).Inc()
}
