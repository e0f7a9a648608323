package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wisefido-guardian/internal/metrics"
	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/service"
	mqttcommon "wisefido-guardian/owl-common/mqtt"

	"go.uber.org/zap"
)

// 传感器消息类型
const (
	MessageHeartbeat    = "HEARTBEAT"
	MessageFall         = "FALL"
	MessageGeofenceExit = "GEOFENCE_EXIT"
)

// handleTimeout 单条消息处理上限
const handleTimeout = 15 * time.Second

// Subscriber MQTT 订阅能力（owl-common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// EventSink 传感器事件的落地入口
type EventSink interface {
	RaiseAlert(ctx context.Context, personID string, kind models.AlertKind) (*models.Alert, error)
	RecordHeartbeat(ctx context.Context, personID string, ts time.Time) (service.HeartbeatResult, error)
}

// SensorMessage 设备上报消息
// 主题格式: wisefido/guardian/{person_id}/events
type SensorMessage struct {
	PersonID  string     `json:"person_id"`
	Type      string     `json:"type"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// SensorConsumer 传感器事件消费者
type SensorConsumer struct {
	subscriber Subscriber
	sink       EventSink
	topic      string
	qos        byte
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewSensorConsumer 创建传感器事件消费者
func NewSensorConsumer(subscriber Subscriber, sink EventSink, topic string, qos byte, logger *zap.Logger, m *metrics.Metrics) *SensorConsumer {
	return &SensorConsumer{
		subscriber: subscriber,
		sink:       sink,
		topic:      topic,
		qos:        qos,
		logger:     logger,
		metrics:    m,
	}
}

// Start 订阅主题
func (c *SensorConsumer) Start(ctx context.Context) error {
	if err := c.subscriber.Subscribe(c.topic, c.qos, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to sensor topic: %w", err)
	}
	c.logger.Info("Sensor consumer started", zap.String("topic", c.topic))
	return nil
}

// Stop 取消订阅
func (c *SensorConsumer) Stop() {
	if err := c.subscriber.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("Sensor consumer stopped")
}

// handleMessage 处理单条消息，格式错误的消息记录后丢弃
func (c *SensorConsumer) handleMessage(topic string, payload []byte) error {
	msg, err := parseSensorMessage(topic, payload)
	if err != nil {
		c.logger.Warn("Dropping malformed sensor message",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
		c.metrics.SensorMessage("unknown", "malformed")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	switch msg.Type {
	case MessageHeartbeat:
		var ts time.Time
		if msg.Timestamp != nil {
			ts = *msg.Timestamp
		}
		if _, err := c.sink.RecordHeartbeat(ctx, msg.PersonID, ts); err != nil {
			c.metrics.SensorMessage(msg.Type, "failed")
			return fmt.Errorf("failed to record heartbeat for %s: %w", msg.PersonID, err)
		}
	default:
		alert, err := c.sink.RaiseAlert(ctx, msg.PersonID, models.AlertKind(msg.Type))
		if err != nil {
			c.metrics.SensorMessage(msg.Type, "failed")
			return fmt.Errorf("failed to raise %s alert for %s: %w", msg.Type, msg.PersonID, err)
		}
		if alert == nil {
			c.metrics.SensorMessage(msg.Type, "suppressed")
			return nil
		}
	}

	c.metrics.SensorMessage(msg.Type, "accepted")
	c.logger.Debug("Sensor message handled",
		zap.String("person_id", msg.PersonID),
		zap.String("type", msg.Type),
	)
	return nil
}

// parseSensorMessage 解析并校验消息，person_id 缺省时取主题中的段
func parseSensorMessage(topic string, payload []byte) (SensorMessage, error) {
	var msg SensorMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("invalid json: %w", err)
	}

	topicPerson := personFromTopic(topic)
	switch {
	case msg.PersonID == "":
		msg.PersonID = topicPerson
	case topicPerson != "" && topicPerson != msg.PersonID:
		return msg, fmt.Errorf("person_id %q does not match topic", msg.PersonID)
	}
	if msg.PersonID == "" {
		return msg, fmt.Errorf("person_id is required")
	}

	msg.Type = strings.ToUpper(strings.TrimSpace(msg.Type))
	switch msg.Type {
	case MessageHeartbeat, MessageFall, MessageGeofenceExit:
	default:
		return msg, fmt.Errorf("unsupported type %q", msg.Type)
	}
	return msg, nil
}

// personFromTopic wisefido/guardian/{person_id}/events
func personFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[3] != "events" {
		return ""
	}
	return parts[2]
}
