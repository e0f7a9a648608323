package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.AlertCreated("FALL")
	m.AlertCreated("FALL")
	m.AlertSuppressed("MANUAL_SOS")
	m.AlertsClosed("CANCELLED", "heartbeat", 3)
	m.AlertsClosed("CANCELLED", "heartbeat", 0)
	m.Notification("push", OutcomeSent)
	m.Notification("call", OutcomeFailed)
	m.SweepRun("inactivity", "ok", 250*time.Millisecond)
	m.SensorMessage("FALL", "accepted")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.alertsCreated.WithLabelValues("FALL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsSuppressed.WithLabelValues("MANUAL_SOS")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.alertsClosed.WithLabelValues("CANCELLED", "heartbeat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("push", OutcomeSent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("call", OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepRuns.WithLabelValues("inactivity", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sensorMessages.WithLabelValues("FALL", "accepted")))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AlertCreated("FALL")
		m.AlertSuppressed("FALL")
		m.AlertsClosed("CONFIRMED", "action", 1)
		m.Notification("push", OutcomeSent)
		m.SweepRun("inactivity", "ok", time.Second)
		m.SensorMessage("FALL", "accepted")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.AlertCreated("INACTIVITY")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `guardian_alerts_created_total{kind="INACTIVITY"} 1`)
}
