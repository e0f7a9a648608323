package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"wisefido-guardian/internal/evaluator"
	"wisefido-guardian/internal/metrics"
	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/notify"
	"wisefido-guardian/internal/repository"
	"wisefido-guardian/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingChannel struct {
	mu     sync.Mutex
	pushed []string
	called []string
}

func (c *recordingChannel) SendPush(_ context.Context, tokens []string, _, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed = append(c.pushed, tokens...)
}

func (c *recordingChannel) MakeCall(_ context.Context, numbers []string, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.called = append(c.called, numbers...)
}

func (c *recordingChannel) pushedTokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.pushed...)
}

type apiFixture struct {
	store   *repository.MemoryStore
	channel *recordingChannel
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop()
	store := repository.NewMemoryStore()
	store.AddPerson(models.Person{ID: "p1", Email: "anna@example.com", Name: "Anna"})
	store.AddPerson(models.Person{ID: "p2", Email: "ben@example.com"})
	store.AddCaregiver("c1", "carol@example.com")
	store.AddCaregiver("c2", "dave@example.com")

	channel := &recordingChannel{}
	fanout := notify.NewFanout(store, channel, time.Second, logger)
	m := metrics.NewMetrics()
	escalation := service.NewEscalation(store, evaluator.NewCooldownGuard(5*time.Minute), fanout, 5*time.Minute, logger, m)

	r := NewRouter(logger)
	r.RegisterEventRoutes(NewEventHandler(escalation, store, logger))
	r.RegisterCaregiverRoutes(NewCaregiverHandler(store, logger))
	r.RegisterDeviceRoutes(NewDeviceHandler(store, logger))
	r.RegisterSafeZoneRoutes(NewSafeZoneHandler(store, logger))
	r.RegisterOpsRoutes(store, m.Handler())

	return &apiFixture{store: store, channel: channel, handler: r.Middleware(r)}
}

type apiResponse struct {
	Code    int             `json:"code"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (f *apiFixture) do(t *testing.T, method, path, userID string, role models.Role, body any) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
		req.Header.Set("X-User-Role", string(role))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var resp apiResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func decodeResult[T any](t *testing.T, resp apiResponse) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	return out
}

func TestSOS_CreatesAlertThenCooldown(t *testing.T) {
	f := newAPIFixture(t)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/events/sos", "p1", models.RoleUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ResultSuccess, resp.Code)
	alert := decodeResult[models.Alert](t, resp)
	assert.Equal(t, "p1", alert.PersonID)
	assert.Equal(t, models.KindManualSOS, alert.Kind)
	assert.Equal(t, models.StatusOpen, alert.Status)

	rec, resp = f.do(t, http.MethodPost, "/api/v1/events/sos", "p1", models.RoleUser, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, ResultCooldown, resp.Code)
	assert.Equal(t, "warning", resp.Type)
}

func TestSOS_RequiresUserRole(t *testing.T) {
	f := newAPIFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/events/sos", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/events/sos", "c1", models.RoleCaregiver, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAutoEvent_AcceptsSensorKindsOnly(t *testing.T) {
	f := newAPIFixture(t)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/events/auto", "p1", models.RoleUser, map[string]string{"type": "fall"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.KindFall, decodeResult[models.Alert](t, resp).Kind)

	for _, kind := range []string{"MANUAL_SOS", "INACTIVITY", "SMOKE", ""} {
		rec, _ := f.do(t, http.MethodPost, "/api/v1/events/auto", "p2", models.RoleUser, map[string]string{"type": kind})
		assert.Equal(t, http.StatusBadRequest, rec.Code, kind)
	}
}

func TestAction_ConfirmByLinkedCaregiver(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.LinkCaregiver(context.Background(), "p1", "c1"))

	_, resp := f.do(t, http.MethodPost, "/api/v1/events/sos", "p1", models.RoleUser, nil)
	alert := decodeResult[models.Alert](t, resp)
	path := "/api/v1/events/" + alert.ID + "/action"

	rec, _ := f.do(t, http.MethodPost, path, "c2", models.RoleCaregiver, map[string]string{"action": "confirm"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp = f.do(t, http.MethodPost, path, "c1", models.RoleCaregiver, map[string]string{"action": "confirm"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusConfirmed, decodeResult[models.Alert](t, resp).Status)

	rec, _ = f.do(t, http.MethodPost, path, "p1", models.RoleUser, map[string]string{"action": "cancel"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAction_InputErrors(t *testing.T) {
	f := newAPIFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/events/not-a-uuid/action", "p1", models.RoleUser, map[string]string{"action": "confirm"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/events/5f0c3c1e-8a1b-4d7e-9a59-0d3f4b6a2c11/action", "p1", models.RoleUser, map[string]string{"action": "confirm"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/events/5f0c3c1e-8a1b-4d7e-9a59-0d3f4b6a2c11/action", "p1", models.RoleUser, map[string]string{"action": "ignore"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeat_CancelsOpenAlerts(t *testing.T) {
	f := newAPIFixture(t)

	_, resp := f.do(t, http.MethodPost, "/api/v1/events/sos", "p1", models.RoleUser, nil)
	alert := decodeResult[models.Alert](t, resp)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/heartbeat", "p1", models.RoleUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeResult[service.HeartbeatResult](t, resp)
	assert.Equal(t, 1, res.Cancelled)
	assert.Equal(t, 5*time.Minute, res.NextExpected.Sub(res.Received))

	got, err := f.store.GetAlert(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestHeartbeat_RejectsMalformedBody(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/heartbeat", bytes.NewBufferString("{"))
	req.Header.Set("X-User-Id", "p1")
	req.Header.Set("X-User-Role", "USER")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEvents_ByRole(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.LinkCaregiver(context.Background(), "p1", "c1"))
	f.do(t, http.MethodPost, "/api/v1/events/sos", "p1", models.RoleUser, nil)
	f.do(t, http.MethodPost, "/api/v1/events/sos", "p2", models.RoleUser, nil)

	_, resp := f.do(t, http.MethodGet, "/api/v1/events", "p1", models.RoleUser, nil)
	own := decodeResult[[]models.Alert](t, resp)
	require.Len(t, own, 1)
	assert.Equal(t, "p1", own[0].PersonID)

	_, resp = f.do(t, http.MethodGet, "/api/v1/events", "c1", models.RoleCaregiver, nil)
	linked := decodeResult[[]models.Alert](t, resp)
	require.Len(t, linked, 1)
	assert.Equal(t, "p1", linked[0].PersonID)

	_, resp = f.do(t, http.MethodGet, "/api/v1/events", "c2", models.RoleCaregiver, nil)
	assert.Empty(t, decodeResult[[]models.Alert](t, resp))
}

func TestCaregiverLink(t *testing.T) {
	f := newAPIFixture(t)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/caregivers/link", "p1", models.RoleUser, map[string]string{"email": "Carol@Example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "linked", decodeResult[map[string]string](t, resp)["status"])

	_, resp = f.do(t, http.MethodPost, "/api/v1/caregivers/link", "p1", models.RoleUser, map[string]string{"email": "carol@example.com"})
	assert.Equal(t, "already_linked", decodeResult[map[string]string](t, resp)["status"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/caregivers/link", "p1", models.RoleUser, map[string]string{"email": "ben@example.com"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/caregivers/link", "p1", models.RoleUser, map[string]string{"email": "nobody@example.com"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/caregivers/link", "p1", models.RoleUser, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, resp = f.do(t, http.MethodGet, "/api/v1/caregivers/linked", "c1", models.RoleCaregiver, nil)
	persons := decodeResult[[]linkedUser](t, resp)
	require.Len(t, persons, 1)
	assert.Equal(t, linkedUser{ID: "p1", Email: "anna@example.com"}, persons[0])

	_, resp = f.do(t, http.MethodGet, "/api/v1/caregivers/linked", "p1", models.RoleUser, nil)
	caregivers := decodeResult[[]linkedUser](t, resp)
	require.Len(t, caregivers, 1)
	assert.Equal(t, "c1", caregivers[0].ID)
}

func TestCaregiverContact(t *testing.T) {
	f := newAPIFixture(t)

	_, resp := f.do(t, http.MethodGet, "/api/v1/caregivers/contact", "c1", models.RoleCaregiver, nil)
	assert.Nil(t, decodeResult[contactResponse](t, resp).PhoneNumber)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/caregivers/contact", "c1", models.RoleCaregiver, map[string]string{"phone_number": " +15550001111 "})
	require.Equal(t, http.StatusOK, rec.Code)

	_, resp = f.do(t, http.MethodGet, "/api/v1/caregivers/contact", "c1", models.RoleCaregiver, nil)
	phone := decodeResult[contactResponse](t, resp).PhoneNumber
	require.NotNil(t, phone)
	assert.Equal(t, "+15550001111", *phone)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/caregivers/contact", "p1", models.RoleUser, map[string]string{"phone_number": "+1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeviceRegister_TokenReceivesAlertPush(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.LinkCaregiver(context.Background(), "p1", "c1"))

	rec, _ := f.do(t, http.MethodPost, "/api/v1/devices/register", "c1", models.RoleCaregiver, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/devices/register", "c1", models.RoleCaregiver, map[string]string{"token": "tok-1", "platform": "Android"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "android", decodeResult[deviceTokenResponse](t, resp).Platform)

	f.do(t, http.MethodPost, "/api/v1/events/sos", "p1", models.RoleUser, nil)
	assert.Eventually(t, func() bool {
		tokens := f.channel.pushedTokens()
		return len(tokens) == 1 && tokens[0] == "tok-1"
	}, time.Second, 10*time.Millisecond)
}

type downStore struct {
	*repository.MemoryStore
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthzAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.do(t, http.MethodPost, "/api/v1/events/sos", "p1", models.RoleUser, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	f.handler.ServeHTTP(mrec, req)
	assert.Equal(t, http.StatusOK, mrec.Code)
	assert.Contains(t, mrec.Body.String(), `guardian_alerts_created_total{kind="MANUAL_SOS"} 1`)

	r := NewRouter(zap.NewNop())
	r.RegisterOpsRoutes(downStore{repository.NewMemoryStore()}, nil)
	drec := httptest.NewRecorder()
	r.ServeHTTP(drec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, drec.Code)
}

func TestMiddleware_RecoversPanic(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Handle("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.Middleware(r).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSafeZones_UpsertAndList(t *testing.T) {
	f := newAPIFixture(t)

	_, resp := f.do(t, http.MethodGet, "/api/v1/safe-zones", "p1", models.RoleUser, nil)
	assert.Empty(t, decodeResult[[]models.SafeZone](t, resp))

	rec, resp := f.do(t, http.MethodPost, "/api/v1/safe-zones", "p1", models.RoleUser,
		map[string]any{"latitude": 52.52, "longitude": 13.405, "radius_meters": 300})
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeResult[models.SafeZone](t, resp)
	assert.Equal(t, "p1", first.PersonID)
	assert.Equal(t, 300, first.RadiusMeters)

	rec, resp = f.do(t, http.MethodPost, "/api/v1/safe-zones", "p1", models.RoleUser,
		map[string]any{"latitude": 48.85, "longitude": 2.35, "radius_meters": 500})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeResult[models.SafeZone](t, resp)
	assert.Equal(t, first.ID, second.ID, "one zone per person")

	_, resp = f.do(t, http.MethodGet, "/api/v1/safe-zones", "p1", models.RoleUser, nil)
	zones := decodeResult[[]models.SafeZone](t, resp)
	require.Len(t, zones, 1)
	assert.Equal(t, 48.85, zones[0].Latitude)
	assert.Equal(t, 500, zones[0].RadiusMeters)

	_, resp = f.do(t, http.MethodGet, "/api/v1/safe-zones", "p2", models.RoleUser, nil)
	assert.Empty(t, decodeResult[[]models.SafeZone](t, resp))
}

func TestSafeZones_RejectsInvalidInput(t *testing.T) {
	f := newAPIFixture(t)

	bodies := []map[string]any{
		{},
		{"latitude": 52.5, "longitude": 13.4},
		{"latitude": 91.0, "longitude": 13.4, "radius_meters": 100},
		{"latitude": 52.5, "longitude": -181.0, "radius_meters": 100},
		{"latitude": 52.5, "longitude": 13.4, "radius_meters": 0},
	}
	for _, body := range bodies {
		rec, _ := f.do(t, http.MethodPost, "/api/v1/safe-zones", "p1", models.RoleUser, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec, _ := f.do(t, http.MethodPost, "/api/v1/safe-zones", "c1", models.RoleCaregiver,
		map[string]any{"latitude": 52.5, "longitude": 13.4, "radius_meters": 100})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
