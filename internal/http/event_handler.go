package httpapi

import (
	"context"
	"net/http"
	"time"

	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/repository"
	"wisefido-guardian/internal/service"

	"go.uber.org/zap"
)

// Escalator 报警入口（service.Escalation 实现）
type Escalator interface {
	RaiseAlert(ctx context.Context, personID string, kind models.AlertKind) (*models.Alert, error)
	Act(ctx context.Context, actor models.Actor, alertID string, action string) (*models.Alert, error)
	RecordHeartbeat(ctx context.Context, personID string, ts time.Time) (service.HeartbeatResult, error)
}

// EventHandler 心跳与报警事件 Handler
type EventHandler struct {
	escalation Escalator
	store      repository.Store
	logger     *zap.Logger
}

// NewEventHandler 创建事件 Handler
func NewEventHandler(escalation Escalator, store repository.Store, logger *zap.Logger) *EventHandler {
	return &EventHandler{escalation: escalation, store: store, logger: logger}
}

type heartbeatRequest struct {
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Heartbeat POST /api/v1/heartbeat
func (h *EventHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}

	var req heartbeatRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body: "+err.Error()))
		return
	}
	var ts time.Time
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}

	res, err := h.escalation.RecordHeartbeat(r.Context(), actor.ID, ts)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

// ManualSOS POST /api/v1/events/sos
func (h *EventHandler) ManualSOS(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}
	h.raise(w, r, actor.ID, models.KindManualSOS)
}

type autoEventRequest struct {
	Type string `json:"type"`
}

// AutoEvent POST /api/v1/events/auto（仅 GEOFENCE_EXIT / FALL）
func (h *EventHandler) AutoEvent(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}

	var req autoEventRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body: "+err.Error()))
		return
	}
	kind, err := models.ParseAlertKind(req.Type)
	if err != nil || !kind.IsSensorKind() {
		writeJSON(w, http.StatusBadRequest, Fail("invalid event type"))
		return
	}
	h.raise(w, r, actor.ID, kind)
}

func (h *EventHandler) raise(w http.ResponseWriter, r *http.Request, personID string, kind models.AlertKind) {
	alert, err := h.escalation.RaiseAlert(r.Context(), personID, kind)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if alert == nil {
		writeJSON(w, http.StatusTooManyRequests, Warn(ResultCooldown, "cooldown active"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(alert))
}

type actionRequest struct {
	Action string `json:"action"`
}

// Action POST /api/v1/events/{id}/action
func (h *EventHandler) Action(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	var req actionRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body: "+err.Error()))
		return
	}

	alert, err := h.escalation.Act(r.Context(), actor, r.PathValue("id"), req.Action)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(alert))
}

// List GET /api/v1/events：本人的报警，或照护人关联的全部被监护人的报警
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 50)
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	personIDs := []string{actor.ID}
	if actor.Role == models.RoleCaregiver {
		linked, err := h.store.LinkedPersons(r.Context(), actor.ID, actor.Role)
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		personIDs = personIDs[:0]
		for _, u := range linked {
			personIDs = append(personIDs, u.ID)
		}
	}

	alerts, err := h.store.ListAlertsFor(r.Context(), personIDs, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, Ok(alerts))
}
