package httpapi

import (
	"net/http"

	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/repository"

	"go.uber.org/zap"
)

// SafeZoneHandler 安全区域
type SafeZoneHandler struct {
	store  repository.Store
	logger *zap.Logger
}

// NewSafeZoneHandler 创建安全区域 Handler
func NewSafeZoneHandler(store repository.Store, logger *zap.Logger) *SafeZoneHandler {
	return &SafeZoneHandler{store: store, logger: logger}
}

type safeZoneRequest struct {
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	RadiusMeters *int     `json:"radius_meters"`
}

// List GET /api/v1/safe-zones
func (h *SafeZoneHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}

	zones, err := h.store.SafeZones(r.Context(), actor.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if zones == nil {
		zones = []models.SafeZone{}
	}
	writeJSON(w, http.StatusOK, Ok(zones))
}

// Upsert POST /api/v1/safe-zones，每人一个区域，重复提交覆盖
func (h *SafeZoneHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}

	var req safeZoneRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body: "+err.Error()))
		return
	}
	if req.Latitude == nil || req.Longitude == nil || req.RadiusMeters == nil {
		writeJSON(w, http.StatusBadRequest, Fail("latitude, longitude and radius_meters are required"))
		return
	}
	zone := models.SafeZone{
		PersonID:     actor.ID,
		Latitude:     *req.Latitude,
		Longitude:    *req.Longitude,
		RadiusMeters: *req.RadiusMeters,
	}
	if err := zone.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}

	saved, err := h.store.UpsertSafeZone(r.Context(), zone)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.logger.Info("Safe zone saved",
		zap.String("person_id", actor.ID),
		zap.Int("radius_meters", saved.RadiusMeters),
	)
	writeJSON(w, http.StatusOK, Ok(saved))
}
