package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/repository"

	"go.uber.org/zap"
)

// CaregiverHandler 照护人关联与联系方式
type CaregiverHandler struct {
	store  repository.Store
	logger *zap.Logger
}

// NewCaregiverHandler 创建照护人 Handler
func NewCaregiverHandler(store repository.Store, logger *zap.Logger) *CaregiverHandler {
	return &CaregiverHandler{store: store, logger: logger}
}

type linkRequest struct {
	Email string `json:"email"`
}

type linkedUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Link POST /api/v1/caregivers/link
func (h *CaregiverHandler) Link(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}

	var req linkRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil || strings.TrimSpace(req.Email) == "" {
		writeJSON(w, http.StatusBadRequest, Fail("email is required"))
		return
	}

	caregiver, err := h.store.FindUserByEmail(r.Context(), req.Email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		writeServiceError(w, h.logger, err)
		return
	}
	if caregiver == nil || caregiver.Role != models.RoleCaregiver {
		writeJSON(w, http.StatusNotFound, Fail("caregiver not found"))
		return
	}

	linked, err := h.store.IsLinked(r.Context(), actor.ID, caregiver.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if linked {
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "already_linked"}))
		return
	}
	if err := h.store.LinkCaregiver(r.Context(), actor.ID, caregiver.ID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("Caregiver linked",
		zap.String("person_id", actor.ID),
		zap.String("caregiver_id", caregiver.ID),
	)
	writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "linked"}))
}

// Linked GET /api/v1/caregivers/linked
func (h *CaregiverHandler) Linked(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	users, err := h.store.LinkedPersons(r.Context(), actor.ID, actor.Role)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	out := make([]linkedUser, 0, len(users))
	for _, u := range users {
		out = append(out, linkedUser{ID: u.ID, Email: u.Email})
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

type contactRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type contactResponse struct {
	PhoneNumber *string `json:"phone_number"`
}

// SetContact POST /api/v1/caregivers/contact
func (h *CaregiverHandler) SetContact(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleCaregiver)
	if !ok {
		return
	}

	var req contactRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil || strings.TrimSpace(req.PhoneNumber) == "" {
		writeJSON(w, http.StatusBadRequest, Fail("phone_number is required"))
		return
	}
	if err := h.store.SetCaregiverPhone(r.Context(), actor.ID, strings.TrimSpace(req.PhoneNumber)); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "saved"}))
}

// GetContact GET /api/v1/caregivers/contact
func (h *CaregiverHandler) GetContact(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireRole(w, r, models.RoleCaregiver)
	if !ok {
		return
	}

	phone, err := h.store.CaregiverPhone(r.Context(), actor.ID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusOK, Ok(contactResponse{}))
		return
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(contactResponse{PhoneNumber: &phone}))
}
