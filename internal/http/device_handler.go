package httpapi

import (
	"net/http"
	"strings"

	"wisefido-guardian/internal/repository"

	"go.uber.org/zap"
)

// DeviceHandler 推送 token 登记
type DeviceHandler struct {
	store  repository.Store
	logger *zap.Logger
}

// NewDeviceHandler 创建设备 Handler
func NewDeviceHandler(store repository.Store, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{store: store, logger: logger}
}

type deviceTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type deviceTokenResponse struct {
	UserID   string `json:"user_id"`
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// Register POST /api/v1/devices/register，token 已存在时改绑到当前用户
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	var req deviceTokenRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeJSON(w, http.StatusBadRequest, Fail("token is required"))
		return
	}
	token := strings.TrimSpace(req.Token)
	platform := strings.ToLower(strings.TrimSpace(req.Platform))

	if err := h.store.RegisterDeviceToken(r.Context(), actor.ID, token, platform); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(deviceTokenResponse{UserID: actor.ID, Token: token, Platform: platform}))
}
