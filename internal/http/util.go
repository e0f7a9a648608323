package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/repository"
	"wisefido-guardian/internal/service"

	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

// readBodyJSON 空 body 视为合法（所有字段取零值）
func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// actorFromRequest 网关注入的身份头
func actorFromRequest(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	id := r.Header.Get("X-User-Id")
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("user ID is required"))
		return models.Actor{}, false
	}
	role, err := models.ParseRole(r.Header.Get("X-User-Role"))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, Fail("user role is required"))
		return models.Actor{}, false
	}
	return models.Actor{ID: id, Role: role}, true
}

// requireRole 校验身份与角色
func requireRole(w http.ResponseWriter, r *http.Request, role models.Role) (models.Actor, bool) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return actor, false
	}
	if actor.Role != role {
		writeJSON(w, http.StatusForbidden, Fail("only "+string(role)+" may call this endpoint"))
		return actor, false
	}
	return actor, true
}

// writeServiceError 业务错误映射为状态码，未知错误记录日志并返回 500
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrAlertNotFound), errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Fail(err.Error()))
	case errors.Is(err, service.ErrForbidden):
		writeJSON(w, http.StatusForbidden, Fail(err.Error()))
	case errors.Is(err, service.ErrAlertClosed):
		writeJSON(w, http.StatusConflict, Fail(err.Error()))
	case errors.Is(err, service.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
	default:
		logger.Error("Request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
	}
}
