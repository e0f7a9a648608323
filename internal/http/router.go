package httpapi

import (
	"context"
	"net/http"
	"time"

	"wisefido-guardian/internal/repository"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（Go 1.22 方法 + 路径参数模式）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /metrics）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterEventRoutes 心跳与报警
func (r *Router) RegisterEventRoutes(h *EventHandler) {
	r.Handle("POST /api/v1/heartbeat", h.Heartbeat)
	r.Handle("POST /api/v1/events/sos", h.ManualSOS)
	r.Handle("POST /api/v1/events/auto", h.AutoEvent)
	r.Handle("POST /api/v1/events/{id}/action", h.Action)
	r.Handle("GET /api/v1/events", h.List)
}

// RegisterCaregiverRoutes 照护人关联与联系方式
func (r *Router) RegisterCaregiverRoutes(h *CaregiverHandler) {
	r.Handle("POST /api/v1/caregivers/link", h.Link)
	r.Handle("GET /api/v1/caregivers/linked", h.Linked)
	r.Handle("POST /api/v1/caregivers/contact", h.SetContact)
	r.Handle("GET /api/v1/caregivers/contact", h.GetContact)
}

// RegisterDeviceRoutes 推送 token
func (r *Router) RegisterDeviceRoutes(h *DeviceHandler) {
	r.Handle("POST /api/v1/devices/register", h.Register)
}

// RegisterSafeZoneRoutes 安全区域
func (r *Router) RegisterSafeZoneRoutes(h *SafeZoneHandler) {
	r.Handle("GET /api/v1/safe-zones", h.List)
	r.Handle("POST /api/v1/safe-zones", h.Upsert)
}

// RegisterOpsRoutes 健康检查与指标
func (r *Router) RegisterOpsRoutes(store repository.Store, metrics http.Handler) {
	r.Handle("GET /healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			r.logger.Warn("Health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, Fail("store unavailable"))
			return
		}
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
	if metrics != nil {
		r.HandleHandler("GET /metrics", metrics)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware 访问日志 + panic 恢复
func (r *Router) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Handler panic",
					zap.Any("panic", p),
					zap.String("method", req.Method),
					zap.String("path", req.URL.Path),
				)
				writeJSON(rec, http.StatusInternalServerError, Fail("internal error"))
			}
			r.logger.Debug("HTTP request",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			)
		}()
		next.ServeHTTP(rec, req)
	})
}

// NewServer 创建 HTTP Server
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
