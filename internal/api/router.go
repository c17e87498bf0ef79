package api

import (
	"net/http"

	"github.com/vidstash/backend/internal/auth"
	apperrors "github.com/vidstash/backend/internal/errors"
	"github.com/vidstash/backend/internal/health"
	"github.com/vidstash/backend/internal/metrics"
	"github.com/vidstash/backend/internal/websocket"
)

type RouterConfig struct {
	AuthService      *auth.Service
	AuthHandlers     *auth.Handlers
	DownloadHandlers *DownloadHandlers
	TrafficHandlers  *TrafficHandlers
	CleanupHandlers  *CleanupHandlers
	WSHandler        *websocket.Handler
	HealthHandler    *health.Handler
	Metrics          *metrics.Metrics
}

type Router struct {
	mux *http.ServeMux
	cfg RouterConfig
}

func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		mux: http.NewServeMux(),
		cfg: cfg,
	}
	r.setupRoutes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	if r.cfg.HealthHandler != nil {
		r.mux.HandleFunc("GET /health", r.cfg.HealthHandler.HealthHandler)
		r.mux.HandleFunc("GET /health/live", r.cfg.HealthHandler.LivenessHandler)
		r.mux.HandleFunc("GET /health/ready", r.cfg.HealthHandler.ReadinessHandler)
	}
	if r.cfg.Metrics != nil {
		r.mux.Handle("GET /metrics", r.cfg.Metrics.Handler())
	}

	// Auth routes (no auth required)
	r.mux.HandleFunc("POST /api/v1/auth/register", apperrors.HandleFunc(r.cfg.AuthHandlers.Register))
	r.mux.HandleFunc("POST /api/v1/auth/login", apperrors.HandleFunc(r.cfg.AuthHandlers.Login))
	r.mux.HandleFunc("GET /api/v1/auth/me", r.withAuth(r.cfg.AuthHandlers.Me))

	// Downloads
	d := r.cfg.DownloadHandlers
	r.mux.HandleFunc("POST /api/v1/downloads", r.withAuth(d.CreateDownload))
	r.mux.HandleFunc("GET /api/v1/downloads", r.withAuth(d.ListDownloads))
	r.mux.HandleFunc("GET /api/v1/downloads/{id}", r.withAuth(d.GetDownload))
	r.mux.HandleFunc("DELETE /api/v1/downloads/{id}", r.withAuth(d.DeleteDownload))
	r.mux.HandleFunc("GET /api/v1/downloads/{id}/file", r.withAuth(d.DownloadFile))

	r.mux.HandleFunc("GET /api/v1/traffic", r.withAuth(r.cfg.TrafficHandlers.GetTraffic))

	// Cleanup (admin only)
	c := r.cfg.CleanupHandlers
	r.mux.HandleFunc("POST /api/v1/cleanup", r.withAdmin(c.RunCleanup))
	r.mux.HandleFunc("GET /api/v1/cleanup", r.withAdmin(c.GetCleanupInfo))

	// WebSocket authenticates through its token query parameter.
	if r.cfg.WSHandler != nil {
		r.mux.HandleFunc("GET /api/v1/ws", r.cfg.WSHandler.ServeWS)
	}
}

func (r *Router) withAuth(next apperrors.Handler) http.HandlerFunc {
	return auth.Middleware(r.cfg.AuthService)(apperrors.HandleFunc(next)).ServeHTTP
}

func (r *Router) withAdmin(next apperrors.Handler) http.HandlerFunc {
	return auth.Middleware(r.cfg.AuthService)(auth.RequireAdmin(apperrors.HandleFunc(next))).ServeHTTP
}
