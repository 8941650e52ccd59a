package api

import (
	"net/http"

	"patchwork/internal/auth"
	"patchwork/internal/health"
	"patchwork/internal/job"
	"patchwork/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService *job.Service
	Streamer   *job.Streamer
	Health     *health.Monitor
	Sessions   *auth.Sessions
	Metrics    *observability.Metrics
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Streamer, cfg.Health)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /healthz", handler.Healthz)

	// Job endpoints - session auth required
	requireAuth := AuthMiddleware(cfg.Sessions)
	mux.Handle("POST /v1/jobs", requireAuth(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", requireAuth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", requireAuth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("GET /v1/jobs/{jobId}/logs", requireAuth(http.HandlerFunc(handler.GetLogs)))
	mux.Handle("GET /v1/jobs/{jobId}/environment", requireAuth(http.HandlerFunc(handler.GetEnvironment)))
	mux.Handle("GET /v1/jobs/{jobId}/stream", requireAuth(http.HandlerFunc(handler.StreamLogs)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
