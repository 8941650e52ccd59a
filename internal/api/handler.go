// Package api provides the HTTP handlers and routing for the jobs service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"patchwork/internal/apperrors"
	"patchwork/internal/auth"
	"patchwork/internal/health"
	"patchwork/internal/job"
)

// maxRequestBodySize limits request bodies to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the jobs API.
type Handler struct {
	svc      *job.Service
	streamer *job.Streamer
	health   *health.Monitor
}

// NewHandler creates a new API handler.
func NewHandler(svc *job.Service, streamer *job.Streamer, monitor *health.Monitor) *Handler {
	return &Handler{
		svc:      svc,
		streamer: streamer,
		health:   monitor,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, apperrors.Validation("body", "invalid request body: "+err.Error()))
		return
	}

	created, err := h.svc.Create(r.Context(), credentials(r), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, created)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := job.ListOptions{
		Page:   queryInt(q.Get("page")),
		Limit:  queryInt(q.Get("limit")),
		Status: job.Status(q.Get("status")),
		Search: q.Get("search"),
	}
	if opts.Status != "" && !opts.Status.Valid() {
		h.handleError(w, r, apperrors.Validation("status", "unknown status "+strconv.Quote(string(opts.Status))))
		return
	}

	result, err := h.svc.List(r.Context(), credentials(r), opts)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	found, err := h.svc.Get(r.Context(), credentials(r), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, found)
}

// GetLogs handles GET /v1/jobs/{jobId}/logs
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.svc.Logs(r.Context(), credentials(r), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// GetEnvironment handles GET /v1/jobs/{jobId}/environment
func (h *Handler) GetEnvironment(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Environment(r.Context(), credentials(r), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Healthz handles GET /healthz - readiness probe.
// Returns 503 if the execution backend is unavailable or shutdown has begun.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Check(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// credentials returns the authenticated principal placed by AuthMiddleware.
// Routes that reach handlers without passing through auth get zero
// credentials, which the service layer rejects.
func credentials(r *http.Request) auth.Credentials {
	creds, _ := auth.FromContext(r.Context())
	return creds
}

func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// handleError maps service errors to HTTP responses with stable codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	h.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  apperrors.Code(err),
	})
}
