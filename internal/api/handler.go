// Package api provides the admin HTTP API of the orchestrator.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"omotes/internal/apperrors"
	"omotes/internal/health"
	"omotes/internal/orchestrator"
)

// Orchestrator is the part of the orchestrator the admin API serves.
type Orchestrator interface {
	Workers() []orchestrator.WorkerInfo
	Jobs() []orchestrator.JobInfo
	Job(id string) (orchestrator.JobInfo, error)
	Cancel(ctx context.Context, id, reason string) error
}

// cancelReason is recorded on jobs cancelled through the API.
const cancelReason = "cancelled by operator"

// Handler contains HTTP handlers for the admin API
type Handler struct {
	orchestrator Orchestrator
	health       *health.Checker
	logger       *slog.Logger
}

// NewHandler creates a new API handler
func NewHandler(o Orchestrator, healthChecker *health.Checker, logger *slog.Logger) *Handler {
	return &Handler{
		orchestrator: o,
		health:       healthChecker,
		logger:       logger,
	}
}

// ListWorkers handles GET /v1/workers
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": h.orchestrator.Workers()})
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.orchestrator.Jobs()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0:0]
		for _, j := range jobs {
			if j.Job.Status.String() == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	info, err := h.orchestrator.Job(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = cancelReason
	}
	if err := h.orchestrator.Cancel(r.Context(), jobID, reason); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while the broker or the orchestrator is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps orchestrator errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		h.log().Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		h.log().Debug("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	writeError(w, status, err.Error())
}

func (h *Handler) log() *slog.Logger {
	if h.logger == nil {
		return slog.Default()
	}
	return h.logger
}
