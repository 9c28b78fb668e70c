// Package api provides the HTTP API handlers and routing for the document
// pipeline service.
package api

import (
	"context"
	"docpipeline/internal/apperrors"
	"docpipeline/internal/health"
	"docpipeline/internal/intake"
	"docpipeline/internal/jobs"
	"docpipeline/internal/storage"
	"docpipeline/pkg/backoff"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20

// Starter launches a pipeline run for an uploaded job.
type Starter interface {
	Start(ctx context.Context, jobID string) (jobs.Job, error)
}

// JobMetrics is an optional interface for recording API-level job metrics.
type JobMetrics interface {
	RecordJobCreated(ctx context.Context)
}

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	registry      *jobs.Registry
	intake        *intake.Intake
	starter       Starter
	store         storage.Store
	health        *health.Checker
	metrics       JobMetrics
	presignExpiry time.Duration
}

// HandlerConfig holds handler dependencies.
type HandlerConfig struct {
	Registry      *jobs.Registry
	Intake        *intake.Intake
	Starter       Starter
	Store         storage.Store
	Health        *health.Checker
	Metrics       JobMetrics
	PresignExpiry time.Duration // default: 1h
}

// NewHandler creates a new API handler
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = time.Hour
	}
	return &Handler{
		registry:      cfg.Registry,
		intake:        cfg.Intake,
		starter:       cfg.Starter,
		store:         cfg.Store,
		health:        cfg.Health,
		metrics:       cfg.Metrics,
		presignExpiry: cfg.PresignExpiry,
	}
}

// CreateJob handles POST /jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateRequest
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.registry.Create(req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordJobCreated(r.Context())
	}
	slog.InfoContext(r.Context(), "Job created", "jobId", job.ID, "expectedFiles", job.ExpectedFileCount)
	h.writeJSON(w, http.StatusCreated, JobRef{JobID: job.ID, Status: job.Status})
}

// ListJobs handles GET /jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	all := h.registry.List()
	resp := ListResponse{Jobs: make([]StatusResponse, len(all)), Total: len(all)}
	for i, j := range all {
		resp.Jobs[i] = projectStatus(j)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// RegisterFile handles POST /jobs/{jobId}/files
func (h *Handler) RegisterFile(w http.ResponseWriter, r *http.Request) {
	var req FileRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.StorageKey == "" {
		h.handleError(w, r, apperrors.Validation("storageKey", "storageKey is required"))
		return
	}

	job, err := h.intake.OnFileLanded(r.Context(), chi.URLParam(r, "jobId"), req.StorageKey)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, projectStatus(job))
}

// TusHook handles POST /internal/hooks/tus. Only post-finish hooks register
// files; other hook types are acknowledged and ignored.
func (h *Handler) TusHook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	landed, err := intake.DecodeTusHook(r.Body)
	if errors.Is(err, intake.ErrIgnoredHook) {
		h.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if _, err := h.intake.OnFileLanded(r.Context(), landed.JobID, landed.Key); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct{}{})
}

// StartJob handles POST /jobs/{jobId}/start
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.starter.Start(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, JobRef{JobID: job.ID, Status: job.Status})
}

// GetStatus handles GET /jobs/{jobId}/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.registry.Get(chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, projectStatus(job))
}

// Download handles GET /jobs/{jobId}/download by redirecting to a
// short-lived presigned URL for the bundle.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	job, err := h.registry.Get(chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if job.Status != jobs.StatusCompleted || job.BundleKey == "" {
		h.handleError(w, r, apperrors.Conflict("job", job.ID, "job is "+string(job.Status)+", bundle not available"))
		return
	}

	u, err := h.store.Presign(r.Context(), job.BundleKey, h.presignExpiry)
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		h.handleError(w, r, apperrors.NotFound("bundle", job.BundleKey))
		return
	case err != nil:
		h.handleError(w, r, apperrors.Unavailable("storage.presign", err))
		return
	}
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// DeleteJob handles DELETE /jobs/{jobId}. The record goes first so a
// concurrent start cannot pick the job up while its objects are removed.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if err := h.registry.Delete(jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	var removed int
	err := backoff.Retry(r.Context(), 2, nil, nil, func(ctx context.Context) error {
		var err error
		removed, err = h.store.DeletePrefix(ctx, storage.JobPrefix(jobID))
		return err
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "Job objects left behind", "jobId", jobID, "error", err)
		h.handleError(w, r, apperrors.Unavailable("storage.delete", err))
		return
	}
	slog.InfoContext(r.Context(), "Job deleted", "jobId", jobID, "objects", removed)
	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while the object store is unreachable or the service is shutting down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, field, message string) {
	h.writeJSON(w, status, errorResponse{Error: message, Field: field})
}

// handleError maps service errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	var field string
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		field = appErr.Field
	}
	h.writeError(w, status, field, err.Error())
}
