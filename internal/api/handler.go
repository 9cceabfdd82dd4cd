// Package api provides the HTTP API handlers and routing for the coordinator.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"ingestor/internal/apperrors"
	"ingestor/internal/coordinator"
	"ingestor/internal/ctxlog"
	"ingestor/internal/health"
	"ingestor/internal/job"
	"ingestor/internal/jobstore"
	"ingestor/internal/observability"
	"ingestor/internal/transport"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Service is the coordinator surface exposed over HTTP.
type Service interface {
	Enqueue(ctx context.Context, req job.Request) (job.EnqueueResult, error)
	Get(ctx context.Context, jobID string) (*coordinator.JobDetail, error)
	List(ctx context.Context, f jobstore.Filter) ([]*job.Job, error)
	Abort(ctx context.Context, jobID, reason string) (*job.Job, error)
	Deploy(ctx context.Context, a job.Artifact) (string, bool, error)
	Artifacts(ctx context.Context) ([]job.Artifact, error)
	Workers(ctx context.Context) ([]job.Worker, error)
	Materializations(ctx context.Context, f jobstore.MaterializationFilter) ([]job.Materialization, error)
	Serve(ctx context.Context, conn transport.Conn) error
}

// EnqueueResponse is returned by POST /v1/jobs.
type EnqueueResponse struct {
	Job     *job.Job `json:"job,omitempty"`
	Skipped bool     `json:"skipped"`
	Keys    []string `json:"skippedTargets,omitempty"`
}

// DeployResponse is returned by POST /v1/artifacts.
type DeployResponse struct {
	Hash    string `json:"hash"`
	Created bool   `json:"created"`
}

// AbortRequest is the optional body of DELETE /v1/jobs/{jobId}.
type AbortRequest struct {
	Reason string `json:"reason"`
}

// Handler contains HTTP handlers for the coordinator API
type Handler struct {
	svc        Service
	metrics    *observability.Metrics
	health     *health.Checker
	frameLimit int64
}

// NewHandler creates a new API handler
func NewHandler(svc Service, metrics *observability.Metrics, healthChecker *health.Checker, frameLimit int64) *Handler {
	return &Handler{
		svc:        svc,
		metrics:    metrics,
		health:     healthChecker,
		frameLimit: frameLimit,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	res, err := h.svc.Enqueue(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if !res.Created() {
		h.writeJSON(w, http.StatusOK, EnqueueResponse{Skipped: true, Keys: res.Skipped})
		return
	}
	h.writeJSON(w, http.StatusCreated, EnqueueResponse{Job: res.Job, Keys: res.Skipped})
}

// ListJobs handles GET /v1/jobs?state=&worker=&source_hash=&limit=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobstore.Filter{
		Worker:     q.Get("worker"),
		SourceHash: q.Get("source_hash"),
	}
	for _, s := range q["state"] {
		for _, part := range strings.Split(s, ",") {
			st := job.State(strings.ToLower(strings.TrimSpace(part)))
			if !st.Valid() {
				h.writeError(w, http.StatusBadRequest, "Unknown state: "+part)
				return
			}
			f.States = append(f.States, st)
		}
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	f.Limit = limit

	jobs, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}

	h.writeJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	detail, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, detail)
}

// AbortJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) AbortJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	reason := r.URL.Query().Get("reason")
	if r.ContentLength > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var body AbortRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
		if body.Reason != "" {
			reason = body.Reason
		}
	}

	j, err := h.svc.Abort(r.Context(), jobID, reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, j)
}

// DeployArtifact handles POST /v1/artifacts
func (h *Handler) DeployArtifact(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var a job.Artifact
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	hash, created, err := h.svc.Deploy(r.Context(), a)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, DeployResponse{Hash: hash, Created: created})
}

// ListArtifacts handles GET /v1/artifacts
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.svc.Artifacts(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []job.Artifact{}
	}
	h.writeJSON(w, http.StatusOK, artifacts)
}

// ListWorkers handles GET /v1/workers
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.svc.Workers(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if workers == nil {
		workers = []job.Worker{}
	}
	h.writeJSON(w, http.StatusOK, workers)
}

// ListMaterializations handles GET /v1/materializations?source_hash=&target_key=&job_id=
func (h *Handler) ListMaterializations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	mats, err := h.svc.Materializations(r.Context(), jobstore.MaterializationFilter{
		SourceHash: q.Get("source_hash"),
		TargetKey:  q.Get("target_key"),
		JobID:      q.Get("job_id"),
		Limit:      limit,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if mats == nil {
		mats = []job.Materialization{}
	}
	h.writeJSON(w, http.StatusOK, mats)
}

// ConnectWorker handles GET /v1/workers/connect. The connection is upgraded to a
// websocket and handed to the coordinator until the worker goes away.
func (h *Handler) ConnectWorker(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r, h.frameLimit)
	if err != nil {
		// Upgrade has already written the HTTP error.
		ctxlog.FromContext(r.Context()).Warn("Worker upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	if err := h.svc.Serve(r.Context(), conn); err != nil {
		ctxlog.FromContext(r.Context()).Warn("Worker session ended with error", "remote", conn.RemoteAddr(), "error", err)
	}
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the job store is unavailable or the service is shutting down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, apperrors.Problem{Error: message})
}

// handleError handles errors from the service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, problem := apperrors.ToProblem(err)
	logger := ctxlog.FromContext(r.Context())
	if status >= 500 {
		logger.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		logger.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeJSON(w, status, problem)
}
