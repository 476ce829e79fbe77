package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bobarin/composer/internal/db"
	"github.com/bobarin/composer/internal/models"
)

// maxRequestBody bounds request JSON; requests only carry references.
const maxRequestBody = 1 << 20

const healthTimeout = 2 * time.Second

// signedURLExpiry is how long a download redirect stays valid, in seconds.
const signedURLExpiry = 3600

// JobStore is the persistence the handlers need. *db.DB implements it.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, status models.JobStatus, limit, offset int) ([]models.Job, error)
	CountJobs(ctx context.Context, status models.JobStatus) (int, error)
	FailJob(ctx context.Context, id uuid.UUID, errorMessage string) error
	GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error)
}

// JobQueue hands jobs to the worker. *queue.Queue implements it.
type JobQueue interface {
	EnqueueRender(ctx context.Context, jobType string, jobID uuid.UUID) error
}

// URLSigner turns storage paths into URLs. *storage.Storage implements it.
type URLSigner interface {
	GetPublicURL(storagePath string) string
	GetSignedURL(ctx context.Context, storagePath string, expiresIn int) (string, error)
}

type Handler struct {
	db      JobStore
	queue   JobQueue
	storage URLSigner
	checks  []healthCheck
}

type healthCheck struct {
	name  string
	check func(context.Context) error
}

// AddHealthCheck registers a dependency probed by GET /health.
func (h *Handler) AddHealthCheck(name string, check func(context.Context) error) {
	h.checks = append(h.checks, healthCheck{name: name, check: check})
}

func NewHandler(store JobStore, q JobQueue, urls URLSigner) *Handler {
	return &Handler{
		db:      store,
		queue:   q,
		storage: urls,
	}
}

type validator interface {
	Validate() error
}

// CreateComposition handles POST /v1/compositions
func (h *Handler) CreateComposition(w http.ResponseWriter, r *http.Request) {
	var req models.CreateCompositionRequest
	h.submit(w, r, models.JobTypeCompose, &req)
}

// CreateSpeedFit handles POST /v1/speed-fits
func (h *Handler) CreateSpeedFit(w http.ResponseWriter, r *http.Request) {
	var req models.SpeedFitRequest
	h.submit(w, r, models.JobTypeSpeedFit, &req)
}

// CreateZoom handles POST /v1/zooms
func (h *Handler) CreateZoom(w http.ResponseWriter, r *http.Request) {
	var req models.ZoomRequest
	h.submit(w, r, models.JobTypeZoom, &req)
}

// CreateTrim handles POST /v1/trims
func (h *Handler) CreateTrim(w http.ResponseWriter, r *http.Request) {
	var req models.TrimRequest
	h.submit(w, r, models.JobTypeTrim, &req)
}

// submit validates the request, stores it on a new job row and queues the
// job. Nothing is probed or rendered here.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, jobType models.JobType, req validator) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	raw, err := json.Marshal(req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to encode request")
		return
	}

	job := &models.Job{
		ID:      uuid.New(),
		Type:    jobType,
		Status:  models.JobStatusQueued,
		Request: raw,
	}

	if err := h.db.CreateJob(r.Context(), job); err != nil {
		log.Printf("[API] Failed to create %s job: %v", jobType, err)
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	if err := h.queue.EnqueueRender(r.Context(), string(jobType), job.ID); err != nil {
		log.Printf("[API] Failed to enqueue job %s: %v", job.ID, err)
		if ferr := h.db.FailJob(r.Context(), job.ID, "failed to enqueue job"); ferr != nil {
			log.Printf("[API] Failed to mark job %s failed: %v", job.ID, ferr)
		}
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusAccepted, models.CreateJobResponse{
		JobID:  job.ID,
		Type:   job.Type,
		Status: job.Status,
	})
}

// ListJobs handles GET /v1/jobs
// Query params:
//   - status: filter by job status (queued, running, succeeded, failed)
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.JobStatusQueued, models.JobStatusRunning, models.JobStatusSucceeded, models.JobStatusFailed:
	default:
		respondError(w, http.StatusBadRequest, "Invalid status filter. Allowed: queued, running, succeeded, failed")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	total, err := h.db.CountJobs(r.Context(), status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count jobs")
		return
	}

	jobs, err := h.db.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	responses := make([]models.JobResponse, 0, len(jobs))
	for i := range jobs {
		responses = append(responses, h.buildJobResponse(r.Context(), &jobs[i]))
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   responses,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.buildJobResponse(r.Context(), job))
}

// GetJobDownload handles GET /v1/jobs/{id}/download
func (h *Handler) GetJobDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	if job.OutputAssetID == nil {
		respondError(w, http.StatusNotFound, "Video not ready")
		return
	}

	asset, err := h.db.GetAsset(r.Context(), *job.OutputAssetID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Asset not found")
		return
	}

	signedURL, err := h.storage.GetSignedURL(r.Context(), asset.StoragePath, signedURLExpiry)
	if err != nil {
		log.Printf("[API] Failed to sign %s: %v", asset.StoragePath, err)
		respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
		return
	}

	http.Redirect(w, r, signedURL, http.StatusTemporaryRedirect)
}

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return nil, false
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return nil, false
	}
	return job, true
}

func (h *Handler) buildJobResponse(ctx context.Context, job *models.Job) models.JobResponse {
	response := models.NewJobResponse(job)

	if job.OutputAssetID != nil {
		if asset, err := h.db.GetAsset(ctx, *job.OutputAssetID); err == nil {
			url := h.storage.GetPublicURL(asset.StoragePath)
			response.ResultURL = &url
		}
	}

	return response
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health handles GET /health. It reports 503 naming every failing dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for _, c := range h.checks {
		if err := c.check(ctx); err != nil {
			log.Printf("[API] Health check %s failed: %v", c.name, err)
			status[c.name] = "unavailable"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[c.name] = "ok"
	}
	respondJSON(w, code, status)
}
