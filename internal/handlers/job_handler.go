package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pixelmind/backend/internal/middleware"
	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/services"
)

// OutputSigner turns a stored output ref into a URL the client can fetch
type OutputSigner interface {
	PresignDownload(ctx context.Context, ref string) (string, error)
}

type JobHandler struct {
	service   *services.CreditService
	signer    OutputSigner
	validator *services.ValidationHelper
}

// NewJobHandler builds the job endpoints. signer may be nil, in which case
// output refs are returned as stored.
func NewJobHandler(service *services.CreditService, signer OutputSigner) *JobHandler {
	return &JobHandler{
		service:   service,
		signer:    signer,
		validator: services.NewValidationHelper(),
	}
}

// SubmitJobRequest is the body of POST /jobs
type SubmitJobRequest struct {
	Tool   string          `json:"tool" validate:"required" example:"upscale"`
	Params json.RawMessage `json:"params" validate:"required" swaggertype:"object"`
}

// SubmitJobResponse is returned once credits are reserved
type SubmitJobResponse struct {
	JobID string          `json:"jobId"`
	State models.JobState `json:"state"`
	Cost  int64           `json:"cost"`
}

// JobView is a job as shown to its owner
type JobView struct {
	models.Job
	OutputURL string `json:"outputUrl,omitempty"`
}

// Submit reserves credits and queues a job
// @Summary Submit a job
// @Description Reserve the tool's cost and queue the job for the provider
// @Tags Jobs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body SubmitJobRequest true "Tool and params"
// @Success 202 {object} SubmitJobResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 402 {object} object{error=string,required=int64,available=int64,action=string}
// @Failure 404 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Router /jobs [post]
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req SubmitJobRequest
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	job, err := h.service.SubmitRaw(r.Context(), accountID, req.Tool, req.Params)
	if err != nil {
		log.Printf("[JOBS] Submit rejected for account %s: %v", accountID, err)
		writeServiceError(w, "JOBS", err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitJobResponse{
		JobID: job.ID,
		State: job.State,
		Cost:  job.Cost,
	})
}

// Get returns one of the caller's jobs
// @Summary Get a job
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Param jobId path string true "Job ID"
// @Success 200 {object} JobView
// @Failure 404 {object} services.ErrorResponse
// @Router /jobs/{jobId} [get]
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	job, err := h.service.GetJob(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		writeServiceError(w, "JOBS", err)
		return
	}
	// other accounts' jobs are indistinguishable from missing ones
	if job.AccountID != accountID {
		writeServiceError(w, "JOBS", services.ErrJobNotFound)
		return
	}

	writeJSON(w, http.StatusOK, h.view(r.Context(), *job))
}

// List returns the caller's recent jobs
// @Summary List jobs
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Max jobs (default 20, max 100)"
// @Success 200 {object} object{jobs=[]JobView}
// @Router /jobs [get]
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	jobs, err := h.service.ListJobs(r.Context(), accountID, queryInt(r, "limit"))
	if err != nil {
		writeServiceError(w, "JOBS", err)
		return
	}

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, h.view(r.Context(), job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (h *JobHandler) view(ctx context.Context, job models.Job) JobView {
	v := JobView{Job: job}
	if h.signer == nil || job.OutputRef == nil {
		return v
	}
	url, err := h.signer.PresignDownload(ctx, *job.OutputRef)
	if err != nil {
		log.Printf("[JOBS] Failed to sign output of job %s: %v", job.ID, err)
		return v
	}
	v.OutputURL = url
	return v
}
