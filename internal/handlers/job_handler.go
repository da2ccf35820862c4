package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/jobs"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/ternarybob/sitesync/internal/services/dispatch"
)

// JobHandler handles job-related API requests: starting scans and
// submissions, listing job rows, and the pause/resume/cancel controls.
type JobHandler struct {
	store      interfaces.StorageManager
	dispatcher *dispatch.Service
	controller *jobs.Controller
	logger     arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(store interfaces.StorageManager, dispatcher *dispatch.Service, controller *jobs.Controller, logger arbor.ILogger) *JobHandler {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &JobHandler{
		store:      store,
		dispatcher: dispatcher,
		controller: controller,
		logger:     logger,
	}
}

// scanRequest is the optional POST /api/projects/{id}/scan body.
type scanRequest struct {
	Full bool `json:"full"`
}

// submitRequest is the POST /api/projects/{id}/submit body. Empty URLIDs
// means every pending URL for the engine.
type submitRequest struct {
	Engine string   `json:"engine"`
	URLIDs []string `json:"urlIds"`
}

// ScanProjectHandler handles POST /api/projects/{id}/scan. A second scan
// while one is PENDING or PROCESSING returns 409.
func (h *JobHandler) ScanProjectHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	project, ok := h.projectFromPath(w, r, "scan")
	if !ok {
		return
	}

	var req scanRequest
	if r.ContentLength > 0 {
		if err := DecodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	jobType := models.JobTypeIncrementalSync
	if req.Full {
		jobType = models.JobTypeFullScan
	}

	job, err := h.dispatcher.Scan(r.Context(), project, jobType)
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to start scan")
		return
	}

	WriteJSON(w, http.StatusAccepted, job)
}

// SubmitProjectHandler handles POST /api/projects/{id}/submit
func (h *JobHandler) SubmitProjectHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	project, ok := h.projectFromPath(w, r, "submit")
	if !ok {
		return
	}

	var req submitRequest
	if err := DecodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	engine, err := ParseEngine(req.Engine)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.dispatcher.Submit(r.Context(), project, engine, req.URLIDs)
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to start submission")
		return
	}

	WriteJSON(w, http.StatusAccepted, job)
}

// ListJobsHandler handles GET /api/jobs?projectId=...&status=...
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		WriteError(w, http.StatusBadRequest, "projectId query parameter is required")
		return
	}

	jobRows, err := h.store.JobStorage().GetJobsByProject(r.Context(), projectID, GetListOptions(r))
	if err != nil {
		h.logger.Error().Err(err).Str("project_id", projectID).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	if status := strings.ToUpper(r.URL.Query().Get("status")); status != "" {
		filtered := jobRows[:0]
		for _, job := range jobRows {
			if string(job.Status) == status {
				filtered = append(filtered, job)
			}
		}
		jobRows = filtered
	}

	if jobRows == nil {
		jobRows = []*models.Job{}
	}

	WriteJSON(w, http.StatusOK, jobRows)
}

// GetJobHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID := extractIDFromPath(r.URL.Path, "/api/jobs/")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.store.JobStorage().GetJob(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to get job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// PauseJobHandler handles POST /api/jobs/{id}/pause. Only a job currently
// being processed can pause; anything else is a state conflict.
func (h *JobHandler) PauseJobHandler(w http.ResponseWriter, r *http.Request) {
	h.controlJob(w, r, "pause", func(jobID string) error {
		return h.controller.Pause(jobID)
	})
}

// ResumeJobHandler handles POST /api/jobs/{id}/resume
func (h *JobHandler) ResumeJobHandler(w http.ResponseWriter, r *http.Request) {
	h.controlJob(w, r, "resume", func(jobID string) error {
		return h.controller.Resume(jobID)
	})
}

// CancelJobHandler handles POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	h.controlJob(w, r, "cancel", func(jobID string) error {
		return h.controller.Abort(r.Context(), jobID)
	})
}

// controlJob runs one controller action against the job named by
// /api/jobs/{id}/{action}.
func (h *JobHandler) controlJob(w http.ResponseWriter, r *http.Request, action string, apply func(jobID string) error) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	segments := PathSegments(r.URL.Path)
	if len(segments) != 4 || segments[3] != action {
		WriteError(w, http.StatusBadRequest, "Expected /api/jobs/{id}/"+action)
		return
	}
	jobID := segments[2]

	job, err := h.store.JobStorage().GetJob(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to "+action+" job")
		return
	}
	if job.IsTerminal() {
		WriteError(w, http.StatusConflict, "job already finished with status "+string(job.Status))
		return
	}

	if err := apply(jobID); err != nil {
		// Pause/resume report ErrNotFound when the job has no live runtime.
		// The row exists, so surface that as a state conflict instead.
		if errors.Is(err, models.ErrNotFound) {
			WriteError(w, http.StatusConflict, "job is not running")
			return
		}
		WriteServiceError(w, h.logger, err, "Failed to "+action+" job")
		return
	}

	h.logger.Info().
		Str("job_id", jobID).
		Str("action", action).
		Msg("Job control applied")

	WriteJSON(w, http.StatusOK, map[string]string{
		"jobId":  job.ID,
		"action": action,
		"status": "accepted",
	})
}

// projectFromPath loads the project named by /api/projects/{id}/{action}.
func (h *JobHandler) projectFromPath(w http.ResponseWriter, r *http.Request, action string) (*models.Project, bool) {
	segments := PathSegments(r.URL.Path)
	if len(segments) != 4 || segments[3] != action {
		WriteError(w, http.StatusBadRequest, "Expected /api/projects/{id}/"+action)
		return nil, false
	}

	project, err := h.store.ProjectStorage().GetProject(r.Context(), segments[2])
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to load project")
		return nil, false
	}

	return project, true
}
