package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/services/scheduler"
)

// APIHandler serves the system endpoints: health, version, and the combined
// status view over queues and registered schedules.
type APIHandler struct {
	config    *common.Config
	queue     interfaces.QueueManager
	scheduler *scheduler.Service
	startedAt time.Time
	logger    arbor.ILogger
}

// NewAPIHandler creates the system endpoint handler. The scheduler may be nil
// when the process runs without one.
func NewAPIHandler(config *common.Config, queue interfaces.QueueManager, sched *scheduler.Service, logger arbor.ILogger) *APIHandler {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &APIHandler{
		config:    config,
		queue:     queue,
		scheduler: sched,
		startedAt: time.Now().UTC(),
		logger:    logger,
	}
}

// HealthHandler returns health check status
// GET /api/health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// VersionHandler returns version information
// GET /api/version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GitCommit,
	})
}

// StatusHandler returns queue depths and the registered schedules
// GET /api/status
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	status := map[string]interface{}{
		"status":      "ok",
		"environment": h.config.Environment,
		"version":     common.GetVersion(),
		"uptime":      time.Since(h.startedAt).Round(time.Second).String(),
	}

	if h.queue != nil {
		queues, err := h.queue.Stats(r.Context())
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to read queue stats")
		} else {
			status["queues"] = queues
		}
	}

	if h.scheduler != nil {
		status["schedules"] = h.scheduler.Entries()
	}

	WriteJSON(w, http.StatusOK, status)
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
