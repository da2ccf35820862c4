package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/ternarybob/sitesync/internal/services/scheduler"
	"github.com/ternarybob/sitesync/internal/services/vault"
)

// ProjectHandler handles HTTP requests for project management. Settings
// changes are pushed to the scheduler so cron entries track the stored rows.
type ProjectHandler struct {
	store     interfaces.StorageManager
	vault     interfaces.Vault
	scheduler *scheduler.Service
	logger    arbor.ILogger
}

// NewProjectHandler creates a new ProjectHandler. The scheduler may be nil.
func NewProjectHandler(store interfaces.StorageManager, vault interfaces.Vault, sched *scheduler.Service, logger arbor.ILogger) *ProjectHandler {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &ProjectHandler{
		store:     store,
		vault:     vault,
		scheduler: sched,
		logger:    logger,
	}
}

// createProjectRequest is the POST /api/projects body.
type createProjectRequest struct {
	OrganizationID string                  `json:"organizationId"`
	Domain         string                  `json:"domain"`
	RootSitemapURL string                  `json:"rootSitemapUrl"`
	Settings       *models.ProjectSettings `json:"settings"`
}

// updateProjectRequest is the PUT /api/projects/{id} body. Nil fields keep
// their stored values.
type updateProjectRequest struct {
	RootSitemapURL *string                 `json:"rootSitemapUrl"`
	Settings       *models.ProjectSettings `json:"settings"`
}

// credentialRequest is the PUT /api/projects/{id}/credentials/{engine} body.
type credentialRequest struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// credentialView is the response shape for credential writes. Ciphertext and
// secret material never appear in API responses. GeneratedKey is set only
// when the server minted an IndexNow key for the caller; that key is public
// by protocol (it gets published at https://{domain}/{key}.txt).
type credentialView struct {
	ID           string                `json:"id"`
	ProjectID    string                `json:"projectId"`
	Engine       models.Engine         `json:"engine"`
	Type         models.CredentialType `json:"type"`
	IsValid      bool                  `json:"isValid"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
	GeneratedKey string                `json:"generatedKey,omitempty"`
}

// CreateProjectHandler handles POST /api/projects
func (h *ProjectHandler) CreateProjectHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req createProjectRequest
	if err := DecodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.OrganizationID == "" {
		req.OrganizationID = DefaultOrganization
	}
	if strings.TrimSpace(req.Domain) == "" {
		WriteError(w, http.StatusBadRequest, "domain is required")
		return
	}
	if err := validateSitemapURL(req.RootSitemapURL); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	project := models.NewProject(req.OrganizationID, req.Domain, req.RootSitemapURL)
	if req.Settings != nil {
		if err := validateSettings(req.Settings); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		project.Settings = *req.Settings
	}

	// One project per (organization, domain).
	existing, err := h.store.ProjectStorage().GetProjectByDomain(r.Context(), project.OrganizationID, project.Domain)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		h.logger.Error().Err(err).Msg("Failed to check for existing project")
		WriteError(w, http.StatusInternalServerError, "Failed to create project")
		return
	}
	if existing != nil {
		WriteError(w, http.StatusConflict, fmt.Sprintf("a project for domain %q already exists", project.Domain))
		return
	}

	if err := h.store.ProjectStorage().StoreProject(r.Context(), project); err != nil {
		h.logger.Error().Err(err).Msg("Failed to create project")
		WriteError(w, http.StatusInternalServerError, "Failed to create project")
		return
	}

	h.refreshSchedule(project)

	h.logger.Info().
		Str("project_id", project.ID).
		Str("domain", project.Domain).
		Msg("Project created")

	WriteJSON(w, http.StatusCreated, project)
}

// ListProjectsHandler handles GET /api/projects
func (h *ProjectHandler) ListProjectsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	organizationID := r.URL.Query().Get("organizationId")
	if organizationID == "" {
		organizationID = DefaultOrganization
	}

	projects, err := h.store.ProjectStorage().ListProjects(r.Context(), organizationID, GetListOptions(r))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list projects")
		WriteError(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}

	if projects == nil {
		projects = []*models.Project{}
	}

	WriteJSON(w, http.StatusOK, projects)
}

// GetProjectHandler handles GET /api/projects/{id}
func (h *ProjectHandler) GetProjectHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/projects/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Project ID is required")
		return
	}

	project, err := h.store.ProjectStorage().GetProject(r.Context(), id)
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to get project")
		return
	}

	WriteJSON(w, http.StatusOK, project)
}

// UpdateProjectHandler handles PUT /api/projects/{id}
func (h *ProjectHandler) UpdateProjectHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/projects/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Project ID is required")
		return
	}

	var req updateProjectRequest
	if err := DecodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	project, err := h.store.ProjectStorage().GetProject(r.Context(), id)
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to get project")
		return
	}

	if req.RootSitemapURL != nil {
		if err := validateSitemapURL(*req.RootSitemapURL); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		project.RootSitemapURL = *req.RootSitemapURL
	}
	if req.Settings != nil {
		if err := validateSettings(req.Settings); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		project.Settings = *req.Settings
	}

	if err := h.store.ProjectStorage().StoreProject(r.Context(), project); err != nil {
		h.logger.Error().Err(err).Str("project_id", id).Msg("Failed to update project")
		WriteError(w, http.StatusInternalServerError, "Failed to update project")
		return
	}

	h.refreshSchedule(project)

	WriteJSON(w, http.StatusOK, project)
}

// DeleteProjectHandler handles DELETE /api/projects/{id}. Deletion cascades
// through sitemaps, urls, submissions, jobs, credentials, and quota rows.
func (h *ProjectHandler) DeleteProjectHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/projects/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Project ID is required")
		return
	}

	if _, err := h.store.ProjectStorage().GetProject(r.Context(), id); err != nil {
		WriteServiceError(w, h.logger, err, "Failed to delete project")
		return
	}

	if err := h.store.DeleteProjectCascade(r.Context(), id); err != nil {
		h.logger.Error().Err(err).Str("project_id", id).Msg("Failed to delete project")
		WriteError(w, http.StatusInternalServerError, "Failed to delete project")
		return
	}

	if h.scheduler != nil {
		h.scheduler.Remove(id)
	}

	h.logger.Info().Str("project_id", id).Msg("Project deleted")

	w.WriteHeader(http.StatusNoContent)
}

// GetProjectStatsHandler handles GET /api/projects/{id}/stats
func (h *ProjectHandler) GetProjectStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	segments := PathSegments(r.URL.Path)
	if len(segments) < 4 {
		WriteError(w, http.StatusBadRequest, "Project ID is required")
		return
	}
	id := segments[2]

	ctx := r.Context()

	project, err := h.store.ProjectStorage().GetProject(ctx, id)
	if err != nil {
		WriteServiceError(w, h.logger, err, "Failed to get project stats")
		return
	}

	byStatus, err := h.store.URLStorage().CountURLsByStatus(ctx, id)
	if err != nil {
		h.logger.Error().Err(err).Str("project_id", id).Msg("Failed to count urls")
		WriteError(w, http.StatusInternalServerError, "Failed to get project stats")
		return
	}

	sitemapCount, err := h.store.SitemapStorage().CountSitemaps(ctx, id)
	if err != nil {
		h.logger.Warn().Err(err).Str("project_id", id).Msg("Failed to count sitemaps")
	}
	submissionCount, err := h.store.SubmissionStorage().CountSubmissions(ctx, id)
	if err != nil {
		h.logger.Warn().Err(err).Str("project_id", id).Msg("Failed to count submissions")
	}
	jobCount, err := h.store.JobStorage().CountJobs(ctx, id)
	if err != nil {
		h.logger.Warn().Err(err).Str("project_id", id).Msg("Failed to count jobs")
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"projectId":        project.ID,
		"domain":           project.Domain,
		"counters":         project.Counters,
		"urlsByStatus":     byStatus,
		"sitemaps":         sitemapCount,
		"submissions":      submissionCount,
		"jobs":             jobCount,
		"lastScanAt":       project.LastScanAt,
		"lastSubmissionAt": project.LastSubmissionAt,
	})
}

// PutCredentialHandler handles PUT /api/projects/{id}/credentials/{engine}.
// The payload is sealed through the vault; the response never carries the
// submitted material or any ciphertext.
func (h *ProjectHandler) PutCredentialHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}

	projectID, engine, ok := credentialPath(w, r)
	if !ok {
		return
	}

	var req credentialRequest
	if err := DecodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	// An empty IndexNow body asks the server to mint a key. Google always
	// needs the caller's service account JSON.
	generated := ""
	if strings.TrimSpace(req.Data) == "" {
		if engine != models.EngineIndexNow {
			WriteError(w, http.StatusBadRequest, "credential data is required")
			return
		}
		key, err := vault.GenerateIndexNowKey()
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to generate IndexNow key")
			WriteError(w, http.StatusInternalServerError, "Failed to generate key")
			return
		}
		req.Data = key
		generated = key
	}

	credType, err := credentialType(req.Type, engine)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.store.ProjectStorage().GetProject(r.Context(), projectID); err != nil {
		WriteServiceError(w, h.logger, err, "Failed to store credential")
		return
	}

	credential, err := h.vault.Seal(r.Context(), projectID, engine, credType, []byte(req.Data))
	if err != nil {
		h.logger.Error().Err(err).
			Str("project_id", projectID).
			Str("engine", string(engine)).
			Msg("Failed to seal credential")
		WriteError(w, http.StatusInternalServerError, "Failed to store credential")
		return
	}

	h.logger.Info().
		Str("project_id", projectID).
		Str("engine", string(engine)).
		Msg("Credential stored")

	WriteJSON(w, http.StatusOK, credentialView{
		ID:           credential.ID,
		ProjectID:    credential.ProjectID,
		Engine:       credential.Engine,
		Type:         credential.Type,
		IsValid:      credential.IsValid,
		CreatedAt:    credential.CreatedAt,
		UpdatedAt:    credential.UpdatedAt,
		GeneratedKey: generated,
	})
}

// DeleteCredentialHandler handles DELETE /api/projects/{id}/credentials/{engine}
func (h *ProjectHandler) DeleteCredentialHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	projectID, engine, ok := credentialPath(w, r)
	if !ok {
		return
	}

	if err := h.store.CredentialStorage().DeleteCredential(r.Context(), projectID, engine); err != nil {
		WriteServiceError(w, h.logger, err, "Failed to delete credential")
		return
	}

	h.logger.Info().
		Str("project_id", projectID).
		Str("engine", string(engine)).
		Msg("Credential deleted")

	w.WriteHeader(http.StatusNoContent)
}

// refreshSchedule keeps the scheduler's cron entry aligned with the stored
// scan schedule. Registration failures surface in logs, not in the response;
// the row is already persisted.
func (h *ProjectHandler) refreshSchedule(project *models.Project) {
	if h.scheduler == nil {
		return
	}
	if err := h.scheduler.Refresh(project); err != nil {
		h.logger.Warn().Err(err).
			Str("project_id", project.ID).
			Msg("Failed to register scan schedule")
	}
}

// credentialPath parses /api/projects/{id}/credentials/{engine}.
func credentialPath(w http.ResponseWriter, r *http.Request) (string, models.Engine, bool) {
	segments := PathSegments(r.URL.Path)
	if len(segments) != 5 || segments[3] != "credentials" {
		WriteError(w, http.StatusBadRequest, "Expected /api/projects/{id}/credentials/{engine}")
		return "", "", false
	}

	engine, err := ParseEngine(segments[4])
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}

	return segments[2], engine, true
}

// credentialType resolves the stored credential type, inferring it from the
// engine when the request omits it.
func credentialType(raw string, engine models.Engine) (models.CredentialType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "":
		if engine == models.EngineGoogle {
			return models.CredentialServiceAccount, nil
		}
		return models.CredentialIndexNowKey, nil
	case string(models.CredentialServiceAccount):
		return models.CredentialServiceAccount, nil
	case string(models.CredentialIndexNowKey):
		return models.CredentialIndexNowKey, nil
	default:
		return "", fmt.Errorf("unsupported credential type %q", raw)
	}
}

func validateSitemapURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("rootSitemapUrl is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.New("rootSitemapUrl must be an absolute http(s) URL")
	}
	return nil
}

func validateSettings(settings *models.ProjectSettings) error {
	if err := common.ValidateScanSchedule(settings.ScanSchedule); err != nil {
		return fmt.Errorf("invalid scanSchedule: %w", err)
	}
	for _, engine := range settings.SubmitEngines {
		if _, err := ParseEngine(string(engine)); err != nil {
			return fmt.Errorf("invalid submitEngines entry %q", engine)
		}
	}
	return nil
}
