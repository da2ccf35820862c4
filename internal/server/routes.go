// -----------------------------------------------------------------------
// Last Modified: Tuesday, 25th August 2026 11:22:40 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route - live job updates per project
	mux.HandleFunc("/ws/jobs/", s.app.WSHandler.HandleJobSocket)

	// API routes - Projects
	mux.HandleFunc("/api/projects", s.handleProjectsRoute) // GET (list), POST (create)
	mux.HandleFunc("/api/projects/", s.handleProjectRoutes) // /{id}, /{id}/stats|scan|submit, /{id}/credentials/{engine}

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // /{id}, /{id}/pause|resume|cancel

	// API routes - System
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/status", s.app.APIHandler.StatusHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleProjectsRoute routes /api/projects requests (list and create)
func (s *Server) handleProjectsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r,
		s.app.ProjectHandler.ListProjectsHandler,
		s.app.ProjectHandler.CreateProjectHandler,
	)
}

// handleProjectRoutes routes /api/projects/{id} and its subresources. The
// handlers re-parse the path themselves; this switch only picks the handler.
func (s *Server) handleProjectRoutes(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.URL.Path)

	switch {
	// /api/projects/{id}
	case len(segments) == 3:
		RouteResourceItem(w, r,
			s.app.ProjectHandler.GetProjectHandler,
			s.app.ProjectHandler.UpdateProjectHandler,
			s.app.ProjectHandler.DeleteProjectHandler,
		)

	// /api/projects/{id}/stats | scan | submit
	case len(segments) == 4 && segments[3] == "stats":
		s.app.ProjectHandler.GetProjectStatsHandler(w, r)
	case len(segments) == 4 && segments[3] == "scan":
		s.app.JobHandler.ScanProjectHandler(w, r)
	case len(segments) == 4 && segments[3] == "submit":
		s.app.JobHandler.SubmitProjectHandler(w, r)

	// /api/projects/{id}/credentials/{engine}
	case len(segments) == 5 && segments[3] == "credentials":
		RouteByMethod(w, r, MethodRouter{
			"PUT":    s.app.ProjectHandler.PutCredentialHandler,
			"DELETE": s.app.ProjectHandler.DeleteCredentialHandler,
		})

	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

// handleJobRoutes routes /api/jobs/{id} and the job control subresources
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method == "POST" {
		if handled := RouteByPathSuffix(w, r, "/api/jobs/", []PathSuffixRouter{
			{Suffix: "/pause", Handler: s.app.JobHandler.PauseJobHandler},
			{Suffix: "/resume", Handler: s.app.JobHandler.ResumeJobHandler},
			{Suffix: "/cancel", Handler: s.app.JobHandler.CancelJobHandler},
		}); handled {
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// GET /api/jobs/{id}
	if r.Method == "GET" {
		s.app.JobHandler.GetJobHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// splitPath breaks a request path into its non-empty segments.
func splitPath(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	segments := parts[:0]
	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}
