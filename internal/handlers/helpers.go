package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
)

// DefaultOrganization scopes rows created through the API when the caller
// does not name an organization. Tenancy tables are out of scope; the field
// still partitions every topic and storage index.
const DefaultOrganization = "default"

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteServiceError maps the service error taxonomy onto HTTP statuses.
// Unrecognized errors become a 500 carrying only the fallback message.
func WriteServiceError(w http.ResponseWriter, logger arbor.ILogger, err error, fallback string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		WriteError(w, http.StatusNotFound, fallback+": not found")
	case errors.Is(err, models.ErrConflict):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrNothingToSubmit):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrQuotaExhausted):
		WriteError(w, http.StatusTooManyRequests, err.Error())
	case models.KindOf(err) == models.ErrorKindInvalidInput:
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error().Err(err).Msg(fallback)
		WriteError(w, http.StatusInternalServerError, fallback)
	}
}

// DecodeBody decodes a JSON request body into dst. An empty body is an error;
// callers with optional bodies check ContentLength first.
func DecodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

// PathSegments splits a trimmed URL path into its segments.
// "/api/projects/abc/scan" -> ["api", "projects", "abc", "scan"].
func PathSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// extractIDFromPath extracts the ID from a URL path.
// Example: "/api/projects/abc-123" with prefix "/api/projects/" returns "abc-123".
func extractIDFromPath(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	id := strings.TrimPrefix(path, prefix)
	id = strings.TrimSuffix(id, "/")
	return id
}

// GetListOptions extracts limit/offset pagination from the query string.
func GetListOptions(r *http.Request) *interfaces.ListOptions {
	opts := &interfaces.ListOptions{
		Limit:    50,
		Offset:   0,
		OrderBy:  "created_at",
		OrderDir: "desc",
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 1000 {
			opts.Limit = parsed
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			opts.Offset = parsed
		}
	}
	if orderDir := r.URL.Query().Get("order_dir"); orderDir == "asc" || orderDir == "desc" {
		opts.OrderDir = orderDir
	}

	return opts
}

// ParseEngine normalizes an engine name from a request. Returns an error for
// anything other than the two supported engines.
func ParseEngine(raw string) (models.Engine, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(models.EngineGoogle):
		return models.EngineGoogle, nil
	case string(models.EngineIndexNow):
		return models.EngineIndexNow, nil
	default:
		return "", models.InvalidInput(errors.New("engine must be GOOGLE or INDEXNOW"))
	}
}
