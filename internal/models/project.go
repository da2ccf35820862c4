// -----------------------------------------------------------------------
// Project - Tenant-owned registration of a domain and its root sitemap
// -----------------------------------------------------------------------

package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProjectCounters are cached aggregates over UrlEntry.GoogleStatus. They are
// recomputed by UpdateProjectCounters after each scan and are eventually
// consistent with the underlying rows.
type ProjectCounters struct {
	Total   int `json:"total"`   // All URL rows for the project
	Indexed int `json:"indexed"` // INDEXED
	Pending int `json:"pending"` // DISCOVERED, QUEUED, SUBMITTED
	Error   int `json:"error"`   // ERROR_4XX, ERROR_5XX, CRAWL_ERROR
}

// ProjectSettings holds per-project behavior toggles.
type ProjectSettings struct {
	ScanSchedule  string   `json:"scanSchedule,omitempty"` // Cron spec for incremental scans (empty = manual only)
	AutoSubmit    bool     `json:"autoSubmit"`             // Include project in the daily submission sweep
	SubmitEngines []Engine `json:"submitEngines,omitempty"`
}

// Project owns all child entities (sitemaps, urls, submissions, jobs,
// credentials, quota). Deleting a project cascades.
type Project struct {
	ID               string          `badgerhold:"key" json:"id"`
	OrganizationID   string          `badgerhold:"index" json:"organizationId"`
	Domain           string          `badgerhold:"index" json:"domain"`
	RootSitemapURL   string          `json:"rootSitemapUrl"`
	Settings         ProjectSettings `json:"settings"`
	Counters         ProjectCounters `json:"cachedCounters"`
	LastScanAt       *time.Time      `json:"lastScanAt,omitempty"`
	LastSubmissionAt *time.Time      `json:"lastSubmissionAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// NewProject creates a project for an organization.
func NewProject(organizationID, domain, rootSitemapURL string) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		Domain:         normalizeDomain(domain),
		RootSitemapURL: rootSitemapURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Host returns the bare host used for IndexNow key locations.
func (p *Project) Host() string {
	return p.Domain
}

func normalizeDomain(domain string) string {
	d := strings.TrimSpace(strings.ToLower(domain))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	return strings.TrimSuffix(d, "/")
}
