// -----------------------------------------------------------------------
// UrlEntry - Canonical URL row, unique per (projectId, SHA-256(loc))
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// URLStatus tracks a URL's standing with one engine.
type URLStatus string

const (
	URLStatusDiscovered URLStatus = "DISCOVERED"
	URLStatusQueued     URLStatus = "QUEUED"
	URLStatusSubmitted  URLStatus = "SUBMITTED"
	URLStatusIndexed    URLStatus = "INDEXED"
	URLStatusError4xx   URLStatus = "ERROR_4XX"
	URLStatusError5xx   URLStatus = "ERROR_5XX"
	URLStatusCrawlError URLStatus = "CRAWL_ERROR"
)

// IsPending reports whether the status counts toward the pending aggregate.
func (s URLStatus) IsPending() bool {
	return s == URLStatusDiscovered || s == URLStatusQueued || s == URLStatusSubmitted
}

// IsError reports whether the status counts toward the error aggregate.
func (s URLStatus) IsError() bool {
	return s == URLStatusError4xx || s == URLStatusError5xx || s == URLStatusCrawlError
}

// URLEntry is one canonical URL discovered from a project's sitemaps.
// LocHash is immutable; (ProjectID, LocHash) is unique.
type URLEntry struct {
	ID                  string     `badgerhold:"key" json:"id"` // projectID|locHash
	ProjectID           string     `badgerhold:"index" json:"projectId"`
	SitemapID           *string    `json:"sitemapId,omitempty"` // Nulled if the sitemap is removed
	Loc                 string     `json:"loc"`
	LocHash             string     `json:"locHash"`
	Lastmod             string     `json:"lastmod,omitempty"`
	Changefreq          string     `json:"changefreq,omitempty"`
	Priority            *float64   `json:"priority,omitempty"`
	GoogleStatus        URLStatus  `badgerhold:"index" json:"googleStatus"`
	BingStatus          URLStatus  `json:"bingStatus"`
	GoogleSubmittedAt   *time.Time `json:"googleSubmittedAt,omitempty"`
	BingSubmittedAt     *time.Time `json:"bingSubmittedAt,omitempty"`
	GoogleLastCheckedAt *time.Time `json:"googleLastCheckedAt,omitempty"`
	FirstSeenAt         time.Time  `json:"firstSeenAt"`
	RemovedAt           *time.Time `json:"removedAt,omitempty"`
}

// URLEntryKey builds the storage key enforcing (projectId, locHash)
// uniqueness.
func URLEntryKey(projectID, locHash string) string {
	return projectID + "|" + locHash
}

// SitemapURLEntry is one parsed <url> element (or feed item) emitted by the
// sitemap parser before persistence.
type SitemapURLEntry struct {
	Loc        string   `json:"loc"`
	Lastmod    string   `json:"lastmod,omitempty"`
	Changefreq string   `json:"changefreq,omitempty"`
	Priority   *float64 `json:"priority,omitempty"`
}
