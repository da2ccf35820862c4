// -----------------------------------------------------------------------
// Sitemap - One fetched sitemap document, unique per (projectId, url)
// -----------------------------------------------------------------------

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// SitemapKind is the detected root element class of a sitemap document.
type SitemapKind string

const (
	SitemapKindIndex  SitemapKind = "INDEX"  // <sitemapindex> referencing child sitemaps
	SitemapKindURLSet SitemapKind = "URLSET" // <urlset> listing end URLs
	SitemapKindRSS    SitemapKind = "RSS"    // RSS 2.0 or Atom feed
)

// Sitemap records the last observed state of one sitemap URL within a project.
type Sitemap struct {
	ID            string      `badgerhold:"key" json:"id"`
	ProjectID     string      `badgerhold:"index" json:"projectId"`
	URL           string      `json:"url"`
	Kind          SitemapKind `json:"kind"`
	ParentID      *string     `json:"parentId,omitempty"` // Index sitemap that referenced this one
	URLCount      int         `json:"urlCount"`
	ETag          string      `json:"etag,omitempty"`
	LastModified  string      `json:"lastModified,omitempty"`
	LastFetchedAt *time.Time  `json:"lastFetchedAt,omitempty"`
	ContentHash   string      `json:"contentHash,omitempty"` // SHA-256 of the normalized child loc list
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// SitemapKey builds the deterministic storage key enforcing (projectId, url)
// uniqueness.
func SitemapKey(projectID, url string) string {
	sum := sha256.Sum256([]byte(projectID + "|" + url))
	return hex.EncodeToString(sum[:])
}

// ContentHashOf hashes the set of child locs. Ordering is normalized so the
// hash changes iff the set of locs changed.
func ContentHashOf(locs []string) string {
	sorted := make([]string, len(locs))
	copy(sorted, locs)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}
