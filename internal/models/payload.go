// -----------------------------------------------------------------------
// Queue payloads - One typed payload per queue, not a loose map
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Queue names consumed by the worker subsystem.
const (
	QueueSitemapScanner    = "sitemap-scanner"
	QueueGoogleSubmitter   = "google-submitter"
	QueueIndexNowSubmitter = "indexnow-submitter"
)

// QueueNames lists every durable queue in dequeue registration order.
var QueueNames = []string{
	QueueSitemapScanner,
	QueueGoogleSubmitter,
	QueueIndexNowSubmitter,
}

// ScannerPayload drives one sitemap-scanner delivery. Depth 0 is the root
// scan that owns the job lifecycle; child deliveries carry the same JobID.
type ScannerPayload struct {
	ProjectID       string `json:"projectId"`
	JobID           string `json:"jobId"`
	SitemapURL      string `json:"sitemapUrl,omitempty"` // Empty means the project root sitemap
	ParentSitemapID string `json:"parentSitemapId,omitempty"`
	Depth           int    `json:"depth"`
}

// GooglePayload drives one google-submitter delivery.
type GooglePayload struct {
	ProjectID string           `json:"projectId"`
	JobID     string           `json:"jobId"`
	URLIDs    []string         `json:"urlIds"`
	Action    SubmissionAction `json:"action"`
}

// IndexNowPayload drives one indexnow-submitter delivery.
type IndexNowPayload struct {
	ProjectID string   `json:"projectId"`
	JobID     string   `json:"jobId"`
	URLIDs    []string `json:"urlIds"`
}

// Validate checks the scanner payload shape.
func (p *ScannerPayload) Validate() error {
	if p.ProjectID == "" {
		return errors.New("scanner payload missing projectId")
	}
	if p.JobID == "" {
		return errors.New("scanner payload missing jobId")
	}
	if p.Depth < 0 {
		return fmt.Errorf("scanner payload depth %d is negative", p.Depth)
	}
	return nil
}

// Validate checks the google payload shape.
func (p *GooglePayload) Validate() error {
	if p.ProjectID == "" || p.JobID == "" {
		return errors.New("google payload missing projectId or jobId")
	}
	if len(p.URLIDs) == 0 {
		return errors.New("google payload has no urlIds")
	}
	if p.Action != ActionURLUpdated && p.Action != ActionURLDeleted {
		return fmt.Errorf("google payload has unknown action %q", p.Action)
	}
	return nil
}

// Validate checks the indexnow payload shape.
func (p *IndexNowPayload) Validate() error {
	if p.ProjectID == "" || p.JobID == "" {
		return errors.New("indexnow payload missing projectId or jobId")
	}
	if len(p.URLIDs) == 0 {
		return errors.New("indexnow payload has no urlIds")
	}
	return nil
}

// DecodePayload unmarshals raw queue bytes into the typed payload for dst.
func DecodePayload(raw []byte, dst interface{ Validate() error }) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return dst.Validate()
}
