// -----------------------------------------------------------------------
// Submission - Append-only log of per-URL engine notification attempts
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// Engine identifies an external indexing API.
type Engine string

const (
	EngineGoogle   Engine = "GOOGLE"
	EngineIndexNow Engine = "INDEXNOW"
)

// SubmissionAction is the notification type sent to the engine.
type SubmissionAction string

const (
	ActionURLUpdated SubmissionAction = "URL_UPDATED"
	ActionURLDeleted SubmissionAction = "URL_DELETED"
)

// SubmissionStatus is the outcome of one submission row.
type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "PENDING"
	SubmissionCompleted SubmissionStatus = "COMPLETED"
	SubmissionFailed    SubmissionStatus = "FAILED"
)

// DefaultMaxAttempts bounds per-submission retries.
const DefaultMaxAttempts = 3

// Submission is one attempt batch for one URL against one engine. Rows are
// append-only; a new attempt writes a new row.
type Submission struct {
	ID           string           `badgerhold:"key" json:"id"`
	URLID        string           `json:"urlId"`
	ProjectID    string           `badgerhold:"index" json:"projectId"`
	Engine       Engine           `json:"engine"`
	Action       SubmissionAction `json:"action"`
	Status       SubmissionStatus `json:"status"`
	Attempts     int              `json:"attempts"`
	MaxAttempts  int              `json:"maxAttempts"`
	ResponseCode *int             `json:"responseCode,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	ScheduledAt  time.Time        `json:"scheduledAt"`
	StartedAt    *time.Time       `json:"startedAt,omitempty"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
	NextRetryAt  *time.Time       `json:"nextRetryAt,omitempty"`
}

// NewSubmission creates a pending submission row for a URL.
func NewSubmission(projectID, urlID string, engine Engine, action SubmissionAction) *Submission {
	return &Submission{
		ID:          uuid.New().String(),
		URLID:       urlID,
		ProjectID:   projectID,
		Engine:      engine,
		Action:      action,
		Status:      SubmissionPending,
		MaxAttempts: DefaultMaxAttempts,
		ScheduledAt: time.Now().UTC(),
	}
}

// Complete stamps the row as accepted by the engine.
func (s *Submission) Complete(responseCode int) {
	now := time.Now().UTC()
	s.Status = SubmissionCompleted
	s.ResponseCode = &responseCode
	s.CompletedAt = &now
	s.NextRetryAt = nil
}

// Fail stamps the row as rejected.
func (s *Submission) Fail(responseCode int, message string) {
	now := time.Now().UTC()
	s.Status = SubmissionFailed
	if responseCode != 0 {
		s.ResponseCode = &responseCode
	}
	s.ErrorMessage = message
	s.CompletedAt = &now
	s.NextRetryAt = nil
}
