// -----------------------------------------------------------------------
// Job - Orchestrated unit of work with a PENDING -> PROCESSING -> terminal
// lifecycle
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// JobType identifies which worker consumes the job.
type JobType string

const (
	JobTypeFullScan        JobType = "FULL_SCAN"
	JobTypeIncrementalSync JobType = "INCREMENTAL_SYNC"
	JobTypeGoogleSubmit    JobType = "GOOGLE_SUBMISSION"
	JobTypeIndexNowSubmit  JobType = "INDEXNOW_SUBMISSION"
	JobTypeStatusCheck     JobType = "STATUS_CHECK"
)

// IsScan reports whether the type is subject to the one-active-scan rule.
func (t JobType) IsScan() bool {
	return t == JobTypeFullScan || t == JobTypeIncrementalSync
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// Job is the persisted record of one orchestrated run. Progress only
// advances, except on cancellation.
type Job struct {
	ID             string            `badgerhold:"key" json:"id"`
	ProjectID      string            `badgerhold:"index" json:"projectId"`
	OrganizationID string            `json:"organizationId"`
	Type           JobType           `badgerhold:"index" json:"type"`
	Status         JobStatus         `badgerhold:"index" json:"status"`
	Progress       int               `json:"progress"` // 0-100
	TotalItems     int               `json:"totalItems"`
	ProcessedItems int               `json:"processedItems"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ScheduledAt    time.Time         `json:"scheduledAt"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// NewJob creates a PENDING job for a project.
func NewJob(projectID, organizationID string, jobType JobType) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		OrganizationID: organizationID,
		Type:           jobType,
		Status:         JobStatusPending,
		ScheduledAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MarkStarted transitions PENDING -> PROCESSING.
func (j *Job) MarkStarted() {
	now := time.Now().UTC()
	j.Status = JobStatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
}

// MarkCompleted transitions to COMPLETED and forces progress to 100.
func (j *Job) MarkCompleted() {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkFailed transitions to FAILED with an error message.
func (j *Job) MarkFailed(errorMsg string) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.ErrorMessage = errorMsg
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkCancelled transitions to CANCELLED with an error message.
func (j *Job) MarkCancelled(message string) {
	now := time.Now().UTC()
	j.Status = JobStatusCancelled
	j.ErrorMessage = message
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// IsTerminal returns true once the job reached a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted ||
		j.Status == JobStatusFailed ||
		j.Status == JobStatusCancelled
}

// IsActive returns true while the job occupies the project's scan slot.
func (j *Job) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusProcessing
}

// Duration returns elapsed wall time between start and completion.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
