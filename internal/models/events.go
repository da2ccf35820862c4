// -----------------------------------------------------------------------
// Live event payloads delivered to WebSocket subscribers per (org, project)
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the wire-level message type on the jobs WebSocket.
type EventKind string

const (
	EventConnected   EventKind = "CONNECTED"
	EventLog         EventKind = "LOG"
	EventJobUpdate   EventKind = "JOB_UPDATE"
	EventStatsUpdate EventKind = "STATS_UPDATE"
	EventPong        EventKind = "PONG"
)

// LogModule tags which subsystem produced a log event.
type LogModule string

const (
	ModuleStream LogModule = "STREAM"
	ModuleDB     LogModule = "DB"
	ModuleWorker LogModule = "WORKER"
	ModuleAPI    LogModule = "API"
)

// LogEvent is an ephemeral log record broadcast to subscribers. It is never
// persisted.
type LogEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // info, warn, error, success
	Module    LogModule `json:"module"`
	Message   string    `json:"message"`
	JobID     string    `json:"jobId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
}

// NewLogEvent builds a log event stamped with the current time.
func NewLogEvent(level string, module LogModule, message string) LogEvent {
	return LogEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Module:    module,
		Message:   message,
	}
}

// JobUpdateEvent mirrors the job row fields subscribers render live.
type JobUpdateEvent struct {
	ID             string    `json:"id"`
	Type           JobType   `json:"type"`
	Status         JobStatus `json:"status"`
	Progress       int       `json:"progress"`
	ProcessedItems int       `json:"processedItems"`
	TotalItems     int       `json:"totalItems"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
}

// JobUpdateFrom snapshots a job row into its live event form.
func JobUpdateFrom(job *Job) JobUpdateEvent {
	return JobUpdateEvent{
		ID:             job.ID,
		Type:           job.Type,
		Status:         job.Status,
		Progress:       job.Progress,
		ProcessedItems: job.ProcessedItems,
		TotalItems:     job.TotalItems,
		ErrorMessage:   job.ErrorMessage,
	}
}

// IsTerminal reports whether the update carries a final status. Terminal
// updates are never dropped by subscriber back-pressure handling.
func (e JobUpdateEvent) IsTerminal() bool {
	return e.Status == JobStatusCompleted ||
		e.Status == JobStatusFailed ||
		e.Status == JobStatusCancelled
}

// StatsUpdateEvent carries recomputed project counters.
type StatsUpdateEvent struct {
	ProjectID string          `json:"projectId"`
	Counters  ProjectCounters `json:"counters"`
}

// BusEvent is the envelope the event bus delivers in publish order per
// (organization, project) topic.
type BusEvent struct {
	Kind           EventKind   `json:"kind"`
	OrganizationID string      `json:"organizationId"`
	ProjectID      string      `json:"projectId"`
	Payload        interface{} `json:"payload"`
}

// TopicOf builds the bus topic (and broker channel suffix) for a project.
func TopicOf(organizationID, projectID string) string {
	return organizationID + ":" + projectID
}
