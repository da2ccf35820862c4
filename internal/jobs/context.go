package jobs

import (
	"context"

	"github.com/ternarybob/arbor"
)

// JobContext carries the per-run state a worker needs: the cancellable
// context Abort signals through, the job identity, and a logger correlated
// to the job ID so its output reaches the job's live log stream.
type JobContext struct {
	Ctx       context.Context
	JobID     string
	ProjectID string
	OrgID     string
	Logger    arbor.ILogger
}

// Cancelled reports whether the run's context has been cancelled.
func (jc *JobContext) Cancelled() bool {
	return jc.Ctx.Err() != nil
}
