// -----------------------------------------------------------------------
// Last Modified: Tuesday, 25th August 2026
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/metrics"
	"github.com/ternarybob/sitesync/internal/models"
)

const (
	pausePollInterval = 250 * time.Millisecond
	progressInterval  = 200 * time.Millisecond

	// AbortMessage is the error message recorded on jobs ended by Abort.
	AbortMessage = "Job Aborted"
)

// jobRuntime is the in-memory state of one running job: the cancel hook
// Abort fires, the pause flag and the progress throttle.
type jobRuntime struct {
	projectID string
	orgID     string
	cancel    context.CancelFunc
	paused    atomic.Bool

	progressMu   sync.Mutex
	lastReported int
	throttle     *rate.Limiter
}

// Controller owns the job state machine: row persistence, pause/abort
// signalling, progress throttling and JOB_UPDATE event publication. It also
// resolves job IDs to their event topic for the log streamer.
type Controller struct {
	store   interfaces.StorageManager
	events  interfaces.EventService
	metrics *metrics.Metrics
	logger  arbor.ILogger

	createMu sync.Mutex
	mu       sync.RWMutex
	running  map[string]*jobRuntime
}

// NewController wires the controller to storage, the event bus and metrics.
func NewController(store interfaces.StorageManager, events interfaces.EventService, meter *metrics.Metrics, logger arbor.ILogger) *Controller {
	if logger == nil {
		logger = common.GetLogger()
	}
	if meter == nil {
		meter = metrics.NewNop()
	}
	return &Controller{
		store:   store,
		events:  events,
		metrics: meter,
		logger:  logger,
		running: make(map[string]*jobRuntime),
	}
}

// Create persists a PENDING job. Scan types are subject to the one-active-
// scan rule: a project with a PENDING or PROCESSING scan rejects another
// with ErrConflict.
func (c *Controller) Create(ctx context.Context, project *models.Project, jobType models.JobType, metadata map[string]string) (*models.Job, error) {
	c.createMu.Lock()
	defer c.createMu.Unlock()

	if jobType.IsScan() {
		active, err := c.store.JobStorage().GetActiveJobByType(ctx, project.ID,
			models.JobTypeFullScan, models.JobTypeIncrementalSync)
		if err != nil {
			return nil, fmt.Errorf("failed to check active scans: %w", err)
		}
		if active != nil {
			return nil, models.ErrConflict
		}
	}

	job := models.NewJob(project.ID, project.OrganizationID, jobType)
	job.Metadata = metadata
	if err := c.store.JobStorage().StoreJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to store job: %w", err)
	}

	c.logger.Info().
		Str("job_id", job.ID).
		Str("project_id", project.ID).
		Str("type", string(jobType)).
		Msg("Job created")

	c.publishJob(job)
	return job, nil
}

// Begin transitions a job to PROCESSING and returns its run context. The
// context descends from parent, so pool shutdown cancels running jobs. A
// PROCESSING job with no live runtime (crashed instance, redelivered
// message) is adopted; anything else is rejected as non-retryable.
func (c *Controller) Begin(parent context.Context, jobID string) (*JobContext, error) {
	job, err := c.store.JobStorage().GetJob(parent, jobID)
	if err != nil {
		return nil, models.InvalidInput(fmt.Errorf("job %s not found: %w", jobID, err))
	}

	switch job.Status {
	case models.JobStatusPending:
		// Normal path.
	case models.JobStatusProcessing:
		if c.runtime(jobID) != nil {
			return nil, models.InvalidInput(fmt.Errorf("job %s is already running", jobID))
		}
		// Adopt a run orphaned by a crashed instance.
		c.logger.Warn().
			Str("job_id", jobID).
			Msg("Adopting orphaned PROCESSING job")
	default:
		return nil, models.InvalidInput(fmt.Errorf("job %s is %s, not runnable", jobID, job.Status))
	}

	job.MarkStarted()
	if err := c.store.JobStorage().StoreJob(parent, job); err != nil {
		return nil, fmt.Errorf("failed to mark job started: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &jobRuntime{
		projectID: job.ProjectID,
		orgID:     job.OrganizationID,
		cancel:    cancel,
		throttle:  rate.NewLimiter(rate.Every(progressInterval), 1),
	}

	c.mu.Lock()
	c.running[jobID] = rt
	c.mu.Unlock()

	c.metrics.JobStarted(ctx, string(job.Type))
	c.publishJob(job)

	return &JobContext{
		Ctx:       ctx,
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		OrgID:     job.OrganizationID,
		Logger:    c.logger.WithCorrelationId(job.ID),
	}, nil
}

// Pause flags a running job. Workers block at their next pause check.
func (c *Controller) Pause(jobID string) error {
	rt := c.runtime(jobID)
	if rt == nil {
		return models.ErrNotFound
	}
	rt.paused.Store(true)
	c.logger.Info().Str("job_id", jobID).Msg("Job paused")
	return nil
}

// Resume clears a job's pause flag.
func (c *Controller) Resume(jobID string) error {
	rt := c.runtime(jobID)
	if rt == nil {
		return models.ErrNotFound
	}
	rt.paused.Store(false)
	c.logger.Info().Str("job_id", jobID).Msg("Job resumed")
	return nil
}

// Abort cancels a job. A running job has its context cancelled and the
// worker records the CANCELLED transition; a still-PENDING job transitions
// directly.
func (c *Controller) Abort(ctx context.Context, jobID string) error {
	if rt := c.runtime(jobID); rt != nil {
		rt.paused.Store(false)
		rt.cancel()
		c.logger.Info().Str("job_id", jobID).Msg("Job abort signalled")
		return nil
	}

	job, err := c.store.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return models.InvalidInput(fmt.Errorf("job %s is already %s", jobID, job.Status))
	}

	job.MarkCancelled(AbortMessage)
	if err := c.store.JobStorage().StoreJob(ctx, job); err != nil {
		return fmt.Errorf("failed to cancel pending job: %w", err)
	}

	c.logger.Info().Str("job_id", jobID).Msg("Pending job cancelled")
	c.publishJob(job)
	return nil
}

// FailPending fails a job that never started running. Used when the queue
// delivery for a freshly created job could not be enqueued.
func (c *Controller) FailPending(jobID, message string) {
	ctx := context.Background()
	job, err := c.store.JobStorage().GetJob(ctx, jobID)
	if err != nil || job.IsTerminal() {
		return
	}

	job.MarkFailed(message)
	if err := c.store.JobStorage().StoreJob(ctx, job); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to fail pending job")
		return
	}
	c.publishJob(job)
}

// WaitIfPaused blocks while the job's pause flag is set, polling every
// 250 ms. Cancellation interrupts the wait.
func (c *Controller) WaitIfPaused(jc *JobContext) error {
	rt := c.runtime(jc.JobID)
	if rt == nil {
		return nil
	}

	for rt.paused.Load() {
		select {
		case <-jc.Ctx.Done():
			return jc.Ctx.Err()
		case <-time.After(pausePollInterval):
		}
	}
	return jc.Ctx.Err()
}

// ReportProgress persists progress and emits a JOB_UPDATE. Progress is
// clamped to [lastReported, 100] so it never regresses, and non-terminal
// updates are throttled to one per 200 ms per job.
func (c *Controller) ReportProgress(jc *JobContext, progress, processedItems, totalItems int) {
	rt := c.runtime(jc.JobID)
	if rt == nil {
		return
	}

	rt.progressMu.Lock()
	if progress > 100 {
		progress = 100
	}
	if progress < rt.lastReported {
		progress = rt.lastReported
	}
	if !rt.throttle.Allow() {
		rt.lastReported = progress
		rt.progressMu.Unlock()
		return
	}
	rt.lastReported = progress
	rt.progressMu.Unlock()

	job, err := c.store.JobStorage().GetJob(jc.Ctx, jc.JobID)
	if err != nil {
		return
	}
	job.Progress = progress
	job.ProcessedItems = processedItems
	job.TotalItems = totalItems
	job.UpdatedAt = time.Now().UTC()

	if err := c.store.JobStorage().StoreJob(jc.Ctx, job); err != nil {
		jc.Logger.Warn().Err(err).Msg("Failed to persist job progress")
		return
	}
	c.publishJob(job)
}

// Complete records the COMPLETED terminal state.
func (c *Controller) Complete(jc *JobContext, processedItems, totalItems int) error {
	return c.finish(jc, func(job *models.Job) {
		job.ProcessedItems = processedItems
		job.TotalItems = totalItems
		job.MarkCompleted()
	})
}

// Fail records the FAILED terminal state with the given message.
func (c *Controller) Fail(jc *JobContext, message string) error {
	return c.finish(jc, func(job *models.Job) {
		job.MarkFailed(message)
	})
}

// Cancel records the CANCELLED terminal state. Workers call this when the
// job context was cancelled by Abort or shutdown.
func (c *Controller) Cancel(jc *JobContext) error {
	return c.finish(jc, func(job *models.Job) {
		job.MarkCancelled(AbortMessage)
	})
}

// finish applies a terminal transition: persists the row, always publishes
// the terminal JOB_UPDATE, records duration metrics and releases the
// runtime. Uses a background-derived context because the job's own context
// is typically cancelled by the time a cancellation is being recorded.
func (c *Controller) finish(jc *JobContext, mutate func(*models.Job)) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := c.store.JobStorage().GetJob(ctx, jc.JobID)
	if err != nil {
		c.release(jc.JobID)
		return fmt.Errorf("failed to load job for terminal transition: %w", err)
	}
	if job.IsTerminal() {
		c.release(jc.JobID)
		return nil
	}

	mutate(job)
	if err := c.store.JobStorage().StoreJob(ctx, job); err != nil {
		c.release(jc.JobID)
		return fmt.Errorf("failed to persist terminal transition: %w", err)
	}

	c.release(jc.JobID)
	c.metrics.JobFinished(ctx, job.Duration())
	c.publishJob(job)

	c.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Dur("duration", job.Duration()).
		Msg("Job finished")

	return nil
}

// ResolveJob maps a job ID to its event topic identity. Running jobs resolve
// from memory; finished jobs fall back to storage so late log lines still
// reach their stream.
func (c *Controller) ResolveJob(jobID string) (organizationID, projectID string, ok bool) {
	if rt := c.runtime(jobID); rt != nil {
		return rt.orgID, rt.projectID, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := c.store.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return "", "", false
	}
	return job.OrganizationID, job.ProjectID, true
}

func (c *Controller) runtime(jobID string) *jobRuntime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running[jobID]
}

func (c *Controller) release(jobID string) {
	c.mu.Lock()
	rt, ok := c.running[jobID]
	delete(c.running, jobID)
	c.mu.Unlock()

	if ok {
		rt.cancel()
	}
}

func (c *Controller) publishJob(job *models.Job) {
	c.events.Publish(models.BusEvent{
		Kind:           models.EventJobUpdate,
		OrganizationID: job.OrganizationID,
		ProjectID:      job.ProjectID,
		Payload:        models.JobUpdateFrom(job),
	})
}
