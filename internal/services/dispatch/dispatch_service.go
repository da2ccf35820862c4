// -----------------------------------------------------------------------
// Dispatch service - turns an intent (scan now, submit these URLs) into a
// job row plus the queue delivery that carries its payload
// -----------------------------------------------------------------------

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/jobs"
	"github.com/ternarybob/sitesync/internal/models"
)

// Service is the single entry point for starting work. The API handlers and
// the scheduler both go through it so job rows and queue deliveries never
// drift apart.
type Service struct {
	store      interfaces.StorageManager
	queue      interfaces.QueueManager
	controller *jobs.Controller
	logger     arbor.ILogger

	googleQuota int
}

// NewService creates a dispatcher over the given queue and job controller.
func NewService(
	store interfaces.StorageManager,
	queue interfaces.QueueManager,
	controller *jobs.Controller,
	googleDailyQuota int,
	logger arbor.ILogger,
) *Service {
	return &Service{
		store:       store,
		queue:       queue,
		controller:  controller,
		googleQuota: googleDailyQuota,
		logger:      logger,
	}
}

// Scan creates a scan job and enqueues the root scanner delivery. The
// controller rejects a second active scan for the project with ErrConflict.
func (s *Service) Scan(ctx context.Context, project *models.Project, jobType models.JobType) (*models.Job, error) {
	if !jobType.IsScan() {
		return nil, models.InvalidInput(fmt.Errorf("job type %s is not a scan", jobType))
	}

	job, err := s.controller.Create(ctx, project, jobType, nil)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(models.ScannerPayload{
		ProjectID: project.ID,
		JobID:     job.ID,
	})
	if err != nil {
		return nil, s.orphan(job, err)
	}
	if _, err := s.queue.Enqueue(ctx, models.QueueSitemapScanner, body); err != nil {
		return nil, s.orphan(job, err)
	}

	s.logger.Info().
		Str("project_id", project.ID).
		Str("job_id", job.ID).
		Str("type", string(jobType)).
		Msg("Scan dispatched")
	return job, nil
}

// Submit creates a submission job for the engine. An empty urlIDs slice
// means "everything pending", capped at the day's remaining Google quota for
// that engine. Picked rows are stamped QUEUED on the engine's column so the
// next sweep does not pick them again while the delivery is in flight.
func (s *Service) Submit(ctx context.Context, project *models.Project, engine models.Engine, urlIDs []string) (*models.Job, error) {
	var jobType models.JobType
	switch engine {
	case models.EngineGoogle:
		jobType = models.JobTypeGoogleSubmit
	case models.EngineIndexNow:
		jobType = models.JobTypeIndexNowSubmit
	default:
		return nil, models.InvalidInput(fmt.Errorf("unknown engine %q", engine))
	}

	var rows []*models.URLEntry
	var err error

	if len(urlIDs) > 0 {
		rows, err = s.store.URLStorage().GetURLs(ctx, urlIDs)
	} else {
		limit := s.pendingCap(ctx, project, engine)
		if limit == 0 {
			return nil, models.ErrQuotaExhausted
		}
		rows, err = s.store.URLStorage().GetPendingURLs(ctx, project.ID, engine, limit)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, models.ErrNothingToSubmit
	}

	job, err := s.controller.Create(ctx, project, jobType, map[string]string{"engine": string(engine)})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}

	var body []byte
	if engine == models.EngineGoogle {
		body, err = json.Marshal(models.GooglePayload{
			ProjectID: project.ID,
			JobID:     job.ID,
			URLIDs:    ids,
			Action:    models.ActionURLUpdated,
		})
	} else {
		body, err = json.Marshal(models.IndexNowPayload{
			ProjectID: project.ID,
			JobID:     job.ID,
			URLIDs:    ids,
		})
	}
	if err != nil {
		return nil, s.orphan(job, err)
	}

	queue := models.QueueGoogleSubmitter
	if engine == models.EngineIndexNow {
		queue = models.QueueIndexNowSubmitter
	}
	if _, err := s.queue.Enqueue(ctx, queue, body); err != nil {
		return nil, s.orphan(job, err)
	}

	s.markQueued(ctx, rows, engine)

	s.logger.Info().
		Str("project_id", project.ID).
		Str("job_id", job.ID).
		Str("engine", string(engine)).
		Int("urls", len(ids)).
		Msg("Submission dispatched")
	return job, nil
}

// pendingCap bounds an "everything pending" pick. Google sweeps stop at the
// day's remaining quota; IndexNow batches stop at the protocol's per-request
// maximum. Zero means the google quota is exhausted.
func (s *Service) pendingCap(ctx context.Context, project *models.Project, engine models.Engine) int {
	if engine != models.EngineGoogle {
		return 10000
	}
	usage, err := s.store.QuotaStorage().GetUsage(ctx, project.ID, models.EngineGoogle)
	if err != nil {
		return s.googleQuota
	}
	remaining := s.googleQuota - usage.Used
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *Service) markQueued(ctx context.Context, rows []*models.URLEntry, engine models.Engine) {
	for _, row := range rows {
		switch engine {
		case models.EngineGoogle:
			if row.GoogleStatus != models.URLStatusDiscovered && row.GoogleStatus != models.URLStatusQueued {
				continue
			}
			row.GoogleStatus = models.URLStatusQueued
		case models.EngineIndexNow:
			if row.BingStatus != models.URLStatusDiscovered && row.BingStatus != models.URLStatusQueued {
				continue
			}
			row.BingStatus = models.URLStatusQueued
		}
		if err := s.store.URLStorage().StoreURL(ctx, row); err != nil {
			s.logger.Warn().Err(err).Str("url", row.Loc).Msg("Failed to mark url queued")
		}
	}
}

// orphan fails a job whose queue delivery never made it out, so the row does
// not sit PENDING forever.
func (s *Service) orphan(job *models.Job, cause error) error {
	s.controller.FailPending(job.ID, "failed to enqueue job delivery")
	return fmt.Errorf("failed to enqueue delivery for job %s: %w", job.ID, cause)
}
