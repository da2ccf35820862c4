// -----------------------------------------------------------------------
// Scheduler service - one cron entry per project scan schedule plus the
// daily submission sweep
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/ternarybob/sitesync/internal/services/dispatch"
)

// stopGrace caps how long Stop waits for in-flight cron callbacks.
const stopGrace = 30 * time.Second

// Dispatcher is the slice of the dispatch service the scheduler uses.
type Dispatcher interface {
	Scan(ctx context.Context, project *models.Project, jobType models.JobType) (*models.Job, error)
	Submit(ctx context.Context, project *models.Project, engine models.Engine, urlIDs []string) (*models.Job, error)
}

var _ Dispatcher = (*dispatch.Service)(nil)

// scanEntry tracks one project's registered cron entry.
type scanEntry struct {
	schedule string
	cronID   cron.EntryID
}

// EntryStatus describes a registered schedule for the status endpoint.
type EntryStatus struct {
	Name      string     `json:"name"`
	ProjectID string     `json:"projectId,omitempty"`
	Schedule  string     `json:"schedule"`
	NextRun   *time.Time `json:"nextRun,omitempty"`
}

// Service drives time-based work: per-project incremental scans on each
// project's own cron spec, and a daily sweep that submits pending URLs for
// projects with auto-submit enabled.
type Service struct {
	store      interfaces.StorageManager
	dispatcher Dispatcher
	cron       *cron.Cron
	logger     arbor.ILogger

	sweepSpec string
	enabled   bool

	mu      sync.Mutex
	entries map[string]*scanEntry
	sweepID cron.EntryID
	running bool
}

// NewService creates the scheduler. Nothing runs until Start.
func NewService(store interfaces.StorageManager, dispatcher Dispatcher, cfg *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		cron:       cron.New(),
		logger:     logger,
		sweepSpec:  cfg.Scheduler.SubmissionSweep,
		enabled:    cfg.Scheduler.Enabled,
		entries:    make(map[string]*scanEntry),
	}
}

// Start registers the sweep and every stored project schedule, then starts
// the cron runner.
func (s *Service) Start() error {
	if !s.enabled {
		s.logger.Info().Msg("Scheduler disabled by config")
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	if s.sweepSpec != "" {
		id, err := s.cron.AddFunc(s.sweepSpec, s.runSweep)
		if err != nil {
			return fmt.Errorf("invalid submission sweep spec %q: %w", s.sweepSpec, err)
		}
		s.mu.Lock()
		s.sweepID = id
		s.mu.Unlock()
	}

	projects, err := s.store.ProjectStorage().AllProjects(context.Background())
	if err != nil {
		return fmt.Errorf("failed to load projects for scheduling: %w", err)
	}
	for _, project := range projects {
		if err := s.Refresh(project); err != nil {
			s.logger.Warn().Err(err).Str("project_id", project.ID).Msg("Skipping project schedule")
		}
	}

	s.cron.Start()

	s.mu.Lock()
	registered := len(s.entries)
	s.mu.Unlock()
	s.logger.Info().
		Int("projects", registered).
		Str("sweep", s.sweepSpec).
		Msg("Scheduler started")
	return nil
}

// Stop halts the cron runner and waits briefly for in-flight callbacks.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(stopGrace):
		s.logger.Warn().Msg("Scheduler callbacks did not finish within the stop grace period")
	}

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// Refresh registers, replaces, or removes a project's scan entry to match
// its current settings. Safe to call before Start and after updates.
func (s *Service) Refresh(project *models.Project) error {
	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[project.ID]; ok {
		if entry.schedule == project.Settings.ScanSchedule {
			return nil
		}
		s.cron.Remove(entry.cronID)
		delete(s.entries, project.ID)
	}

	schedule := project.Settings.ScanSchedule
	if schedule == "" {
		return nil
	}

	projectID := project.ID
	cronID, err := s.cron.AddFunc(schedule, func() {
		s.runScan(projectID)
	})
	if err != nil {
		return fmt.Errorf("invalid scan schedule %q: %w", schedule, err)
	}

	s.entries[project.ID] = &scanEntry{schedule: schedule, cronID: cronID}
	s.logger.Info().
		Str("project_id", project.ID).
		Str("schedule", schedule).
		Msg("Scan schedule registered")
	return nil
}

// Remove drops a deleted project's entry.
func (s *Service) Remove(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[projectID]; ok {
		s.cron.Remove(entry.cronID)
		delete(s.entries, projectID)
		s.logger.Info().Str("project_id", projectID).Msg("Scan schedule removed")
	}
}

// Entries lists registered schedules with their next run times.
func (s *Service) Entries() []EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]EntryStatus, 0, len(s.entries)+1)
	if s.sweepSpec != "" && s.sweepID != 0 {
		status := EntryStatus{Name: "submission-sweep", Schedule: s.sweepSpec}
		if next := s.cron.Entry(s.sweepID).Next; !next.IsZero() {
			status.NextRun = &next
		}
		statuses = append(statuses, status)
	}
	for projectID, entry := range s.entries {
		status := EntryStatus{
			Name:      "incremental-scan",
			ProjectID: projectID,
			Schedule:  entry.schedule,
		}
		if next := s.cron.Entry(entry.cronID).Next; !next.IsZero() {
			status.NextRun = &next
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// runScan dispatches an incremental scan for one project.
func (s *Service) runScan(projectID string) {
	defer s.recoverPanic("scheduled scan")

	ctx := context.Background()
	project, err := s.store.ProjectStorage().GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.Remove(projectID)
			return
		}
		s.logger.Error().Err(err).Str("project_id", projectID).Msg("Scheduled scan could not load project")
		return
	}

	if _, err := s.dispatcher.Scan(ctx, project, models.JobTypeIncrementalSync); err != nil {
		if errors.Is(err, models.ErrConflict) {
			s.logger.Debug().Str("project_id", projectID).Msg("Scheduled scan skipped, a scan is already active")
			return
		}
		s.logger.Error().Err(err).Str("project_id", projectID).Msg("Scheduled scan dispatch failed")
	}
}

// runSweep dispatches submission jobs for every auto-submit project.
func (s *Service) runSweep() {
	defer s.recoverPanic("submission sweep")

	ctx := context.Background()
	projects, err := s.store.ProjectStorage().AllProjects(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Submission sweep could not list projects")
		return
	}

	dispatched := 0
	for _, project := range projects {
		if !project.Settings.AutoSubmit {
			continue
		}
		for _, engine := range s.sweepEngines(project) {
			ok, err := s.store.CredentialStorage().HasCredential(ctx, project.ID, engine)
			if err != nil || !ok {
				s.logger.Debug().
					Str("project_id", project.ID).
					Str("engine", string(engine)).
					Msg("Sweep skipped engine without a credential")
				continue
			}

			if _, err := s.dispatcher.Submit(ctx, project, engine, nil); err != nil {
				if errors.Is(err, models.ErrNothingToSubmit) {
					continue
				}
				if errors.Is(err, models.ErrQuotaExhausted) {
					s.logger.Debug().
						Str("project_id", project.ID).
						Str("engine", string(engine)).
						Msg("Sweep skipped engine with exhausted quota")
					continue
				}
				s.logger.Error().
					Err(err).
					Str("project_id", project.ID).
					Str("engine", string(engine)).
					Msg("Sweep dispatch failed")
				continue
			}
			dispatched++
		}
	}

	s.logger.Info().Int("jobs", dispatched).Msg("Submission sweep finished")
}

// sweepEngines resolves which engines the sweep covers for a project. An
// empty SubmitEngines means every engine.
func (s *Service) sweepEngines(project *models.Project) []models.Engine {
	if len(project.Settings.SubmitEngines) > 0 {
		return project.Settings.SubmitEngines
	}
	return []models.Engine{models.EngineGoogle, models.EngineIndexNow}
}

func (s *Service) recoverPanic(what string) {
	if r := recover(); r != nil {
		s.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Msgf("PANIC RECOVERED in %s", what)
	}
}
