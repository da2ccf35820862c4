package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ProjectStorage implements the ProjectStorage interface for Badger
type ProjectStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewProjectStorage creates a new ProjectStorage instance
func NewProjectStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ProjectStorage {
	return &ProjectStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ProjectStorage) StoreProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		return models.Classify(models.ErrorKindInvalidInput, fmt.Errorf("project ID is required"))
	}

	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	if err := s.db.Store().Upsert(project.ID, project); err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

func (s *ProjectStorage) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var project models.Project
	if err := s.db.Store().Get(id, &project); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("project %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &project, nil
}

func (s *ProjectStorage) GetProjectByDomain(ctx context.Context, organizationID, domain string) (*models.Project, error) {
	var projects []models.Project
	err := s.db.Store().Find(&projects,
		badgerhold.Where("OrganizationID").Eq(organizationID).And("Domain").Eq(domain))
	if err != nil {
		return nil, fmt.Errorf("failed to find project by domain: %w", err)
	}
	if len(projects) == 0 {
		return nil, fmt.Errorf("project for domain %s: %w", domain, models.ErrNotFound)
	}
	return &projects[0], nil
}

func (s *ProjectStorage) ListProjects(ctx context.Context, organizationID string, opts *interfaces.ListOptions) ([]*models.Project, error) {
	query := badgerhold.Where("OrganizationID").Eq(organizationID)

	if opts != nil {
		sortField := "CreatedAt"
		if opts.OrderBy == "updated_at" {
			sortField = "UpdatedAt"
		}
		query = query.SortBy(sortField)
		if opts.OrderDir == "desc" {
			query = query.Reverse()
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}

	var projects []models.Project
	if err := s.db.Store().Find(&projects, query); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	result := make([]*models.Project, len(projects))
	for i := range projects {
		result[i] = &projects[i]
	}
	return result, nil
}

func (s *ProjectStorage) AllProjects(ctx context.Context) ([]*models.Project, error) {
	var projects []models.Project
	if err := s.db.Store().Find(&projects, nil); err != nil {
		return nil, fmt.Errorf("failed to list all projects: %w", err)
	}

	result := make([]*models.Project, len(projects))
	for i := range projects {
		result[i] = &projects[i]
	}
	return result, nil
}

func (s *ProjectStorage) DeleteProject(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Project{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

func (s *ProjectStorage) CountProjects(ctx context.Context, organizationID string) (int, error) {
	count, err := s.db.Store().Count(&models.Project{},
		badgerhold.Where("OrganizationID").Eq(organizationID))
	if err != nil {
		return 0, fmt.Errorf("failed to count projects: %w", err)
	}
	return int(count), nil
}

// RecomputeCounters re-derives the cached aggregates from the URL rows and
// writes them back onto the project. Grouping follows the Google status:
// pending covers DISCOVERED/QUEUED/SUBMITTED, error covers the three error
// statuses.
func (s *ProjectStorage) RecomputeCounters(ctx context.Context, projectID string) (*models.ProjectCounters, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var urls []models.URLEntry
	if err := s.db.Store().Find(&urls, badgerhold.Where("ProjectID").Eq(projectID)); err != nil {
		return nil, fmt.Errorf("failed to load urls for counters: %w", err)
	}

	counters := models.ProjectCounters{}
	for i := range urls {
		if urls[i].RemovedAt != nil {
			continue
		}
		counters.Total++
		status := urls[i].GoogleStatus
		switch {
		case status == models.URLStatusIndexed:
			counters.Indexed++
		case status.IsPending():
			counters.Pending++
		case status.IsError():
			counters.Error++
		}
	}

	project.Counters = counters
	if err := s.StoreProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to persist counters: %w", err)
	}

	s.logger.Debug().
		Str("project_id", projectID).
		Int("total", counters.Total).
		Int("indexed", counters.Indexed).
		Int("pending", counters.Pending).
		Int("error", counters.Error).
		Msg("Project counters recomputed")

	return &counters, nil
}
