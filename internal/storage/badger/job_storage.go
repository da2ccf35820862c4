package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) StoreJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return models.Classify(models.ErrorKindInvalidInput, fmt.Errorf("job ID is required"))
	}
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) GetJobsByProject(ctx context.Context, projectID string, opts *interfaces.ListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("ProjectID").Eq(projectID).SortBy("CreatedAt").Reverse()

	if opts != nil {
		if opts.OrderDir == "asc" {
			query = badgerhold.Where("ProjectID").Eq(projectID).SortBy("CreatedAt")
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) GetActiveJobs(ctx context.Context, projectID string) ([]*models.Job, error) {
	var jobs []models.Job
	err := s.db.Store().Find(&jobs,
		badgerhold.Where("ProjectID").Eq(projectID).
			And("Status").In(models.JobStatusPending, models.JobStatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// GetActiveJobByType returns the first PENDING or PROCESSING job matching
// any of the given types, or nil when the project has none. The job
// controller uses this to enforce one active scan per project.
func (s *JobStorage) GetActiveJobByType(ctx context.Context, projectID string, types ...models.JobType) (*models.Job, error) {
	active, err := s.GetActiveJobs(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, job := range active {
		for _, t := range types {
			if job.Type == t {
				return job, nil
			}
		}
	}
	return nil, nil
}

func (s *JobStorage) DeleteJobsByProject(ctx context.Context, projectID string) (int, error) {
	count, err := s.CountJobs(ctx, projectID)
	if err != nil {
		return 0, err
	}
	err = s.db.Store().DeleteMatching(&models.Job{},
		badgerhold.Where("ProjectID").Eq(projectID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}
	return count, nil
}

func (s *JobStorage) CountJobs(ctx context.Context, projectID string) (int, error) {
	count, err := s.db.Store().Count(&models.Job{},
		badgerhold.Where("ProjectID").Eq(projectID))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}
