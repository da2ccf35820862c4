package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// SubmissionStorage implements the SubmissionStorage interface for Badger
type SubmissionStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSubmissionStorage creates a new SubmissionStorage instance
func NewSubmissionStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SubmissionStorage {
	return &SubmissionStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SubmissionStorage) StoreSubmission(ctx context.Context, submission *models.Submission) error {
	if submission.ID == "" {
		return models.Classify(models.ErrorKindInvalidInput, fmt.Errorf("submission ID is required"))
	}
	if err := s.db.Store().Upsert(submission.ID, submission); err != nil {
		return fmt.Errorf("failed to save submission: %w", err)
	}
	return nil
}

func (s *SubmissionStorage) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	var submission models.Submission
	if err := s.db.Store().Get(id, &submission); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("submission %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return &submission, nil
}

func (s *SubmissionStorage) GetSubmissionsByProject(ctx context.Context, projectID string, opts *interfaces.ListOptions) ([]*models.Submission, error) {
	// Newest first; the API surfaces recent attempts.
	query := badgerhold.Where("ProjectID").Eq(projectID).SortBy("ScheduledAt").Reverse()

	if opts != nil {
		if opts.OrderDir == "asc" {
			query = badgerhold.Where("ProjectID").Eq(projectID).SortBy("ScheduledAt")
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}

	var submissions []models.Submission
	if err := s.db.Store().Find(&submissions, query); err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}

	result := make([]*models.Submission, len(submissions))
	for i := range submissions {
		result[i] = &submissions[i]
	}
	return result, nil
}

func (s *SubmissionStorage) GetPendingSubmissions(ctx context.Context, engine models.Engine, limit int) ([]*models.Submission, error) {
	query := badgerhold.Where("Engine").Eq(engine).
		And("Status").Eq(models.SubmissionPending).
		SortBy("ScheduledAt")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var submissions []models.Submission
	if err := s.db.Store().Find(&submissions, query); err != nil {
		return nil, fmt.Errorf("failed to list pending submissions: %w", err)
	}

	result := make([]*models.Submission, len(submissions))
	for i := range submissions {
		result[i] = &submissions[i]
	}
	return result, nil
}

func (s *SubmissionStorage) DeleteSubmissionsByProject(ctx context.Context, projectID string) (int, error) {
	count, err := s.CountSubmissions(ctx, projectID)
	if err != nil {
		return 0, err
	}
	err = s.db.Store().DeleteMatching(&models.Submission{},
		badgerhold.Where("ProjectID").Eq(projectID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete submissions: %w", err)
	}
	return count, nil
}

func (s *SubmissionStorage) CountSubmissions(ctx context.Context, projectID string) (int, error) {
	count, err := s.db.Store().Count(&models.Submission{},
		badgerhold.Where("ProjectID").Eq(projectID))
	if err != nil {
		return 0, fmt.Errorf("failed to count submissions: %w", err)
	}
	return int(count), nil
}
