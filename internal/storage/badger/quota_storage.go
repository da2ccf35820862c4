package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// QuotaStorage implements the QuotaStorage interface for Badger
type QuotaStorage struct {
	db           *BadgerDB
	logger       arbor.ILogger
	defaultLimit int
}

// NewQuotaStorage creates a new QuotaStorage instance. defaultLimit seeds the
// Limit field of rows created on first increment.
func NewQuotaStorage(db *BadgerDB, logger arbor.ILogger, defaultLimit int) interfaces.QuotaStorage {
	return &QuotaStorage{
		db:           db,
		logger:       logger,
		defaultLimit: defaultLimit,
	}
}

// IncrementUsage adds delta to today's counter for (project, engine) and
// returns the updated row. Concurrent increments serialize through badger's
// transaction conflict detection; no update is lost.
func (s *QuotaStorage) IncrementUsage(ctx context.Context, projectID string, engine models.Engine, delta int) (*models.QuotaUsage, error) {
	if delta < 0 {
		return nil, models.Classify(models.ErrorKindInvariant,
			fmt.Errorf("quota usage only moves forward, got delta %d", delta))
	}

	day := models.QuotaDay(time.Now())
	key := models.QuotaKey(projectID, engine, day)

	var updated models.QuotaUsage
	err := s.db.updateWithRetry(ctx, func(tx *badgerdb.Txn) error {
		var usage models.QuotaUsage
		err := s.db.Store().TxGet(tx, key, &usage)
		switch err {
		case nil:
		case badgerhold.ErrNotFound:
			usage = models.QuotaUsage{
				Key:       key,
				ProjectID: projectID,
				Engine:    engine,
				Date:      day,
				Limit:     s.defaultLimit,
			}
		default:
			return fmt.Errorf("failed to read quota row: %w", err)
		}

		usage.Used += delta
		if err := s.db.Store().TxUpsert(tx, key, &usage); err != nil {
			return fmt.Errorf("failed to write quota row: %w", err)
		}
		updated = usage
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to increment quota for %s/%s: %w", projectID, engine, err)
	}
	return &updated, nil
}

// GetUsage returns today's counter. A missing row comes back zeroed with the
// default limit, without being persisted.
func (s *QuotaStorage) GetUsage(ctx context.Context, projectID string, engine models.Engine) (*models.QuotaUsage, error) {
	day := models.QuotaDay(time.Now())
	key := models.QuotaKey(projectID, engine, day)

	var usage models.QuotaUsage
	if err := s.db.Store().Get(key, &usage); err != nil {
		if err == badgerhold.ErrNotFound {
			return &models.QuotaUsage{
				Key:       key,
				ProjectID: projectID,
				Engine:    engine,
				Date:      day,
				Limit:     s.defaultLimit,
			}, nil
		}
		return nil, fmt.Errorf("failed to get quota usage: %w", err)
	}
	return &usage, nil
}

func (s *QuotaStorage) DeleteUsageByProject(ctx context.Context, projectID string) (int, error) {
	count, err := s.db.Store().Count(&models.QuotaUsage{},
		badgerhold.Where("ProjectID").Eq(projectID))
	if err != nil {
		return 0, fmt.Errorf("failed to count quota rows: %w", err)
	}
	err = s.db.Store().DeleteMatching(&models.QuotaUsage{},
		badgerhold.Where("ProjectID").Eq(projectID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete quota rows: %w", err)
	}
	return int(count), nil
}
