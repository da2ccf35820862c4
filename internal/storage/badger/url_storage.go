package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// upsertChunkSize bounds how many URL rows share one write transaction.
const upsertChunkSize = 500

// URLStorage implements the URLStorage interface for Badger
type URLStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewURLStorage creates a new URLStorage instance
func NewURLStorage(db *BadgerDB, logger arbor.ILogger) interfaces.URLStorage {
	return &URLStorage{
		db:     db,
		logger: logger,
	}
}

// StoreURL writes the row as given, defaulting only unset identity fields.
// Unlike StoreURLs it does not merge with an existing row: callers mutate a
// loaded row (status stamps, removal marks) and the given row is the truth.
func (s *URLStorage) StoreURL(ctx context.Context, entry *models.URLEntry) error {
	if entry.ID == "" || entry.ProjectID == "" || entry.LocHash == "" {
		return models.Classify(models.ErrorKindInvalidInput,
			fmt.Errorf("url entry requires id, project id, and loc hash"))
	}

	if entry.FirstSeenAt.IsZero() {
		entry.FirstSeenAt = time.Now().UTC()
	}
	if entry.GoogleStatus == "" {
		entry.GoogleStatus = models.URLStatusDiscovered
	}
	if entry.BingStatus == "" {
		entry.BingStatus = models.URLStatusDiscovered
	}

	if err := s.db.Store().Upsert(entry.ID, entry); err != nil {
		return fmt.Errorf("failed to store url %s: %w", entry.Loc, err)
	}
	return nil
}

// StoreURLs upserts rows in chunks, each chunk inside one write transaction.
// A row that already exists keeps its identity and engine state: only
// SitemapID, Lastmod, Changefreq, and Priority are refreshed; FirstSeenAt,
// GoogleStatus, BingStatus, and the submission timestamps are preserved.
// Re-discovered rows have RemovedAt cleared. Concurrent scanner batches that
// touch the same rows replay on conflict, and a chunk that outgrows one
// badger transaction is retried in halves, so no batch is lost either way.
func (s *URLStorage) StoreURLs(ctx context.Context, entries []*models.URLEntry) error {
	now := time.Now().UTC()

	start := 0
	size := upsertChunkSize
	for start < len(entries) {
		end := start + size
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[start:end]

		err := s.db.updateWithRetry(ctx, func(tx *badgerdb.Txn) error {
			return s.upsertChunk(tx, chunk, now)
		})
		switch {
		case err == nil:
			start = end
			size = upsertChunkSize
		case errors.Is(err, badgerdb.ErrTxnTooBig) && len(chunk) > 1:
			size = len(chunk) / 2
		default:
			return fmt.Errorf("failed to store url batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

func (s *URLStorage) upsertChunk(tx *badgerdb.Txn, chunk []*models.URLEntry, now time.Time) error {
	for _, entry := range chunk {
		if entry.ID == "" || entry.ProjectID == "" || entry.LocHash == "" {
			return models.Classify(models.ErrorKindInvalidInput,
				fmt.Errorf("url entry requires id, project id, and loc hash"))
		}

		var existing models.URLEntry
		err := s.db.Store().TxGet(tx, entry.ID, &existing)
		switch err {
		case nil:
			existing.SitemapID = entry.SitemapID
			existing.Lastmod = entry.Lastmod
			existing.Changefreq = entry.Changefreq
			existing.Priority = entry.Priority
			existing.RemovedAt = nil
			if err := s.db.Store().TxUpsert(tx, existing.ID, &existing); err != nil {
				return fmt.Errorf("failed to update url %s: %w", entry.Loc, err)
			}
		case badgerhold.ErrNotFound:
			if entry.FirstSeenAt.IsZero() {
				entry.FirstSeenAt = now
			}
			if entry.GoogleStatus == "" {
				entry.GoogleStatus = models.URLStatusDiscovered
			}
			if entry.BingStatus == "" {
				entry.BingStatus = models.URLStatusDiscovered
			}
			if err := s.db.Store().TxUpsert(tx, entry.ID, entry); err != nil {
				return fmt.Errorf("failed to insert url %s: %w", entry.Loc, err)
			}
		default:
			return fmt.Errorf("failed to read url %s: %w", entry.Loc, err)
		}
	}
	return nil
}

func (s *URLStorage) GetURL(ctx context.Context, key string) (*models.URLEntry, error) {
	var entry models.URLEntry
	if err := s.db.Store().Get(key, &entry); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("url %s: %w", key, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get url: %w", err)
	}
	return &entry, nil
}

// GetURLs loads the given keys, skipping ones that no longer exist.
func (s *URLStorage) GetURLs(ctx context.Context, keys []string) ([]*models.URLEntry, error) {
	result := make([]*models.URLEntry, 0, len(keys))
	for _, key := range keys {
		var entry models.URLEntry
		if err := s.db.Store().Get(key, &entry); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return nil, fmt.Errorf("failed to get url %s: %w", key, err)
		}
		result = append(result, &entry)
	}
	return result, nil
}

func (s *URLStorage) GetURLsByProject(ctx context.Context, projectID string, opts *interfaces.ListOptions) ([]*models.URLEntry, error) {
	query := badgerhold.Where("ProjectID").Eq(projectID).SortBy("Loc")

	if opts != nil {
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

	var entries []models.URLEntry
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to list urls: %w", err)
	}

	result := make([]*models.URLEntry, len(entries))
	for i := range entries {
		result[i] = &entries[i]
	}
	return result, nil
}

// GetURLsByStatus filters on the Google status, which drives both the
// counters and the status-check worker.
func (s *URLStorage) GetURLsByStatus(ctx context.Context, projectID string, status models.URLStatus, limit int) ([]*models.URLEntry, error) {
	query := badgerhold.Where("ProjectID").Eq(projectID).And("GoogleStatus").Eq(status).SortBy("Loc")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []models.URLEntry
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to list urls by status: %w", err)
	}

	result := make([]*models.URLEntry, len(entries))
	for i := range entries {
		result[i] = &entries[i]
	}
	return result, nil
}

// GetPendingURLs selects live rows the engine has not accepted yet. QUEUED
// rows are included so a submission job that never completed is retried by
// the next sweep.
func (s *URLStorage) GetPendingURLs(ctx context.Context, projectID string, engine models.Engine, limit int) ([]*models.URLEntry, error) {
	column := "GoogleStatus"
	if engine == models.EngineIndexNow {
		column = "BingStatus"
	}

	query := badgerhold.Where("ProjectID").Eq(projectID).
		And(column).In(models.URLStatusDiscovered, models.URLStatusQueued).
		And("RemovedAt").IsNil().
		SortBy("Loc")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []models.URLEntry
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to list pending urls: %w", err)
	}

	result := make([]*models.URLEntry, len(entries))
	for i := range entries {
		result[i] = &entries[i]
	}
	return result, nil
}

func (s *URLStorage) DeleteURLsByProject(ctx context.Context, projectID string) (int, error) {
	count, err := s.CountURLs(ctx, projectID)
	if err != nil {
		return 0, err
	}
	err = s.db.Store().DeleteMatching(&models.URLEntry{},
		badgerhold.Where("ProjectID").Eq(projectID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete urls: %w", err)
	}
	return count, nil
}

func (s *URLStorage) CountURLs(ctx context.Context, projectID string) (int, error) {
	count, err := s.db.Store().Count(&models.URLEntry{},
		badgerhold.Where("ProjectID").Eq(projectID))
	if err != nil {
		return 0, fmt.Errorf("failed to count urls: %w", err)
	}
	return int(count), nil
}

// CountURLsByStatus aggregates live rows by Google status in one pass.
func (s *URLStorage) CountURLsByStatus(ctx context.Context, projectID string) (map[models.URLStatus]int, error) {
	var entries []models.URLEntry
	if err := s.db.Store().Find(&entries, badgerhold.Where("ProjectID").Eq(projectID)); err != nil {
		return nil, fmt.Errorf("failed to load urls for status counts: %w", err)
	}

	counts := make(map[models.URLStatus]int)
	for i := range entries {
		if entries[i].RemovedAt != nil {
			continue
		}
		counts[entries[i].GoogleStatus]++
	}
	return counts, nil
}
