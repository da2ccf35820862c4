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

// SitemapStorage implements the SitemapStorage interface for Badger
type SitemapStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSitemapStorage creates a new SitemapStorage instance
func NewSitemapStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SitemapStorage {
	return &SitemapStorage{
		db:     db,
		logger: logger,
	}
}

// StoreSitemap upserts one sitemap row. The caller sets ID to
// models.SitemapKey(projectID, url) so re-scans land on the same row.
func (s *SitemapStorage) StoreSitemap(ctx context.Context, sitemap *models.Sitemap) error {
	if sitemap.ID == "" {
		return models.Classify(models.ErrorKindInvalidInput, fmt.Errorf("sitemap ID is required"))
	}
	if sitemap.ProjectID == "" {
		return models.Classify(models.ErrorKindInvalidInput, fmt.Errorf("sitemap project ID is required"))
	}

	now := time.Now().UTC()
	if sitemap.CreatedAt.IsZero() {
		var existing models.Sitemap
		if err := s.db.Store().Get(sitemap.ID, &existing); err == nil {
			sitemap.CreatedAt = existing.CreatedAt
		} else {
			sitemap.CreatedAt = now
		}
	}
	sitemap.UpdatedAt = now

	if err := s.db.Store().Upsert(sitemap.ID, sitemap); err != nil {
		return fmt.Errorf("failed to save sitemap: %w", err)
	}
	return nil
}

func (s *SitemapStorage) GetSitemap(ctx context.Context, key string) (*models.Sitemap, error) {
	var sitemap models.Sitemap
	if err := s.db.Store().Get(key, &sitemap); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("sitemap %s: %w", key, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get sitemap: %w", err)
	}
	return &sitemap, nil
}

func (s *SitemapStorage) GetSitemapsByProject(ctx context.Context, projectID string) ([]*models.Sitemap, error) {
	var sitemaps []models.Sitemap
	err := s.db.Store().Find(&sitemaps,
		badgerhold.Where("ProjectID").Eq(projectID).SortBy("URL"))
	if err != nil {
		return nil, fmt.Errorf("failed to list sitemaps: %w", err)
	}

	result := make([]*models.Sitemap, len(sitemaps))
	for i := range sitemaps {
		result[i] = &sitemaps[i]
	}
	return result, nil
}

func (s *SitemapStorage) DeleteSitemapsByProject(ctx context.Context, projectID string) (int, error) {
	count, err := s.CountSitemaps(ctx, projectID)
	if err != nil {
		return 0, err
	}
	err = s.db.Store().DeleteMatching(&models.Sitemap{},
		badgerhold.Where("ProjectID").Eq(projectID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete sitemaps: %w", err)
	}
	return count, nil
}

func (s *SitemapStorage) CountSitemaps(ctx context.Context, projectID string) (int, error) {
	count, err := s.db.Store().Count(&models.Sitemap{},
		badgerhold.Where("ProjectID").Eq(projectID))
	if err != nil {
		return 0, fmt.Errorf("failed to count sitemaps: %w", err)
	}
	return int(count), nil
}
