package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db         *BadgerDB
	project    interfaces.ProjectStorage
	sitemap    interfaces.SitemapStorage
	url        interfaces.URLStorage
	submission interfaces.SubmissionStorage
	job        interfaces.JobStorage
	credential interfaces.CredentialStorage
	quota      interfaces.QuotaStorage
	logger     arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:         db,
		project:    NewProjectStorage(db, logger),
		sitemap:    NewSitemapStorage(db, logger),
		url:        NewURLStorage(db, logger),
		submission: NewSubmissionStorage(db, logger),
		job:        NewJobStorage(db, logger),
		credential: NewCredentialStorage(db, logger),
		quota:      NewQuotaStorage(db, logger, config.Workers.Google.DailyQuota),
		logger:     logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// ProjectStorage returns the Project storage interface
func (m *Manager) ProjectStorage() interfaces.ProjectStorage {
	return m.project
}

// SitemapStorage returns the Sitemap storage interface
func (m *Manager) SitemapStorage() interfaces.SitemapStorage {
	return m.sitemap
}

// URLStorage returns the URL storage interface
func (m *Manager) URLStorage() interfaces.URLStorage {
	return m.url
}

// SubmissionStorage returns the Submission storage interface
func (m *Manager) SubmissionStorage() interfaces.SubmissionStorage {
	return m.submission
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// CredentialStorage returns the Credential storage interface
func (m *Manager) CredentialStorage() interfaces.CredentialStorage {
	return m.credential
}

// QuotaStorage returns the Quota storage interface
func (m *Manager) QuotaStorage() interfaces.QuotaStorage {
	return m.quota
}

// DeleteProjectCascade removes a project together with its sitemaps, urls,
// submissions, jobs, credentials, and quota counters. Child rows go first so
// an interrupted cascade never leaves orphans behind a missing parent.
func (m *Manager) DeleteProjectCascade(ctx context.Context, projectID string) error {
	urls, err := m.url.DeleteURLsByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("cascade delete urls: %w", err)
	}
	sitemaps, err := m.sitemap.DeleteSitemapsByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("cascade delete sitemaps: %w", err)
	}
	submissions, err := m.submission.DeleteSubmissionsByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("cascade delete submissions: %w", err)
	}
	jobs, err := m.job.DeleteJobsByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("cascade delete jobs: %w", err)
	}
	credentials, err := m.credential.DeleteCredentialsByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("cascade delete credentials: %w", err)
	}
	quotas, err := m.quota.DeleteUsageByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("cascade delete quota usage: %w", err)
	}

	if err := m.project.DeleteProject(ctx, projectID); err != nil {
		return fmt.Errorf("cascade delete project row: %w", err)
	}

	m.logger.Info().
		Str("project_id", projectID).
		Int("urls", urls).
		Int("sitemaps", sitemaps).
		Int("submissions", submissions).
		Int("jobs", jobs).
		Int("credentials", credentials).
		Int("quotas", quotas).
		Msg("Project deleted with dependents")

	return nil
}

// DB returns the underlying database connection
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Store()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
