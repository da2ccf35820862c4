// -----------------------------------------------------------------------
// Last Modified: Thursday, 20th August 2026 9:42:18 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package interfaces

import (
	"context"

	"github.com/ternarybob/sitesync/internal/models"
)

// ListOptions for listing rows with pagination
type ListOptions struct {
	Limit    int
	Offset   int
	OrderBy  string // created_at, updated_at
	OrderDir string // asc, desc
}

// ProjectStorage - interface for project persistence
type ProjectStorage interface {
	StoreProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByDomain(ctx context.Context, organizationID, domain string) (*models.Project, error)
	ListProjects(ctx context.Context, organizationID string, opts *ListOptions) ([]*models.Project, error)

	// AllProjects returns every project regardless of organization. Used by
	// the scheduler to build its cron entries.
	AllProjects(ctx context.Context) ([]*models.Project, error)
	DeleteProject(ctx context.Context, id string) error
	CountProjects(ctx context.Context, organizationID string) (int, error)

	// RecomputeCounters re-derives the cached counter block from URL rows.
	RecomputeCounters(ctx context.Context, projectID string) (*models.ProjectCounters, error)
}

// SitemapStorage - interface for discovered sitemap persistence
type SitemapStorage interface {
	StoreSitemap(ctx context.Context, sitemap *models.Sitemap) error
	GetSitemap(ctx context.Context, key string) (*models.Sitemap, error)
	GetSitemapsByProject(ctx context.Context, projectID string) ([]*models.Sitemap, error)
	DeleteSitemapsByProject(ctx context.Context, projectID string) (int, error)
	CountSitemaps(ctx context.Context, projectID string) (int, error)
}

// URLStorage - interface for URL entry persistence
type URLStorage interface {
	// StoreURL writes one row as given (status transitions on loaded rows).
	StoreURL(ctx context.Context, entry *models.URLEntry) error

	// StoreURLs merges discovery data into existing rows, preserving engine
	// state. Used by the scanner.
	StoreURLs(ctx context.Context, entries []*models.URLEntry) error
	GetURL(ctx context.Context, key string) (*models.URLEntry, error)
	GetURLs(ctx context.Context, keys []string) ([]*models.URLEntry, error)
	GetURLsByProject(ctx context.Context, projectID string, opts *ListOptions) ([]*models.URLEntry, error)
	GetURLsByStatus(ctx context.Context, projectID string, status models.URLStatus, limit int) ([]*models.URLEntry, error)

	// GetPendingURLs returns live URLs the given engine has not accepted yet
	// (status DISCOVERED or QUEUED on that engine's column).
	GetPendingURLs(ctx context.Context, projectID string, engine models.Engine, limit int) ([]*models.URLEntry, error)
	DeleteURLsByProject(ctx context.Context, projectID string) (int, error)
	CountURLs(ctx context.Context, projectID string) (int, error)
	CountURLsByStatus(ctx context.Context, projectID string) (map[models.URLStatus]int, error)
}

// SubmissionStorage - interface for submission attempt persistence
type SubmissionStorage interface {
	StoreSubmission(ctx context.Context, submission *models.Submission) error
	GetSubmission(ctx context.Context, id string) (*models.Submission, error)
	GetSubmissionsByProject(ctx context.Context, projectID string, opts *ListOptions) ([]*models.Submission, error)
	GetPendingSubmissions(ctx context.Context, engine models.Engine, limit int) ([]*models.Submission, error)
	DeleteSubmissionsByProject(ctx context.Context, projectID string) (int, error)
	CountSubmissions(ctx context.Context, projectID string) (int, error)
}

// JobStorage - interface for job row persistence
type JobStorage interface {
	StoreJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetJobsByProject(ctx context.Context, projectID string, opts *ListOptions) ([]*models.Job, error)
	GetActiveJobs(ctx context.Context, projectID string) ([]*models.Job, error)
	GetActiveJobByType(ctx context.Context, projectID string, types ...models.JobType) (*models.Job, error)
	DeleteJobsByProject(ctx context.Context, projectID string) (int, error)
	CountJobs(ctx context.Context, projectID string) (int, error)
}

// CredentialStorage - interface for encrypted credential persistence.
// Rows only ever hold ciphertext; plaintext never reaches this layer.
type CredentialStorage interface {
	StoreCredential(ctx context.Context, credential *models.Credential) error
	GetCredential(ctx context.Context, projectID string, engine models.Engine) (*models.Credential, error)
	DeleteCredential(ctx context.Context, projectID string, engine models.Engine) error
	DeleteCredentialsByProject(ctx context.Context, projectID string) (int, error)
	HasCredential(ctx context.Context, projectID string, engine models.Engine) (bool, error)
}

// QuotaStorage - interface for per-day submission quota counters
type QuotaStorage interface {
	// IncrementUsage atomically adds delta to the project/engine/day counter
	// and returns the updated row.
	IncrementUsage(ctx context.Context, projectID string, engine models.Engine, delta int) (*models.QuotaUsage, error)
	GetUsage(ctx context.Context, projectID string, engine models.Engine) (*models.QuotaUsage, error)
	DeleteUsageByProject(ctx context.Context, projectID string) (int, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	ProjectStorage() ProjectStorage
	SitemapStorage() SitemapStorage
	URLStorage() URLStorage
	SubmissionStorage() SubmissionStorage
	JobStorage() JobStorage
	CredentialStorage() CredentialStorage
	QuotaStorage() QuotaStorage

	// DeleteProjectCascade removes a project and every dependent row.
	DeleteProjectCascade(ctx context.Context, projectID string) error

	DB() interface{}
	Close() error
}
