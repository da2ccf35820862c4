package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
)

func TestJobStorage_ActiveScanConflict(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	jobs := manager.JobStorage()

	scan := models.NewJob("proj-1", "org-1", models.JobTypeFullScan)
	require.NoError(t, jobs.StoreJob(ctx, scan))

	// A pending scan occupies the project's scan slot for both scan types.
	active, err := jobs.GetActiveJobByType(ctx, "proj-1",
		models.JobTypeFullScan, models.JobTypeIncrementalSync)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, scan.ID, active.ID)

	// A running submission job does not block scans.
	submit := models.NewJob("proj-1", "org-1", models.JobTypeGoogleSubmit)
	submit.MarkStarted()
	require.NoError(t, jobs.StoreJob(ctx, submit))

	active, err = jobs.GetActiveJobByType(ctx, "proj-1", models.JobTypeGoogleSubmit)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, submit.ID, active.ID)

	// Once the scan reaches a terminal state the slot frees up.
	scan.MarkCompleted()
	require.NoError(t, jobs.StoreJob(ctx, scan))

	active, err = jobs.GetActiveJobByType(ctx, "proj-1",
		models.JobTypeFullScan, models.JobTypeIncrementalSync)
	require.NoError(t, err)
	assert.Nil(t, active)

	// Other projects never see this project's jobs.
	active, err = jobs.GetActiveJobByType(ctx, "proj-2", models.JobTypeGoogleSubmit)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestJobStorage_GetActiveJobs(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	jobs := manager.JobStorage()

	pending := models.NewJob("proj-1", "org-1", models.JobTypeFullScan)
	require.NoError(t, jobs.StoreJob(ctx, pending))

	processing := models.NewJob("proj-1", "org-1", models.JobTypeIndexNowSubmit)
	processing.MarkStarted()
	require.NoError(t, jobs.StoreJob(ctx, processing))

	failed := models.NewJob("proj-1", "org-1", models.JobTypeGoogleSubmit)
	failed.MarkFailed("quota exhausted")
	require.NoError(t, jobs.StoreJob(ctx, failed))

	cancelled := models.NewJob("proj-1", "org-1", models.JobTypeIncrementalSync)
	cancelled.MarkCancelled("Job Aborted")
	require.NoError(t, jobs.StoreJob(ctx, cancelled))

	active, err := jobs.GetActiveJobs(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	ids := []string{active[0].ID, active[1].ID}
	assert.Contains(t, ids, pending.ID)
	assert.Contains(t, ids, processing.ID)
}

func TestJobStorage_ListOrderingAndLookup(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()
	jobs := manager.JobStorage()

	base := time.Now().UTC().Add(-time.Hour)
	var created []*models.Job
	for i := 0; i < 3; i++ {
		job := models.NewJob("proj-1", "org-1", models.JobTypeFullScan)
		job.Status = models.JobStatusCompleted
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, jobs.StoreJob(ctx, job))
		created = append(created, job)
	}

	// Newest first by default.
	listed, err := jobs.GetJobsByProject(ctx, "proj-1", &interfaces.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, created[2].ID, listed[0].ID)
	assert.Equal(t, created[1].ID, listed[1].ID)

	fetched, err := jobs.GetJob(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, fetched.Status)

	_, err = jobs.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	count, err := jobs.CountJobs(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
