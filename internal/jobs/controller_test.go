package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/metrics"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/ternarybob/sitesync/internal/services/events"
	"github.com/ternarybob/sitesync/internal/storage/badger"
)

type controllerRig struct {
	controller *Controller
	store      interfaces.StorageManager
	bus        *events.Service
	project    *models.Project
}

func newTestController(t *testing.T) *controllerRig {
	t.Helper()

	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()
	logger := arbor.NewLogger()

	store, err := badger.NewManager(logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewService(nil, cfg, logger)
	t.Cleanup(func() { _ = bus.Close() })

	project := models.NewProject("org-ctrl", "example.com", "https://example.com/sitemap.xml")
	require.NoError(t, store.ProjectStorage().StoreProject(context.Background(), project))

	return &controllerRig{
		controller: NewController(store, bus, metrics.NewNop(), logger),
		store:      store,
		bus:        bus,
		project:    project,
	}
}

// jobUpdates subscribes to the project topic and collects JOB_UPDATE
// payloads as they are dispatched.
func (r *controllerRig) jobUpdates(t *testing.T) func() []models.JobUpdateEvent {
	t.Helper()

	var mu sync.Mutex
	var seen []models.JobUpdateEvent
	topic := models.TopicOf(r.project.OrganizationID, r.project.ID)
	token := r.bus.Subscribe(topic, func(ctx context.Context, event models.BusEvent) {
		update, ok := event.Payload.(models.JobUpdateEvent)
		if event.Kind != models.EventJobUpdate || !ok {
			return
		}
		mu.Lock()
		seen = append(seen, update)
		mu.Unlock()
	})
	t.Cleanup(func() { r.bus.Unsubscribe(topic, token) })

	return func() []models.JobUpdateEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]models.JobUpdateEvent(nil), seen...)
	}
}

func TestController_CreateEnforcesSingleActiveScan(t *testing.T) {
	rig := newTestController(t)
	ctx := context.Background()

	first, err := rig.controller.Create(ctx, rig.project, models.JobTypeFullScan, nil)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, first.Status)

	_, err = rig.controller.Create(ctx, rig.project, models.JobTypeIncrementalSync, nil)
	require.ErrorIs(t, err, models.ErrConflict)

	// Submission jobs are not scans and may run alongside.
	_, err = rig.controller.Create(ctx, rig.project, models.JobTypeGoogleSubmit, nil)
	require.NoError(t, err)

	jc, err := rig.controller.Begin(ctx, first.ID)
	require.NoError(t, err)
	require.NoError(t, rig.controller.Complete(jc, 10, 10))

	_, err = rig.controller.Create(ctx, rig.project, models.JobTypeFullScan, nil)
	require.NoError(t, err)
}

func TestController_BeginTransitionsToProcessing(t *testing.T) {
	rig := newTestController(t)
	ctx := context.Background()

	job, err := rig.controller.Create(ctx, rig.project, models.JobTypeFullScan, map[string]string{"trigger": "manual"})
	require.NoError(t, err)

	jc, err := rig.controller.Begin(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, jc.JobID)
	assert.Equal(t, rig.project.ID, jc.ProjectID)
	assert.Equal(t, rig.project.OrganizationID, jc.OrgID)
	assert.NotNil(t, jc.Logger)
	assert.False(t, jc.Cancelled())

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, stored.Status)
	assert.NotNil(t, stored.StartedAt)

	// A second Begin on a job that is already live must be rejected.
	_, err = rig.controller.Begin(ctx, job.ID)
	require.Error(t, err)
	assert.False(t, models.IsRetryable(err))

	require.NoError(t, rig.controller.Complete(jc, 1, 1))
}

func TestController_BeginRejectsTerminalJob(t *testing.T) {
	rig := newTestController(t)
	ctx := context.Background()

	job, err := rig.controller.Create(ctx, rig.project, models.JobTypeIndexNowSubmit, nil)
	require.NoError(t, err)
	require.NoError(t, rig.controller.Abort(ctx, job.ID))

	_, err = rig.controller.Begin(ctx, job.ID)
	require.Error(t, err)
	assert.False(t, models.IsRetryable(err), "redelivered messages for finished jobs must be dropped, not retried")
}

func TestController_PauseBlocksUntilResume(t *testing.T) {
	rig := newTestController(t)
	ctx := context.Background()

	job, err := rig.controller.Create(ctx, rig.project, models.JobTypeFullScan, nil)
	require.NoError(t, err)
	jc, err := rig.controller.Begin(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, rig.controller.Pause(job.ID))

	released := make(chan error, 1)
	go func() { released <- rig.controller.WaitIfPaused(jc) }()

	select {
	case <-released:
		t.Fatal("WaitIfPaused returned while the job was paused")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, rig.controller.Resume(job.ID))

	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("worker did not observe resume within 500ms")
	}

	require.NoError(t, rig.controller.Complete(jc, 0, 0))
}

func TestController_PauseUnknownJob(t *testing.T) {
	rig := newTestController(t)

	assert.ErrorIs(t, rig.controller.Pause("missing"), models.ErrNotFound)
	assert.ErrorIs(t, rig.controller.Resume("missing"), models.ErrNotFound)
}

func TestController_AbortCancelsRunningJob(t *testing.T) {
	rig := newTestController(t)
	ctx := context.Background()

	job, err := rig.controller.Create(ctx, rig.project, models.JobTypeFullScan, nil)
	require.NoError(t, err)
	jc, err := rig.controller.Begin(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, rig.controller.Abort(ctx, job.ID))

	select {
	case <-jc.Ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("abort did not cancel the job context")
	}
	assert.True(t, jc.Cancelled())

	// The worker observes the cancellation and records the transition.
	require.NoError(t, rig.controller.Cancel(jc))

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)
	assert.Equal(t, AbortMessage, stored.ErrorMessage)
}

func TestController_AbortPendingJobTransitionsDirectly(t *testing.T) {
	rig := newTestController(t)
	ctx := context.Background()

	job, err := rig.controller.Create(ctx, rig.project, models.JobTypeGoogleSubmit, nil)
	require.NoError(t, err)

	require.NoError(t, rig.controller.Abort(ctx, job.ID))

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)
	assert.Equal(t, AbortMessage, stored.ErrorMessage)

	// A second abort is rejected because the job is already terminal.
	err = rig.controller.Abort(ctx, job.ID)
	require.Error(t, err)
	assert.False(t, models.IsRetryable(err))
}

func TestController_ProgressNeverRegresses(t *testing.T) {
	rig := newTestController(t)
	ctx := context.Background()

	job, err := rig.controller.Create(ctx, rig.project, models.JobTypeFullScan, nil)
	require.NoError(t, err)
	jc, err := rig.controller.Begin(ctx, job.ID)
	require.NoError(t, err)

	rig.controller.ReportProgress(jc, 40, 40, 100)

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, stored.Progress)

	// Recounted totals can shrink the ratio; the reported value holds.
	time.Sleep(250 * time.Millisecond)
	rig.controller.ReportProgress(jc, 25, 25, 100)

	stored, err = rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, stored.Progress)

	time.Sleep(250 * time.Millisecond)
	rig.controller.ReportProgress(jc, 400, 400, 100)

	stored, err = rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, stored.Progress)

	require.NoError(t, rig.controller.Complete(jc, 400, 400))
}

func TestController_ProgressThrottled(t *testing.T) {
	rig := newTestController(t)
	ctx := context.Background()

	job, err := rig.controller.Create(ctx, rig.project, models.JobTypeFullScan, nil)
	require.NoError(t, err)
	jc, err := rig.controller.Begin(ctx, job.ID)
	require.NoError(t, err)

	rig.controller.ReportProgress(jc, 10, 10, 100)
	rig.controller.ReportProgress(jc, 20, 20, 100) // inside the 200ms window

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.Progress, "second report within the window should be suppressed")

	// The suppressed value still acts as the regression floor.
	time.Sleep(250 * time.Millisecond)
	rig.controller.ReportProgress(jc, 15, 15, 100)

	stored, err = rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, stored.Progress)

	require.NoError(t, rig.controller.Complete(jc, 100, 100))
}

func TestController_TerminalTransitionsPublish(t *testing.T) {
	rig := newTestController(t)
	ctx := context.Background()
	updates := rig.jobUpdates(t)

	job, err := rig.controller.Create(ctx, rig.project, models.JobTypeFullScan, nil)
	require.NoError(t, err)
	jc, err := rig.controller.Begin(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, rig.controller.Complete(jc, 12, 12))

	require.Eventually(t, func() bool {
		for _, u := range updates() {
			if u.ID == job.ID && u.Status == models.JobStatusCompleted {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	seen := updates()
	final := seen[len(seen)-1]
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, 12, final.ProcessedItems)
	assert.True(t, final.IsTerminal())

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.CompletedAt)

	// Finishing releases the runtime so pause controls stop resolving.
	assert.ErrorIs(t, rig.controller.Pause(job.ID), models.ErrNotFound)
}

func TestController_FailRecordsMessage(t *testing.T) {
	rig := newTestController(t)
	ctx := context.Background()

	job, err := rig.controller.Create(ctx, rig.project, models.JobTypeGoogleSubmit, nil)
	require.NoError(t, err)
	jc, err := rig.controller.Begin(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, rig.controller.Fail(jc, "google api permission denied"))

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, "google api permission denied", stored.ErrorMessage)

	// Double-finish is a no-op, not an error.
	require.NoError(t, rig.controller.Fail(jc, "second failure"))
	stored, err = rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "google api permission denied", stored.ErrorMessage)
}

func TestController_ResolveJob(t *testing.T) {
	rig := newTestController(t)
	ctx := context.Background()

	job, err := rig.controller.Create(ctx, rig.project, models.JobTypeFullScan, nil)
	require.NoError(t, err)

	// Pending jobs resolve through storage.
	orgID, projectID, ok := rig.controller.ResolveJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, rig.project.OrganizationID, orgID)
	assert.Equal(t, rig.project.ID, projectID)

	jc, err := rig.controller.Begin(ctx, job.ID)
	require.NoError(t, err)

	// Running jobs resolve from the in-memory runtime.
	orgID, projectID, ok = rig.controller.ResolveJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, rig.project.OrganizationID, orgID)
	assert.Equal(t, rig.project.ID, projectID)

	require.NoError(t, rig.controller.Complete(jc, 1, 1))

	_, _, ok = rig.controller.ResolveJob("does-not-exist")
	assert.False(t, ok)
}
