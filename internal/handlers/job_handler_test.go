package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/sitesync/internal/jobs"
	"github.com/ternarybob/sitesync/internal/models"
)

func TestJobHandler_ScanStartsIncrementalByDefault(t *testing.T) {
	rig := newHandlerRig(t)
	project := rig.storeProject(t, "example.com")

	var job models.Job
	rec := doJSON(t, rig.jobs.ScanProjectHandler, "POST", "/api/projects/"+project.ID+"/scan", nil, &job)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, models.JobTypeIncrementalSync, job.Type)
	assert.Equal(t, models.JobStatusPending, job.Status)

	length, err := rig.queue.Length(context.Background(), models.QueueSitemapScanner)
	require.NoError(t, err)
	assert.Equal(t, 1, length, "the scan leaves a queue delivery")
}

func TestJobHandler_ScanFullFlag(t *testing.T) {
	rig := newHandlerRig(t)
	project := rig.storeProject(t, "example.com")

	var job models.Job
	rec := doJSON(t, rig.jobs.ScanProjectHandler, "POST", "/api/projects/"+project.ID+"/scan",
		map[string]bool{"full": true}, &job)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, models.JobTypeFullScan, job.Type)
}

func TestJobHandler_SecondScanConflicts(t *testing.T) {
	rig := newHandlerRig(t)
	project := rig.storeProject(t, "example.com")

	rec := doJSON(t, rig.jobs.ScanProjectHandler, "POST", "/api/projects/"+project.ID+"/scan", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, rig.jobs.ScanProjectHandler, "POST", "/api/projects/"+project.ID+"/scan", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestJobHandler_ScanUnknownProject(t *testing.T) {
	rig := newHandlerRig(t)

	rec := doJSON(t, rig.jobs.ScanProjectHandler, "POST", "/api/projects/no-such-id/scan", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler_SubmitExplicitURLs(t *testing.T) {
	rig := newHandlerRig(t)
	project := rig.storeProject(t, "example.com")
	ids := rig.seedURLs(t, project, 3)

	var job models.Job
	rec := doJSON(t, rig.jobs.SubmitProjectHandler, "POST", "/api/projects/"+project.ID+"/submit",
		map[string]interface{}{"engine": "indexnow", "urlIds": ids[:2]}, &job)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, models.JobTypeIndexNowSubmit, job.Type)
	assert.Equal(t, "INDEXNOW", job.Metadata["engine"])
}

func TestJobHandler_SubmitValidation(t *testing.T) {
	rig := newHandlerRig(t)
	project := rig.storeProject(t, "example.com")

	rec := doJSON(t, rig.jobs.SubmitProjectHandler, "POST", "/api/projects/"+project.ID+"/submit",
		map[string]string{"engine": "altavista"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Nothing pending for the engine is a state conflict, not a crash.
	rec = doJSON(t, rig.jobs.SubmitProjectHandler, "POST", "/api/projects/"+project.ID+"/submit",
		map[string]string{"engine": "google"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestJobHandler_ListJobs(t *testing.T) {
	rig := newHandlerRig(t)
	project := rig.storeProject(t, "example.com")
	ctx := context.Background()

	scan := models.NewJob(project.ID, project.OrganizationID, models.JobTypeFullScan)
	scan.MarkStarted()
	scan.MarkCompleted()
	require.NoError(t, rig.store.JobStorage().StoreJob(ctx, scan))

	submit := models.NewJob(project.ID, project.OrganizationID, models.JobTypeGoogleSubmit)
	require.NoError(t, rig.store.JobStorage().StoreJob(ctx, submit))

	rec := doJSON(t, rig.jobs.ListJobsHandler, "GET", "/api/jobs", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "projectId is required")

	var listed []models.Job
	rec = doJSON(t, rig.jobs.ListJobsHandler, "GET", "/api/jobs?projectId="+project.ID, nil, &listed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, listed, 2)

	rec = doJSON(t, rig.jobs.ListJobsHandler, "GET", "/api/jobs?projectId="+project.ID+"&status=completed", nil, &listed)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, listed, 1)
	assert.Equal(t, scan.ID, listed[0].ID)
}

func TestJobHandler_GetJob(t *testing.T) {
	rig := newHandlerRig(t)
	project := rig.storeProject(t, "example.com")

	job := models.NewJob(project.ID, project.OrganizationID, models.JobTypeFullScan)
	require.NoError(t, rig.store.JobStorage().StoreJob(context.Background(), job))

	var fetched models.Job
	rec := doJSON(t, rig.jobs.GetJobHandler, "GET", "/api/jobs/"+job.ID, nil, &fetched)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, job.ID, fetched.ID)

	rec = doJSON(t, rig.jobs.GetJobHandler, "GET", "/api/jobs/no-such-id", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler_CancelPendingJob(t *testing.T) {
	rig := newHandlerRig(t)
	project := rig.storeProject(t, "example.com")

	var job models.Job
	rec := doJSON(t, rig.jobs.ScanProjectHandler, "POST", "/api/projects/"+project.ID+"/scan", nil, &job)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, rig.jobs.CancelJobHandler, "POST", "/api/jobs/"+job.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cancelled, err := rig.store.JobStorage().GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.Equal(t, jobs.AbortMessage, cancelled.ErrorMessage)

	// A second cancel finds a finished job: state conflict, not bad input.
	rec = doJSON(t, rig.jobs.CancelJobHandler, "POST", "/api/jobs/"+job.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestJobHandler_PauseRequiresRunningJob(t *testing.T) {
	rig := newHandlerRig(t)
	project := rig.storeProject(t, "example.com")

	job := models.NewJob(project.ID, project.OrganizationID, models.JobTypeFullScan)
	require.NoError(t, rig.store.JobStorage().StoreJob(context.Background(), job))

	rec := doJSON(t, rig.jobs.PauseJobHandler, "POST", "/api/jobs/"+job.ID+"/pause", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "a job without a live runtime cannot pause")

	rec = doJSON(t, rig.jobs.PauseJobHandler, "POST", "/api/jobs/no-such-id/pause", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler_PauseAndResumeRunningJob(t *testing.T) {
	rig := newHandlerRig(t)
	project := rig.storeProject(t, "example.com")
	ctx := context.Background()

	job, err := rig.controller.Create(ctx, project, models.JobTypeFullScan, nil)
	require.NoError(t, err)
	jc, err := rig.controller.Begin(ctx, job.ID)
	require.NoError(t, err)
	defer rig.controller.Cancel(jc)

	rec := doJSON(t, rig.jobs.PauseJobHandler, "POST", "/api/jobs/"+job.ID+"/pause", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, rig.jobs.ResumeJobHandler, "POST", "/api/jobs/"+job.ID+"/resume", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
