package indexnow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/jobs"
	"github.com/ternarybob/sitesync/internal/metrics"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/ternarybob/sitesync/internal/services/events"
	"github.com/ternarybob/sitesync/internal/services/vault"
	"github.com/ternarybob/sitesync/internal/storage/badger"
)

const (
	testMasterKey = "indexnow-worker-test-master-key-012345678"
	testKey       = "0123456789abcdef0123456789abcdef"
)

type indexnowRig struct {
	worker     *Worker
	store      interfaces.StorageManager
	vault      interfaces.Vault
	controller *jobs.Controller
	project    *models.Project
}

func newTestSubmitter(t *testing.T, endpoints ...string) *indexnowRig {
	t.Helper()

	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.Workers.IndexNow.Endpoints = endpoints
	logger := arbor.NewLogger()

	store, err := badger.NewManager(logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewService(nil, cfg, logger)
	t.Cleanup(func() { _ = bus.Close() })

	sealer, err := vault.NewService(testMasterKey, store.CredentialStorage(), logger)
	require.NoError(t, err)

	meter := metrics.NewNop()
	controller := jobs.NewController(store, bus, meter, logger)

	worker := NewWorker(store, sealer, controller, bus, meter, cfg, logger)
	worker.retryBase = time.Millisecond
	worker.splitPause = time.Millisecond

	project := models.NewProject("org-indexnow", "example.com", "https://example.com/sitemap.xml")
	require.NoError(t, store.ProjectStorage().StoreProject(context.Background(), project))

	_, err = sealer.Seal(context.Background(), project.ID, models.EngineIndexNow,
		models.CredentialIndexNowKey, []byte(testKey))
	require.NoError(t, err)

	return &indexnowRig{worker: worker, store: store, vault: sealer, controller: controller, project: project}
}

func (r *indexnowRig) seedURLs(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		loc := fmt.Sprintf("https://example.com/page-%d", i)
		locHash := common.HashLoc(loc)
		entry := &models.URLEntry{
			ID:        models.URLEntryKey(r.project.ID, locHash),
			ProjectID: r.project.ID,
			Loc:       loc,
			LocHash:   locHash,
		}
		require.NoError(t, r.store.URLStorage().StoreURL(context.Background(), entry))
		ids = append(ids, entry.ID)
	}
	return ids
}

func (r *indexnowRig) submitMessage(t *testing.T, urlIDs []string) (*models.Job, *models.QueueMessage) {
	t.Helper()
	job, err := r.controller.Create(context.Background(), r.project, models.JobTypeIndexNowSubmit, nil)
	require.NoError(t, err)
	body, err := json.Marshal(models.IndexNowPayload{
		ProjectID: r.project.ID,
		JobID:     job.ID,
		URLIDs:    urlIDs,
	})
	require.NoError(t, err)
	return job, &models.QueueMessage{ID: common.NewMessageID(), Queue: models.QueueIndexNowSubmitter, Body: body}
}

// decodeBatch reads one engine request off the wire.
func decodeBatch(t *testing.T, r *http.Request) batchRequest {
	t.Helper()
	var body batchRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestWorker_RequestFormat(t *testing.T) {
	var mu sync.Mutex
	var got batchRequest
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json; charset=utf-8", r.Header.Get("Content-Type"))
		mu.Lock()
		got = decodeBatch(t, r)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer engine.Close()

	rig := newTestSubmitter(t, engine.URL)
	ctx := context.Background()

	ids := rig.seedURLs(t, 3)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg))

	mu.Lock()
	assert.Equal(t, "example.com", got.Host)
	assert.Equal(t, testKey, got.Key)
	assert.Equal(t, "https://example.com/"+testKey+".txt", got.KeyLocation)
	assert.ElementsMatch(t, []string{
		"https://example.com/page-0",
		"https://example.com/page-1",
		"https://example.com/page-2",
	}, got.URLList)
	mu.Unlock()

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.ProcessedItems)
}

func TestWorker_AdaptiveSplitOnRejection(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBatch(t, r)
		mu.Lock()
		sizes = append(sizes, len(body.URLList))
		mu.Unlock()
		if len(body.URLList) > 20 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer engine.Close()

	rig := newTestSubmitter(t, engine.URL)
	ctx := context.Background()

	ids := rig.seedURLs(t, 40)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg))

	mu.Lock()
	assert.Equal(t, []int{40, 20, 20}, sizes, "a rejected batch is halved, not retried wholesale")
	mu.Unlock()

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, 40, stored.ProcessedItems)

	rows, err := rig.store.URLStorage().GetURLs(ctx, ids)
	require.NoError(t, err)
	require.Len(t, rows, 40)
	for _, row := range rows {
		assert.Equal(t, models.URLStatusSubmitted, row.BingStatus)
		assert.NotNil(t, row.BingSubmittedAt)
	}

	usage, err := rig.store.QuotaStorage().GetUsage(ctx, rig.project.ID, models.EngineIndexNow)
	require.NoError(t, err)
	assert.Equal(t, 40, usage.Used)
}

func TestWorker_UnionAcrossEndpoints(t *testing.T) {
	var mu sync.Mutex
	rejecting, accepting := 0, 0
	badEngine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		rejecting++
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "invalid key")
	}))
	defer badEngine.Close()
	goodEngine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		accepting++
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer goodEngine.Close()

	rig := newTestSubmitter(t, badEngine.URL, goodEngine.URL)
	ctx := context.Background()

	ids := rig.seedURLs(t, 4)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg))

	mu.Lock()
	assert.Equal(t, 1, rejecting, "a 403 is final for the endpoint")
	assert.Equal(t, 1, accepting)
	mu.Unlock()

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status, "one accepting engine is enough")
	assert.Equal(t, 4, stored.ProcessedItems)

	subs, err := rig.store.SubmissionStorage().GetSubmissionsByProject(ctx, rig.project.ID, nil)
	require.NoError(t, err)
	require.Len(t, subs, 4)
	for _, sub := range subs {
		assert.Equal(t, models.SubmissionCompleted, sub.Status)
		require.NotNil(t, sub.ResponseCode)
		assert.Equal(t, http.StatusAccepted, *sub.ResponseCode)
	}
}

func TestWorker_AllEndpointsRejectFailsJob(t *testing.T) {
	reject := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "invalid key")
	})
	first := httptest.NewServer(reject)
	defer first.Close()
	second := httptest.NewServer(reject)
	defer second.Close()

	rig := newTestSubmitter(t, first.URL, second.URL)
	ctx := context.Background()

	ids := rig.seedURLs(t, 3)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg), "a fatal outcome is recorded on the job, not redelivered")

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "no indexnow endpoint accepted")

	subs, err := rig.store.SubmissionStorage().GetSubmissionsByProject(ctx, rig.project.ID, nil)
	require.NoError(t, err)
	require.Len(t, subs, 3)
	for _, sub := range subs {
		assert.Equal(t, models.SubmissionFailed, sub.Status)
	}

	rows, err := rig.store.URLStorage().GetURLs(ctx, ids)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, models.URLStatusDiscovered, row.BingStatus, "rejected urls keep their prior status")
	}

	usage, err := rig.store.QuotaStorage().GetUsage(ctx, rig.project.ID, models.EngineIndexNow)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Used)
}

func TestWorker_SmallBatchRetriesInPlace(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBatch(t, r)
		mu.Lock()
		sizes = append(sizes, len(body.URLList))
		n := len(sizes)
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer engine.Close()

	rig := newTestSubmitter(t, engine.URL)
	ctx := context.Background()

	ids := rig.seedURLs(t, 5)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg))

	mu.Lock()
	assert.Equal(t, []int{5, 5, 5}, sizes, "batches at or below the split floor retry whole")
	mu.Unlock()

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
}

func TestWorker_ServerErrorsExhaustRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer engine.Close()

	rig := newTestSubmitter(t, engine.URL)
	ctx := context.Background()

	ids := rig.seedURLs(t, 2)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg))

	mu.Lock()
	assert.Equal(t, models.DefaultMaxAttempts, calls)
	mu.Unlock()

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
}

func TestWorker_EmptyKeyFailsJob(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no engine call expected with an unusable key")
	}))
	defer engine.Close()

	rig := newTestSubmitter(t, engine.URL)
	ctx := context.Background()

	_, err := rig.vault.Seal(ctx, rig.project.ID, models.EngineIndexNow,
		models.CredentialIndexNowKey, []byte("   "))
	require.NoError(t, err)

	ids := rig.seedURLs(t, 1)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg))

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "invalid credential")
}

func TestWorker_MalformedPayloadIsDropped(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no engine call expected for a malformed delivery")
	}))
	defer engine.Close()

	rig := newTestSubmitter(t, engine.URL)

	msg := &models.QueueMessage{
		ID:    common.NewMessageID(),
		Queue: models.QueueIndexNowSubmitter,
		Body:  []byte(`{"projectId":""}`),
	}
	err := rig.worker.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, models.IsRetryable(err), "malformed deliveries must not be redelivered")
}
