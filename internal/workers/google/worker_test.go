package google

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
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

const testMasterKey = "google-worker-test-master-key-0123456789"

type googleRig struct {
	worker     *Worker
	store      interfaces.StorageManager
	vault      interfaces.Vault
	controller *jobs.Controller
	project    *models.Project
}

// serviceAccountJSON builds a syntactically valid key file with a freshly
// generated RSA key so the JWT assertion can actually be signed.
func serviceAccountJSON(t *testing.T, tokenURL string) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	data, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"project_id":   "sitesync-test",
		"client_email": "indexer@sitesync-test.iam.gserviceaccount.com",
		"private_key":  string(pemKey),
		"token_uri":    tokenURL,
	})
	require.NoError(t, err)
	return data
}

// newTokenServer answers JWT-bearer grants with a static access token.
func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.FormValue("grant_type"))
		assert.NotEmpty(t, r.FormValue("assertion"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"test-bearer-token","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestSubmitter(t *testing.T, apiURL string) *googleRig {
	t.Helper()

	tokenServer := newTokenServer(t)

	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.Workers.Google.Endpoint = apiURL
	cfg.Workers.Google.TokenURL = tokenServer.URL
	cfg.Workers.Google.RequestGap = "1ms"
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
	worker.rateBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

	project := models.NewProject("org-google", "example.com", "https://example.com/sitemap.xml")
	require.NoError(t, store.ProjectStorage().StoreProject(context.Background(), project))

	_, err = sealer.Seal(context.Background(), project.ID, models.EngineGoogle,
		models.CredentialServiceAccount, serviceAccountJSON(t, tokenServer.URL))
	require.NoError(t, err)

	return &googleRig{worker: worker, store: store, vault: sealer, controller: controller, project: project}
}

// seedURLs stores n discovered URL rows and returns their IDs.
func (r *googleRig) seedURLs(t *testing.T, n int) []string {
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

func (r *googleRig) submitMessage(t *testing.T, urlIDs []string) (*models.Job, *models.QueueMessage) {
	t.Helper()
	job, err := r.controller.Create(context.Background(), r.project, models.JobTypeGoogleSubmit, nil)
	require.NoError(t, err)
	body, err := json.Marshal(models.GooglePayload{
		ProjectID: r.project.ID,
		JobID:     job.ID,
		URLIDs:    urlIDs,
		Action:    models.ActionURLUpdated,
	})
	require.NoError(t, err)
	return job, &models.QueueMessage{ID: common.NewMessageID(), Queue: models.QueueGoogleSubmitter, Body: body}
}

func TestWorker_QuotaBoundaryTruncatesBatch(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			URL  string `json:"url"`
			Type string `json:"type"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Bearer test-bearer-token", r.Header.Get("Authorization"))
		assert.Equal(t, "URL_UPDATED", body.Type)
		mu.Lock()
		calls = append(calls, body.URL)
		mu.Unlock()
		fmt.Fprint(w, `{}`)
	}))
	defer api.Close()

	rig := newTestSubmitter(t, api.URL)
	ctx := context.Background()

	_, err := rig.store.QuotaStorage().IncrementUsage(ctx, rig.project.ID, models.EngineGoogle, 198)
	require.NoError(t, err)

	ids := rig.seedURLs(t, 5)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg))

	mu.Lock()
	assert.Len(t, calls, 2, "only the remaining quota may be spent")
	mu.Unlock()

	usage, err := rig.store.QuotaStorage().GetUsage(ctx, rig.project.ID, models.EngineGoogle)
	require.NoError(t, err)
	assert.Equal(t, 200, usage.Used)

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status, "quota truncation is not a failure")

	rows, err := rig.store.URLStorage().GetURLs(ctx, ids)
	require.NoError(t, err)
	submitted, discovered := 0, 0
	for _, row := range rows {
		switch row.GoogleStatus {
		case models.URLStatusSubmitted:
			submitted++
			assert.NotNil(t, row.GoogleSubmittedAt)
		case models.URLStatusDiscovered:
			discovered++
		}
	}
	assert.Equal(t, 2, submitted)
	assert.Equal(t, 3, discovered)
}

func TestWorker_PermissionDenialStopsJob(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"Permission denied: ownership verification failed"}}`)
	}))
	defer api.Close()

	rig := newTestSubmitter(t, api.URL)
	ctx := context.Background()

	ids := rig.seedURLs(t, 4)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg), "fatal failures are recorded on the job, not redelivered")

	mu.Lock()
	assert.Equal(t, 1, calls, "no further requests after a permission denial")
	mu.Unlock()

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "PermissionDenied")

	n, err := rig.store.SubmissionStorage().CountSubmissions(ctx, rig.project.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWorker_QuotaSemantics429IsFatal(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Quota exceeded for quota metric 'Publish requests'"}}`)
	}))
	defer api.Close()

	rig := newTestSubmitter(t, api.URL)
	ctx := context.Background()

	ids := rig.seedURLs(t, 3)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg))

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "QuotaExceeded")
}

func TestWorker_RateLimit429Retries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"Rate limited, slow down"}}`)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer api.Close()

	rig := newTestSubmitter(t, api.URL)
	ctx := context.Background()

	ids := rig.seedURLs(t, 1)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg))

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)

	subs, err := rig.store.SubmissionStorage().GetSubmissionsByProject(ctx, rig.project.ID, nil)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, models.SubmissionCompleted, subs[0].Status)
	assert.Equal(t, 3, subs[0].Attempts)
}

func TestWorker_PerURL4xxContinues(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			URL string `json:"url"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.URL == "https://example.com/page-0" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"Invalid URL format"}}`)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer api.Close()

	rig := newTestSubmitter(t, api.URL)
	ctx := context.Background()

	ids := rig.seedURLs(t, 2)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg))

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status, "a per-URL rejection does not fail the batch")
	assert.Equal(t, 2, stored.ProcessedItems)

	rows, err := rig.store.URLStorage().GetURLs(ctx, ids)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		if row.Loc == "https://example.com/page-0" {
			assert.Equal(t, models.URLStatusError4xx, row.GoogleStatus)
		} else {
			assert.Equal(t, models.URLStatusSubmitted, row.GoogleStatus)
		}
	}

	usage, err := rig.store.QuotaStorage().GetUsage(ctx, rig.project.ID, models.EngineGoogle)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Used, "only accepted notifications consume quota")
}

func TestWorker_ExhaustedQuotaFailsWithoutCalls(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no API call expected when the quota is already spent")
	}))
	defer api.Close()

	rig := newTestSubmitter(t, api.URL)
	ctx := context.Background()

	_, err := rig.store.QuotaStorage().IncrementUsage(ctx, rig.project.ID, models.EngineGoogle, 200)
	require.NoError(t, err)

	ids := rig.seedURLs(t, 2)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg))

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "quota exhausted")
}

func TestWorker_InvalidCredentialFailsJob(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no API call expected with an unusable credential")
	}))
	defer api.Close()

	rig := newTestSubmitter(t, api.URL)
	ctx := context.Background()

	// Replace the seeded key file with bytes that are not a service account.
	_, err := rig.vault.Seal(ctx, rig.project.ID, models.EngineGoogle,
		models.CredentialServiceAccount, []byte("not a key file"))
	require.NoError(t, err)

	ids := rig.seedURLs(t, 1)
	job, msg := rig.submitMessage(t, ids)
	require.NoError(t, rig.worker.Handle(ctx, msg))

	stored, err := rig.store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "invalid credential")
}
