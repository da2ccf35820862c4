package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/jobs"
	"github.com/ternarybob/sitesync/internal/metrics"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/ternarybob/sitesync/internal/queue"
	"github.com/ternarybob/sitesync/internal/services/auth"
	"github.com/ternarybob/sitesync/internal/services/dispatch"
	"github.com/ternarybob/sitesync/internal/services/events"
	"github.com/ternarybob/sitesync/internal/services/scheduler"
	"github.com/ternarybob/sitesync/internal/services/vault"
	"github.com/ternarybob/sitesync/internal/storage/badger"
)

const (
	testMasterKey  = "handlers-test-master-key-0123456789abcdef"
	testAuthSecret = "handlers-test-auth-secret"
)

// handlerRig wires the real service stack behind the HTTP surface.
type handlerRig struct {
	cfg        *common.Config
	store      interfaces.StorageManager
	queue      interfaces.QueueManager
	bus        interfaces.EventService
	controller *jobs.Controller
	dispatcher *dispatch.Service
	scheduler  *scheduler.Service
	vault      interfaces.Vault
	tokens     *auth.TokenService

	api      *APIHandler
	projects *ProjectHandler
	jobs     *JobHandler
	ws       *WSHandler
}

func newHandlerRig(t *testing.T) *handlerRig {
	t.Helper()

	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.WebSocket.AuthSecret = testAuthSecret
	cfg.WebSocket.PingInterval = "200ms"
	logger := arbor.NewLogger()

	store, err := badger.NewManager(logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	queueManager, err := queue.NewManager(store.DB().(*badgerhold.Store).Badger(), cfg, logger, metrics.NewNop())
	require.NoError(t, err)

	bus := events.NewService(nil, cfg, logger)
	t.Cleanup(func() { _ = bus.Close() })

	controller := jobs.NewController(store, bus, metrics.NewNop(), logger)
	dispatcher := dispatch.NewService(store, queueManager, controller, cfg.Workers.Google.DailyQuota, logger)
	sched := scheduler.NewService(store, dispatcher, cfg, logger)
	t.Cleanup(func() { _ = sched.Stop() })

	vaultService, err := vault.NewService(testMasterKey, store.CredentialStorage(), logger)
	require.NoError(t, err)

	tokens, err := auth.NewTokenService(testAuthSecret, logger)
	require.NoError(t, err)

	rig := &handlerRig{
		cfg:        cfg,
		store:      store,
		queue:      queueManager,
		bus:        bus,
		controller: controller,
		dispatcher: dispatcher,
		scheduler:  sched,
		vault:      vaultService,
		tokens:     tokens,
	}
	rig.api = NewAPIHandler(cfg, queueManager, sched, logger)
	rig.projects = NewProjectHandler(store, vaultService, sched, logger)
	rig.jobs = NewJobHandler(store, dispatcher, controller, logger)
	rig.ws = NewWSHandler(store, bus, tokens, cfg, logger)
	t.Cleanup(rig.ws.CloseAll)

	return rig
}

// storeProject persists a project directly, bypassing the API.
func (r *handlerRig) storeProject(t *testing.T, domain string) *models.Project {
	t.Helper()
	project := models.NewProject(DefaultOrganization, domain, "https://"+domain+"/sitemap.xml")
	require.NoError(t, r.store.ProjectStorage().StoreProject(context.Background(), project))
	return project
}

// seedURLs inserts n discovered URL rows for the project.
func (r *handlerRig) seedURLs(t *testing.T, project *models.Project, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		loc := fmt.Sprintf("https://%s/page-%d", project.Domain, i)
		locHash := common.HashLoc(loc)
		entry := &models.URLEntry{
			ID:        models.URLEntryKey(project.ID, locHash),
			ProjectID: project.ID,
			Loc:       loc,
			LocHash:   locHash,
		}
		require.NoError(t, r.store.URLStorage().StoreURL(context.Background(), entry))
		ids = append(ids, entry.ID)
	}
	return ids
}

// doJSON runs one handler invocation and decodes the JSON response body.
func doJSON(t *testing.T, handler http.HandlerFunc, method, target string, body interface{}, out interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), "response: %s", rec.Body.String())
	}
	return rec
}

// issueToken mints a websocket token for the default organization.
func (r *handlerRig) issueToken(t *testing.T, orgID string) string {
	t.Helper()
	token, err := r.tokens.Issue("user-1", orgID, time.Hour)
	require.NoError(t, err)
	return token
}
