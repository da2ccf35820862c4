// -----------------------------------------------------------------------
// IndexNow submitter worker - posts URL batches to the participating
// engines in parallel, halving the batch when an engine pushes back
// -----------------------------------------------------------------------

package indexnow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/jobs"
	"github.com/ternarybob/sitesync/internal/metrics"
	"github.com/ternarybob/sitesync/internal/models"
	"golang.org/x/sync/semaphore"
)

// responseSnippet caps how much of an engine's error body is kept.
const responseSnippet = 512

// batchRequest is the IndexNow wire format shared by all engines.
type batchRequest struct {
	Host        string   `json:"host"`
	Key         string   `json:"key"`
	KeyLocation string   `json:"keyLocation"`
	URLList     []string `json:"urlList"`
}

// Worker consumes indexnow-submitter deliveries. One delivery fans the URL
// batch out to every configured engine; a URL counts as submitted when at
// least one engine accepted a batch containing it.
type Worker struct {
	store      interfaces.StorageManager
	vault      interfaces.Vault
	controller *jobs.Controller
	events     interfaces.EventService
	metrics    *metrics.Metrics
	logger     arbor.ILogger
	client     *http.Client

	endpoints   []string
	parallelism int64
	minSplit    int
	maxAttempts int
	retryBase   time.Duration // 5xx/network backoff base, doubled per attempt
	splitPause  time.Duration // wait between halving and resubmitting
}

// NewWorker creates an IndexNow submitter for the configured engines.
func NewWorker(
	store interfaces.StorageManager,
	vault interfaces.Vault,
	controller *jobs.Controller,
	eventService interfaces.EventService,
	meter *metrics.Metrics,
	cfg *common.Config,
	logger arbor.ILogger,
) *Worker {
	return &Worker{
		store:       store,
		vault:       vault,
		controller:  controller,
		events:      eventService,
		metrics:     meter,
		logger:      logger,
		client:      &http.Client{Timeout: common.ParseDurationOr(cfg.Workers.IndexNow.Timeout, 30*time.Second)},
		endpoints:   cfg.Workers.IndexNow.Endpoints,
		parallelism: int64(cfg.Workers.IndexNow.Parallelism),
		minSplit:    cfg.Workers.IndexNow.MinSplit,
		maxAttempts: models.DefaultMaxAttempts,
		retryBase:   time.Second,
		splitPause:  time.Second,
	}
}

// Handle processes one queue delivery.
func (w *Worker) Handle(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.IndexNowPayload
	if err := models.DecodePayload(msg.Body, &payload); err != nil {
		return models.InvalidInput(err)
	}

	project, err := w.store.ProjectStorage().GetProject(ctx, payload.ProjectID)
	if err != nil {
		return models.InvalidInput(fmt.Errorf("project %s: %w", payload.ProjectID, err))
	}

	jc, err := w.controller.Begin(ctx, payload.JobID)
	if err != nil {
		return err
	}

	submitted, total, procErr := w.process(jc, project, &payload)
	if procErr != nil {
		if jc.Cancelled() {
			return w.controller.Cancel(jc)
		}
		_ = w.controller.Fail(jc, procErr.Error())
		if models.IsRetryable(procErr) {
			return procErr
		}
		return nil
	}
	return w.controller.Complete(jc, submitted, total)
}

// process fans the batch out to every engine and records the per-URL
// outcome. It fails only when no engine accepted anything.
func (w *Worker) process(jc *jobs.JobContext, project *models.Project, payload *models.IndexNowPayload) (int, int, error) {
	plaintext, err := w.vault.Open(jc.Ctx, project.ID, models.EngineIndexNow)
	if err != nil {
		return 0, 0, models.FatalJob(fmt.Errorf("%w: %v", models.ErrInvalidCredential, err))
	}
	key := strings.TrimSpace(string(plaintext))
	w.vault.Shred(plaintext)
	if key == "" {
		return 0, 0, models.FatalJob(fmt.Errorf("%w: empty indexnow key", models.ErrInvalidCredential))
	}

	rows, err := w.store.URLStorage().GetURLs(jc.Ctx, payload.URLIDs)
	if err != nil {
		return 0, 0, err
	}
	if len(rows) == 0 {
		return 0, 0, nil
	}

	locs := make([]string, len(rows))
	for i, row := range rows {
		locs[i] = row.Loc
	}

	host := project.Host()
	base := batchRequest{
		Host:        host,
		Key:         key,
		KeyLocation: fmt.Sprintf("https://%s/%s.txt", host, key),
	}

	if err := w.controller.WaitIfPaused(jc); err != nil {
		return 0, len(rows), err
	}

	accepted := w.fanOut(jc, base, locs)

	if err := jc.Ctx.Err(); err != nil {
		return 0, len(rows), err
	}

	submitted := w.record(jc, project, rows, accepted)
	w.finalize(jc, project, submitted)

	if submitted == 0 {
		return 0, len(rows), models.FatalJob(fmt.Errorf("no indexnow endpoint accepted the batch"))
	}
	return submitted, len(rows), nil
}

// fanOut submits the batch to every endpoint with bounded parallelism and
// merges per-URL acceptance. The returned map carries the response code of
// the first engine that accepted each URL.
func (w *Worker) fanOut(jc *jobs.JobContext, base batchRequest, locs []string) map[string]int {
	accepted := make(map[string]int, len(locs))
	var mu sync.Mutex

	sem := semaphore.NewWeighted(w.parallelism)
	var wg sync.WaitGroup

	for _, endpoint := range w.endpoints {
		if err := sem.Acquire(jc.Ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			defer sem.Release(1)

			result, err := w.submitBatch(jc.Ctx, endpoint, base, locs)
			if err != nil {
				w.metrics.IndexNowSubmission(jc.Ctx, "error", 0)
				jc.Logger.Warn().Err(err).Str("endpoint", endpoint).Msg("IndexNow endpoint rejected the batch")
				return
			}
			w.metrics.IndexNowSubmission(jc.Ctx, "success", len(result))

			mu.Lock()
			for loc, code := range result {
				if _, seen := accepted[loc]; !seen {
					accepted[loc] = code
				}
			}
			mu.Unlock()
		}(endpoint)
	}

	wg.Wait()
	return accepted
}

// submitBatch posts one batch to one endpoint. A 429 or 422 on a batch
// larger than minSplit halves it after a short pause and recurses; smaller
// batches retry in place. 400 and 403 are final for the endpoint.
func (w *Worker) submitBatch(ctx context.Context, endpoint string, base batchRequest, locs []string) (map[string]int, error) {
	var lastErr error

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		code, body, err := w.postOnce(ctx, endpoint, base, locs)
		switch {
		case err != nil:
			lastErr = models.Transient(err)
		case code == http.StatusOK || code == http.StatusAccepted:
			result := make(map[string]int, len(locs))
			for _, loc := range locs {
				result[loc] = code
			}
			return result, nil
		case code == http.StatusTooManyRequests || code == http.StatusUnprocessableEntity:
			if len(locs) > w.minSplit {
				return w.splitAndRetry(ctx, endpoint, base, locs)
			}
			lastErr = models.Transient(fmt.Errorf("endpoint returned %d: %s", code, body))
		case code >= 500:
			lastErr = models.Transient(fmt.Errorf("endpoint returned %d", code))
		default:
			// 400 (invalid request) and 403 (key invalid) cannot succeed on
			// retry for this endpoint.
			return nil, models.FatalJob(fmt.Errorf("endpoint returned %d: %s", code, body))
		}

		if attempt < w.maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(w.retryBase << (attempt - 1)):
			}
		}
	}
	return nil, lastErr
}

// splitAndRetry halves the batch and sums whatever each half achieves.
func (w *Worker) splitAndRetry(ctx context.Context, endpoint string, base batchRequest, locs []string) (map[string]int, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(w.splitPause):
	}

	mid := len(locs) / 2
	merged := make(map[string]int, len(locs))
	var firstErr error

	for _, half := range [][]string{locs[:mid], locs[mid:]} {
		result, err := w.submitBatch(ctx, endpoint, base, half)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for loc, code := range result {
			merged[loc] = code
		}
	}

	if len(merged) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return merged, nil
}

func (w *Worker) postOnce(ctx context.Context, endpoint string, base batchRequest, locs []string) (int, string, error) {
	base.URLList = locs
	payload, err := json.Marshal(base)
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnippet))
	return resp.StatusCode, string(body), nil
}

// record writes one submission row per URL and stamps accepted rows.
func (w *Worker) record(jc *jobs.JobContext, project *models.Project, rows []*models.URLEntry, accepted map[string]int) int {
	ctx := context.WithoutCancel(jc.Ctx)
	now := time.Now().UTC()
	submitted := 0

	for i, row := range rows {
		submission := models.NewSubmission(project.ID, row.ID, models.EngineIndexNow, models.ActionURLUpdated)
		submission.Attempts = 1
		submission.StartedAt = &now

		if code, ok := accepted[row.Loc]; ok {
			submission.Complete(code)
			row.BingStatus = models.URLStatusSubmitted
			row.BingSubmittedAt = &now
			submitted++
			if err := w.store.URLStorage().StoreURL(ctx, row); err != nil {
				jc.Logger.Error().Err(err).Str("url", row.Loc).Msg("Failed to update url status")
			}
		} else {
			submission.Fail(0, "no indexnow endpoint accepted the url")
		}

		if err := w.store.SubmissionStorage().StoreSubmission(ctx, submission); err != nil {
			jc.Logger.Error().Err(err).Str("url", row.Loc).Msg("Failed to record submission")
		}

		w.controller.ReportProgress(jc, (i+1)*100/len(rows), i+1, len(rows))
	}
	return submitted
}

// finalize records consumed quota and refreshed counters.
func (w *Worker) finalize(jc *jobs.JobContext, project *models.Project, submitted int) {
	if submitted == 0 {
		return
	}
	ctx := context.WithoutCancel(jc.Ctx)

	if _, err := w.store.QuotaStorage().IncrementUsage(ctx, project.ID, models.EngineIndexNow, submitted); err != nil {
		jc.Logger.Error().Err(err).Int("submitted", submitted).Msg("Failed to record quota usage")
	}

	now := time.Now().UTC()
	project.LastSubmissionAt = &now
	if err := w.store.ProjectStorage().StoreProject(ctx, project); err != nil {
		jc.Logger.Warn().Err(err).Msg("Failed to stamp last submission time")
	}

	if counters, err := w.store.ProjectStorage().RecomputeCounters(ctx, project.ID); err == nil {
		w.events.Publish(models.BusEvent{
			Kind:           models.EventStatsUpdate,
			OrganizationID: project.OrganizationID,
			ProjectID:      project.ID,
			Payload:        models.StatsUpdateEvent{ProjectID: project.ID, Counters: *counters},
		})
	}
}
