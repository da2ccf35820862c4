// -----------------------------------------------------------------------
// Google submitter worker - notifies the Indexing API about changed URLs
// one at a time, within the project's daily quota
// -----------------------------------------------------------------------

package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/jobs"
	"github.com/ternarybob/sitesync/internal/metrics"
	"github.com/ternarybob/sitesync/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// requestTimeout bounds one publish or token call.
	requestTimeout = 30 * time.Second

	// responseSnippet caps how much of an error body is kept for messages.
	responseSnippet = 512
)

// rateLimitBackoff is the wait schedule for 429 responses without quota
// semantics: 2 s, 3 s, 4.5 s.
var rateLimitBackoff = []time.Duration{2 * time.Second, 3 * time.Second, 4500 * time.Millisecond}

// Worker consumes google-submitter deliveries. Submissions run sequentially
// with at least the configured gap between publish calls; successes count
// against the project's daily quota.
type Worker struct {
	store      interfaces.StorageManager
	vault      interfaces.Vault
	controller *jobs.Controller
	events     interfaces.EventService
	metrics    *metrics.Metrics
	logger     arbor.ILogger

	endpoint    string
	tokenURL    string
	dailyQuota  int
	maxAttempts int
	requestGap  time.Duration
	retryBase   time.Duration        // 5xx/network backoff base, doubled per attempt
	rateBackoff []time.Duration      // 429 backoff schedule
	newClient   func(ctx context.Context, ts oauth2.TokenSource) *http.Client
}

// NewWorker creates a Google submitter bound to the configured endpoint,
// quota and pacing.
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
		endpoint:    cfg.Workers.Google.Endpoint,
		tokenURL:    cfg.Workers.Google.TokenURL,
		dailyQuota:  cfg.Workers.Google.DailyQuota,
		maxAttempts: models.DefaultMaxAttempts,
		requestGap:  common.ParseDurationOr(cfg.Workers.Google.RequestGap, time.Second),
		retryBase:   time.Second,
		rateBackoff: rateLimitBackoff,
		newClient: func(ctx context.Context, ts oauth2.TokenSource) *http.Client {
			client := oauth2.NewClient(ctx, ts)
			client.Timeout = requestTimeout
			return client
		},
	}
}

// Handle processes one queue delivery.
func (w *Worker) Handle(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.GooglePayload
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

	attempted, total, procErr := w.process(jc, project, &payload)
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
	return w.controller.Complete(jc, attempted, total)
}

// process submits the payload's URLs sequentially and returns how many it
// attempted. A fatal error (permission, quota semantics, cancellation) stops
// the batch; quota consumed by earlier successes is still recorded.
func (w *Worker) process(jc *jobs.JobContext, project *models.Project, payload *models.GooglePayload) (int, int, error) {
	plaintext, err := w.vault.Open(jc.Ctx, project.ID, models.EngineGoogle)
	if err != nil {
		return 0, 0, models.FatalJob(fmt.Errorf("%w: %v", models.ErrInvalidCredential, err))
	}
	defer w.vault.Shred(plaintext)

	ts, err := tokenSource(jc.Ctx, plaintext, w.tokenURL)
	if err != nil {
		return 0, 0, err
	}
	if _, err := ts.Token(); err != nil {
		return 0, 0, models.FatalJob(fmt.Errorf("%w: token exchange failed: %v", models.ErrInvalidCredential, err))
	}
	client := w.newClient(jc.Ctx, ts)

	usage, err := w.store.QuotaStorage().GetUsage(jc.Ctx, project.ID, models.EngineGoogle)
	if err != nil {
		return 0, 0, err
	}
	remaining := w.dailyQuota - usage.Used
	if remaining <= 0 {
		return 0, 0, models.FatalJob(models.ErrQuotaExhausted)
	}

	ids := payload.URLIDs
	if len(ids) > remaining {
		jc.Logger.Warn().
			Int("requested", len(ids)).
			Int("remaining_quota", remaining).
			Msg("Batch truncated to remaining daily quota")
		ids = ids[:remaining]
	}

	rows, err := w.store.URLStorage().GetURLs(jc.Ctx, ids)
	if err != nil {
		return 0, 0, err
	}

	limiter := rate.NewLimiter(rate.Every(w.requestGap), 1)
	successes := 0
	attempted := 0
	var fatal error

	for i, row := range rows {
		if err := w.controller.WaitIfPaused(jc); err != nil {
			fatal = err
			break
		}
		if err := limiter.Wait(jc.Ctx); err != nil {
			fatal = err
			break
		}

		code, attempts, submitErr := w.submitURL(jc.Ctx, client, row.Loc, payload.Action)
		attempted++

		submission := models.NewSubmission(project.ID, row.ID, models.EngineGoogle, payload.Action)
		submission.Attempts = attempts
		now := time.Now().UTC()
		submission.StartedAt = &now

		if submitErr == nil {
			submission.Complete(code)
			row.GoogleStatus = models.URLStatusSubmitted
			row.GoogleSubmittedAt = &now
			successes++
			w.metrics.GoogleSubmission(jc.Ctx, "success")
		} else {
			submission.Fail(code, submitErr.Error())
			w.metrics.GoogleSubmission(jc.Ctx, string(models.KindOf(submitErr)))
			switch models.KindOf(submitErr) {
			case models.ErrorKindFatalJob:
				// The batch stops; untouched URLs keep their status.
				fatal = submitErr
			case models.ErrorKindTransient:
				if code >= 500 {
					row.GoogleStatus = models.URLStatusError5xx
				} else {
					row.GoogleStatus = models.URLStatusCrawlError
				}
			default:
				row.GoogleStatus = models.URLStatusError4xx
			}
		}

		if err := w.store.SubmissionStorage().StoreSubmission(jc.Ctx, submission); err != nil {
			jc.Logger.Error().Err(err).Str("url", row.Loc).Msg("Failed to record submission")
		}
		if fatal == nil {
			if err := w.store.URLStorage().StoreURL(jc.Ctx, row); err != nil {
				jc.Logger.Error().Err(err).Str("url", row.Loc).Msg("Failed to update url status")
			}
		}

		w.controller.ReportProgress(jc, (i+1)*100/len(rows), i+1, len(rows))
		if fatal != nil {
			break
		}
	}

	w.finalize(jc, project, successes)

	if fatal != nil {
		return attempted, len(rows), fatal
	}
	return attempted, len(rows), nil
}

// finalize records consumed quota and refreshed counters regardless of how
// the batch ended.
func (w *Worker) finalize(jc *jobs.JobContext, project *models.Project, successes int) {
	if successes == 0 {
		return
	}
	ctx := context.WithoutCancel(jc.Ctx)

	if _, err := w.store.QuotaStorage().IncrementUsage(ctx, project.ID, models.EngineGoogle, successes); err != nil {
		jc.Logger.Error().Err(err).Int("successes", successes).Msg("Failed to record quota usage")
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

// submitURL publishes one URL notification, retrying transient failures.
// The returned error is classified: fatal_job stops the batch, fatal_url is
// recorded and skipped, transient exhausted its local retry budget.
func (w *Worker) submitURL(ctx context.Context, client *http.Client, loc string, action models.SubmissionAction) (int, int, error) {
	var lastCode int
	var lastErr error

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		code, body, err := w.publishOnce(ctx, client, loc, action)
		switch {
		case err != nil:
			lastCode, lastErr = 0, models.Transient(err)
		case code >= 200 && code < 300:
			return code, attempt, nil
		case code == http.StatusForbidden && mentionsOwnership(body):
			return code, attempt, models.FatalJob(fmt.Errorf("%w: %s", models.ErrPermissionDenied, body))
		case code == http.StatusTooManyRequests && strings.Contains(strings.ToLower(body), "quota"):
			return code, attempt, models.FatalJob(models.ErrQuotaExceeded)
		case code == http.StatusTooManyRequests:
			lastCode, lastErr = code, models.Transient(fmt.Errorf("indexing api rate limited: %s", body))
		case code >= 500:
			lastCode, lastErr = code, models.Transient(fmt.Errorf("indexing api returned %d", code))
		default:
			return code, attempt, models.Classify(models.ErrorKindFatalURL,
				fmt.Errorf("indexing api rejected url (%d): %s", code, body))
		}

		if attempt < w.maxAttempts {
			select {
			case <-ctx.Done():
				return lastCode, attempt, ctx.Err()
			case <-time.After(w.backoffFor(lastCode, attempt)):
			}
		}
	}
	return lastCode, w.maxAttempts, lastErr
}

func (w *Worker) publishOnce(ctx context.Context, client *http.Client, loc string, action models.SubmissionAction) (int, string, error) {
	payload, err := json.Marshal(map[string]string{"url": loc, "type": string(action)})
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnippet))
	return resp.StatusCode, string(body), nil
}

// backoffFor picks the wait before the next attempt: the fixed 2/3/4.5 s
// schedule for rate limits, doubling from retryBase otherwise.
func (w *Worker) backoffFor(code int, attempt int) time.Duration {
	if code == http.StatusTooManyRequests {
		idx := attempt - 1
		if idx >= len(w.rateBackoff) {
			idx = len(w.rateBackoff) - 1
		}
		return w.rateBackoff[idx]
	}
	return w.retryBase << (attempt - 1)
}

func mentionsOwnership(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "permission") || strings.Contains(lower, "ownership")
}
