// -----------------------------------------------------------------------
// Scanner worker - walks a project's sitemap tree, upserting Sitemap and
// UrlEntry rows and driving job progress for the owning scan job
// -----------------------------------------------------------------------

package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/jobs"
	"github.com/ternarybob/sitesync/internal/metrics"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/ternarybob/sitesync/internal/services/sitemap"
	"golang.org/x/sync/semaphore"
)

// Worker consumes sitemap-scanner deliveries. The depth-0 delivery owns the
// job lifecycle and walks the whole sitemap tree in-process: child sitemaps
// recurse with a bounded fan-out instead of bouncing through the queue so
// the job only completes once every reachable sitemap was visited.
type Worker struct {
	store      interfaces.StorageManager
	controller *jobs.Controller
	events     interfaces.EventService
	fetcher    *sitemap.Fetcher
	parser     *sitemap.Parser
	metrics    *metrics.Metrics
	logger     arbor.ILogger

	maxDepth  int
	fanout    int64
	batchSize int
}

// run carries the per-delivery scan state. The visited set lives for one
// run, so cyclic index references terminate (each URL fetched at most once).
type run struct {
	ctx     context.Context
	project *models.Project
	jc      *jobs.JobContext // nil for deliveries that do not own the job
	logger  arbor.ILogger

	mu      sync.Mutex
	visited map[string]struct{}

	processed atomic.Int64
	total     atomic.Int64
	failures  atomic.Int64
}

// NewWorker creates a sitemap scanner bound to the configured depth, fan-out
// and batch limits.
func NewWorker(
	store interfaces.StorageManager,
	controller *jobs.Controller,
	eventService interfaces.EventService,
	fetcher *sitemap.Fetcher,
	parser *sitemap.Parser,
	meter *metrics.Metrics,
	cfg *common.Config,
	logger arbor.ILogger,
) *Worker {
	return &Worker{
		store:      store,
		controller: controller,
		events:     eventService,
		fetcher:    fetcher,
		parser:     parser,
		metrics:    meter,
		logger:     logger,
		maxDepth:   cfg.Workers.Scanner.MaxDepth,
		fanout:     int64(cfg.Workers.Scanner.Fanout),
		batchSize:  cfg.Workers.Scanner.BatchSize,
	}
}

// Handle processes one queue delivery.
func (w *Worker) Handle(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.ScannerPayload
	if err := models.DecodePayload(msg.Body, &payload); err != nil {
		return models.InvalidInput(err)
	}

	project, err := w.store.ProjectStorage().GetProject(ctx, payload.ProjectID)
	if err != nil {
		// A deleted project invalidates every pending delivery for it.
		return models.InvalidInput(fmt.Errorf("project %s: %w", payload.ProjectID, err))
	}

	r := &run{
		ctx:     ctx,
		project: project,
		logger:  w.logger,
		visited: make(map[string]struct{}),
	}

	if payload.Depth == 0 {
		jc, err := w.controller.Begin(ctx, payload.JobID)
		if err != nil {
			return err
		}
		r.ctx = jc.Ctx
		r.jc = jc
		r.logger = jc.Logger
	}

	target := payload.SitemapURL
	if target == "" {
		target = project.RootSitemapURL
	}

	started := time.Now()
	scanErr := w.scan(r, target, nil, payload.Depth)

	// Counters are recomputed even after a partial scan so the UI reflects
	// whatever was persisted.
	if counters, err := w.store.ProjectStorage().RecomputeCounters(context.WithoutCancel(ctx), project.ID); err != nil {
		r.logger.Warn().Err(err).Str("project_id", project.ID).Msg("Failed to recompute project counters")
	} else {
		w.events.Publish(models.BusEvent{
			Kind:           models.EventStatsUpdate,
			OrganizationID: project.OrganizationID,
			ProjectID:      project.ID,
			Payload:        models.StatsUpdateEvent{ProjectID: project.ID, Counters: *counters},
		})
	}

	if scanErr != nil {
		if r.jc != nil {
			if r.jc.Cancelled() {
				return w.controller.Cancel(r.jc)
			}
			_ = w.controller.Fail(r.jc, scanErr.Error())
		}
		return scanErr
	}

	w.metrics.ScanDuration(ctx, time.Since(started))
	r.logger.Info().
		Str("project_id", project.ID).
		Int64("urls", r.processed.Load()).
		Int64("sitemap_failures", r.failures.Load()).
		Dur("elapsed", time.Since(started)).
		Msg("Sitemap scan finished")

	if r.jc != nil {
		return w.controller.Complete(r.jc, int(r.processed.Load()), int(r.total.Load()))
	}
	return nil
}

// scan fetches and persists one sitemap, then recurses into child sitemaps
// when the document is an index. Failures on child sitemaps are recorded but
// only a failure of the delivery's own target propagates.
func (w *Worker) scan(r *run, sitemapURL string, parentID *string, depth int) error {
	if depth > w.maxDepth {
		r.logger.Warn().Str("sitemap_url", sitemapURL).Int("depth", depth).Msg("Sitemap depth cap reached")
		return nil
	}

	r.mu.Lock()
	if _, seen := r.visited[sitemapURL]; seen {
		r.mu.Unlock()
		return nil
	}
	r.visited[sitemapURL] = struct{}{}
	r.mu.Unlock()

	if err := w.pauseOrCancel(r); err != nil {
		return err
	}

	key := models.SitemapKey(r.project.ID, sitemapURL)
	prior, err := w.store.SitemapStorage().GetSitemap(r.ctx, key)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to load sitemap state: %w", err)
	}

	priorETag := ""
	if prior != nil {
		priorETag = prior.ETag
	}

	fetched, err := w.fetcher.Fetch(r.ctx, sitemapURL, priorETag)
	if err != nil {
		return err
	}

	if fetched.NotModified {
		if prior == nil {
			return models.InvalidInput(fmt.Errorf("unexpected 304 for %s without a cached etag", sitemapURL))
		}
		// Unchanged since the last scan; the subtree keeps its prior rows.
		now := time.Now().UTC()
		prior.LastFetchedAt = &now
		prior.UpdatedAt = now
		if err := w.store.SitemapStorage().StoreSitemap(r.ctx, prior); err != nil {
			return fmt.Errorf("failed to stamp unchanged sitemap: %w", err)
		}
		r.logger.Debug().Str("sitemap_url", sitemapURL).Msg("Sitemap not modified, skipping subtree")
		return nil
	}

	result, err := w.parser.Parse(fetched.Body)
	_ = fetched.Body.Close()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	row := &models.Sitemap{
		ID:            key,
		ProjectID:     r.project.ID,
		URL:           sitemapURL,
		Kind:          result.Kind,
		ParentID:      parentID,
		URLCount:      len(result.Entries),
		ETag:          fetched.ETag,
		LastModified:  fetched.LastModified,
		LastFetchedAt: &now,
		ContentHash:   models.ContentHashOf(result.ChildLocs()),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if prior != nil {
		row.CreatedAt = prior.CreatedAt
	}
	if err := w.store.SitemapStorage().StoreSitemap(r.ctx, row); err != nil {
		return fmt.Errorf("failed to store sitemap: %w", err)
	}

	if len(result.Entries) > 0 {
		if err := w.persistEntries(r, row.ID, result.Entries); err != nil {
			return err
		}
	}

	if result.Kind == models.SitemapKindIndex && depth < w.maxDepth {
		if err := w.scanChildren(r, row.ID, depth, result.ChildSitemaps); err != nil {
			return err
		}
	}
	return nil
}

// scanChildren walks the unique child sitemaps of an index with bounded
// fan-out. Child failures are logged and counted; cancellation propagates.
func (w *Worker) scanChildren(r *run, parentID string, depth int, childSitemaps []string) error {
	children := uniqueLocs(childSitemaps)
	sem := semaphore.NewWeighted(w.fanout)
	var wg sync.WaitGroup

	for _, child := range children {
		if err := sem.Acquire(r.ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(child string) {
			defer wg.Done()
			defer sem.Release(1)
			if err := w.scan(r, child, &parentID, depth+1); err != nil {
				r.failures.Add(1)
				w.metrics.Error(r.ctx, string(models.KindOf(err)))
				r.logger.Warn().Err(err).
					Str("sitemap_url", child).
					Int("depth", depth+1).
					Msg("Child sitemap scan failed")
			}
		}(child)
	}

	wg.Wait()
	return r.ctx.Err()
}

// persistEntries upserts parsed URL entries in batches, reporting progress
// and honoring pause/abort between batches.
func (w *Worker) persistEntries(r *run, sitemapID string, entries []models.SitemapURLEntry) error {
	r.total.Add(int64(len(entries)))

	for start := 0; start < len(entries); start += w.batchSize {
		if err := w.pauseOrCancel(r); err != nil {
			return err
		}

		end := start + w.batchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]

		rows := make([]*models.URLEntry, 0, len(batch))
		for _, e := range batch {
			locHash := common.HashLoc(e.Loc)
			rows = append(rows, &models.URLEntry{
				ID:         models.URLEntryKey(r.project.ID, locHash),
				ProjectID:  r.project.ID,
				SitemapID:  &sitemapID,
				Loc:        e.Loc,
				LocHash:    locHash,
				Lastmod:    e.Lastmod,
				Changefreq: e.Changefreq,
				Priority:   e.Priority,
			})
		}

		if err := w.store.URLStorage().StoreURLs(r.ctx, rows); err != nil {
			return fmt.Errorf("failed to upsert url batch: %w", err)
		}

		processed := r.processed.Add(int64(len(rows)))
		w.metrics.URLsDiscovered(r.ctx, len(rows))

		if r.jc != nil {
			total := r.total.Load()
			progress := int(processed * 100 / total)
			w.controller.ReportProgress(r.jc, progress, int(processed), int(total))
		}
	}
	return nil
}

// pauseOrCancel blocks while the owning job is paused and surfaces
// cancellation. Deliveries without a job context only honor context state.
func (w *Worker) pauseOrCancel(r *run) error {
	if r.jc != nil {
		if err := w.controller.WaitIfPaused(r.jc); err != nil {
			return err
		}
	}
	return r.ctx.Err()
}

func uniqueLocs(locs []string) []string {
	seen := make(map[string]struct{}, len(locs))
	out := make([]string, 0, len(locs))
	for _, loc := range locs {
		if _, dup := seen[loc]; dup {
			continue
		}
		seen[loc] = struct{}{}
		out = append(out, loc)
	}
	return out
}
