// -----------------------------------------------------------------------
// Last Modified: Tuesday, 25th August 2026
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package sitemap

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/models"
)

const userAgent = "SitemapIndexerPro/2.0"

// FetchResult is one successful sitemap download. Body is decompressed when
// the response was gzipped; the caller owns closing it.
type FetchResult struct {
	Body         io.ReadCloser
	StatusCode   int
	ETag         string
	LastModified string
	NotModified  bool
}

// Fetcher downloads sitemap documents with retry, deadline and conditional
// request support.
type Fetcher struct {
	client      *http.Client
	maxAttempts int
	backoffBase time.Duration
	logger      arbor.ILogger
}

// NewFetcher builds a fetcher from the sitemap config section.
func NewFetcher(cfg *common.Config, logger arbor.ILogger) *Fetcher {
	if logger == nil {
		logger = common.GetLogger()
	}

	maxAttempts := cfg.Sitemap.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &Fetcher{
		client: &http.Client{
			Timeout: common.ParseDurationOr(cfg.Sitemap.RequestTimeout, 60*time.Second),
		},
		maxAttempts: maxAttempts,
		backoffBase: common.ParseDurationOr(cfg.Sitemap.RetryBackoff, time.Second),
		logger:      logger,
	}
}

// Fetch downloads a sitemap URL. Network errors and 5xx responses retry with
// exponential backoff; 4xx responses fail immediately. A 304 against the
// prior ETag returns NotModified with no body.
func (f *Fetcher) Fetch(ctx context.Context, sitemapURL string, priorETag string) (*FetchResult, error) {
	var lastErr error

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := f.backoffBase << (attempt - 2)
			f.logger.Debug().
				Str("url", sitemapURL).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying sitemap fetch")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, retryable, err := f.fetchOnce(ctx, sitemapURL, priorETag)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("sitemap fetch failed after %d attempts: %w", f.maxAttempts, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, sitemapURL string, priorETag string) (*FetchResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, false, models.InvalidInput(fmt.Errorf("invalid sitemap url %q: %w", sitemapURL, err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	if priorETag != "" {
		req.Header.Set("If-None-Match", priorETag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, true, models.Transient(fmt.Errorf("sitemap request failed: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		_ = resp.Body.Close()
		return &FetchResult{
			StatusCode:  resp.StatusCode,
			ETag:        priorETag,
			NotModified: true,
		}, false, nil

	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, true, models.Transient(fmt.Errorf("sitemap fetch returned HTTP %d", resp.StatusCode))

	case resp.StatusCode >= 400:
		_ = resp.Body.Close()
		return nil, false, models.InvalidInput(fmt.Errorf("sitemap fetch returned HTTP %d", resp.StatusCode))

	case resp.StatusCode != http.StatusOK:
		_ = resp.Body.Close()
		return nil, false, models.InvalidInput(fmt.Errorf("unexpected sitemap status HTTP %d", resp.StatusCode))
	}

	body, err := decompressed(sitemapURL, resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, false, models.InvalidInput(fmt.Errorf("sitemap gzip decode failed: %w", err))
	}

	return &FetchResult{
		Body:         body,
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, false, nil
}

// decompressed wraps the response body in a streaming gzip reader when the
// payload is gzipped. Go's transport only auto-decodes encodings it requested
// itself, and a .gz object is gzip content rather than transport encoding, so
// both cases are handled here.
func decompressed(sitemapURL string, resp *http.Response) (io.ReadCloser, error) {
	gzipped := strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip")
	if !gzipped {
		if u, err := url.Parse(sitemapURL); err == nil {
			gzipped = strings.HasSuffix(strings.ToLower(u.Path), ".gz")
		}
	}
	if !gzipped {
		return resp.Body, nil
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, err
	}
	return &gzipBody{gz: gz, underlying: resp.Body}, nil
}

type gzipBody struct {
	gz         *gzip.Reader
	underlying io.ReadCloser
}

func (b *gzipBody) Read(p []byte) (int, error) { return b.gz.Read(p) }

func (b *gzipBody) Close() error {
	gzErr := b.gz.Close()
	if err := b.underlying.Close(); err != nil {
		return err
	}
	return gzErr
}
