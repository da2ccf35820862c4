// -----------------------------------------------------------------------
// OpenTelemetry instruments for sync activity, exported on a fixed period
// -----------------------------------------------------------------------

package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/ternarybob/sitesync"

// Metrics owns the meter provider and the instruments the services record
// into. Callers use the domain methods; no OTel types leak past this package.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	logger   arbor.ILogger

	urlsDiscovered      metric.Int64Counter
	googleSubmissions   metric.Int64Counter
	indexnowSubmissions metric.Int64Counter
	errorsTotal         metric.Int64Counter
	jobsTotal           metric.Int64Counter
	jobDuration         metric.Float64Histogram
	scanDuration        metric.Float64Histogram
	apiLatency          metric.Float64Histogram
	activeJobs          metric.Int64UpDownCounter
	queueSize           metric.Int64ObservableGauge

	queueRegistration metric.Registration
}

// New builds a meter provider exporting on the configured period. With an
// OTLP endpoint configured (config or OTEL_EXPORTER_OTLP_ENDPOINT) readings
// go to the collector over HTTP; otherwise instrument summaries are written
// through arbor.
func New(version string, cfg common.MetricsConfig, logger arbor.ILogger) (*Metrics, error) {
	exporter, err := newExporter(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create metrics exporter: %w", err)
	}

	interval := common.ParseDurationOr(cfg.Interval, 60*time.Second)
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	return newWithReader(reader, version, logger)
}

// NewNop returns an instance whose instruments discard every value. Used in
// tests and by components constructed before the provider exists.
func NewNop() *Metrics {
	m := &Metrics{meter: noop.NewMeterProvider().Meter(meterName)}
	// The noop meter never fails instrument creation.
	_ = m.buildInstruments()
	return m
}

func newWithReader(reader sdkmetric.Reader, version string, logger arbor.ILogger) (*Metrics, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "sitesync"),
		attribute.String("service.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("build metrics resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	m := &Metrics{
		provider: provider,
		meter:    provider.Meter(meterName),
		logger:   logger,
	}
	if err := m.buildInstruments(); err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Metrics) buildInstruments() error {
	var err error

	if m.urlsDiscovered, err = m.meter.Int64Counter("urls_discovered_total",
		metric.WithDescription("URLs extracted from sitemaps")); err != nil {
		return fmt.Errorf("create urls_discovered_total: %w", err)
	}
	if m.googleSubmissions, err = m.meter.Int64Counter("google_submissions_total",
		metric.WithDescription("Google Indexing API submissions by status")); err != nil {
		return fmt.Errorf("create google_submissions_total: %w", err)
	}
	if m.indexnowSubmissions, err = m.meter.Int64Counter("indexnow_submissions_total",
		metric.WithDescription("IndexNow submissions by status")); err != nil {
		return fmt.Errorf("create indexnow_submissions_total: %w", err)
	}
	if m.errorsTotal, err = m.meter.Int64Counter("errors_total",
		metric.WithDescription("Errors by classification kind")); err != nil {
		return fmt.Errorf("create errors_total: %w", err)
	}
	if m.jobsTotal, err = m.meter.Int64Counter("jobs_total",
		metric.WithDescription("Jobs started by type")); err != nil {
		return fmt.Errorf("create jobs_total: %w", err)
	}
	if m.jobDuration, err = m.meter.Float64Histogram("job_duration_ms",
		metric.WithDescription("Job wall time"),
		metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("create job_duration_ms: %w", err)
	}
	if m.scanDuration, err = m.meter.Float64Histogram("sitemap_scan_duration_ms",
		metric.WithDescription("Single sitemap fetch+parse+store time"),
		metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("create sitemap_scan_duration_ms: %w", err)
	}
	if m.apiLatency, err = m.meter.Float64Histogram("api_latency_ms",
		metric.WithDescription("HTTP handler latency"),
		metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("create api_latency_ms: %w", err)
	}
	if m.activeJobs, err = m.meter.Int64UpDownCounter("active_jobs",
		metric.WithDescription("Jobs currently running")); err != nil {
		return fmt.Errorf("create active_jobs: %w", err)
	}
	if m.queueSize, err = m.meter.Int64ObservableGauge("queue_size",
		metric.WithDescription("Pending messages per queue")); err != nil {
		return fmt.Errorf("create queue_size: %w", err)
	}
	return nil
}

// RegisterQueueDepth wires the queue_size gauge to the queue manager. The
// callback runs on every reader collection.
func (m *Metrics) RegisterQueueDepth(depths func(ctx context.Context) (map[string]int64, error)) error {
	registration, err := m.meter.RegisterCallback(func(ctx context.Context, observer metric.Observer) error {
		sizes, err := depths(ctx)
		if err != nil {
			return err
		}
		for queue, size := range sizes {
			observer.ObserveInt64(m.queueSize, size,
				metric.WithAttributes(attribute.String("queue", queue)))
		}
		return nil
	}, m.queueSize)
	if err != nil {
		return fmt.Errorf("register queue depth callback: %w", err)
	}
	m.queueRegistration = registration
	return nil
}

// URLsDiscovered counts URLs extracted during scans.
func (m *Metrics) URLsDiscovered(ctx context.Context, count int) {
	m.urlsDiscovered.Add(ctx, int64(count))
}

// GoogleSubmission counts one Google submission outcome.
func (m *Metrics) GoogleSubmission(ctx context.Context, status string) {
	m.googleSubmissions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// IndexNowSubmission counts IndexNow outcomes; count carries the batch size.
func (m *Metrics) IndexNowSubmission(ctx context.Context, status string, count int) {
	m.indexnowSubmissions.Add(ctx, int64(count), metric.WithAttributes(attribute.String("status", status)))
}

// Error counts one classified error.
func (m *Metrics) Error(ctx context.Context, kind string) {
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// JobStarted counts a job start and raises the active gauge.
func (m *Metrics) JobStarted(ctx context.Context, jobType string) {
	m.jobsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", jobType)))
	m.activeJobs.Add(ctx, 1)
}

// JobFinished lowers the active gauge and records the job duration.
func (m *Metrics) JobFinished(ctx context.Context, duration time.Duration) {
	m.activeJobs.Add(ctx, -1)
	m.jobDuration.Record(ctx, float64(duration.Milliseconds()))
}

// ScanDuration records one sitemap processing time.
func (m *Metrics) ScanDuration(ctx context.Context, duration time.Duration) {
	m.scanDuration.Record(ctx, float64(duration.Milliseconds()))
}

// APILatency records one handler round trip.
func (m *Metrics) APILatency(ctx context.Context, route string, duration time.Duration) {
	m.apiLatency.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.String("route", route)))
}

// Shutdown flushes pending readings and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.queueRegistration != nil {
		if err := m.queueRegistration.Unregister(); err != nil && m.logger != nil {
			m.logger.Warn().Err(err).Msg("Failed to unregister queue depth callback")
		}
	}
	if m.provider == nil {
		return nil
	}
	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}
