package metrics

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newExporter selects the export target. An OTLP endpoint wins; without one
// readings are summarized through arbor so a bare deployment still surfaces
// its counters.
func newExporter(ctx context.Context, cfg common.MetricsConfig, logger arbor.ILogger) (sdkmetric.Exporter, error) {
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter for %s: %w", cfg.OTLPEndpoint, err)
		}
		logger.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("Metrics exporting over OTLP/HTTP")
		return exporter, nil
	}
	logger.Info().Msg("No OTLP endpoint configured, metrics logged locally")
	return newLogExporter(logger), nil
}

// logExporter writes instrument summaries through arbor. It keeps the SDK
// defaults for temporality and aggregation.
type logExporter struct {
	logger      arbor.ILogger
	temporality sdkmetric.TemporalitySelector
	aggregation sdkmetric.AggregationSelector
}

func newLogExporter(logger arbor.ILogger) *logExporter {
	return &logExporter{
		logger:      logger,
		temporality: sdkmetric.DefaultTemporalitySelector,
		aggregation: sdkmetric.DefaultAggregationSelector,
	}
}

func (e *logExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return e.temporality(kind)
}

func (e *logExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return e.aggregation(kind)
}

func (e *logExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			e.logMetric(m)
		}
	}
	return nil
}

func (e *logExporter) ForceFlush(ctx context.Context) error { return ctx.Err() }

func (e *logExporter) Shutdown(ctx context.Context) error { return ctx.Err() }

func (e *logExporter) logMetric(m metricdata.Metrics) {
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			e.logger.Info().
				Str("metric", m.Name).
				Str("attrs", renderAttributes(dp.Attributes)).
				Int64("value", dp.Value).
				Msg("Metric export")
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			e.logger.Info().
				Str("metric", m.Name).
				Str("attrs", renderAttributes(dp.Attributes)).
				Float64("value", dp.Value).
				Msg("Metric export")
		}
	case metricdata.Gauge[int64]:
		for _, dp := range data.DataPoints {
			e.logger.Info().
				Str("metric", m.Name).
				Str("attrs", renderAttributes(dp.Attributes)).
				Int64("value", dp.Value).
				Msg("Metric export")
		}
	case metricdata.Gauge[float64]:
		for _, dp := range data.DataPoints {
			e.logger.Info().
				Str("metric", m.Name).
				Str("attrs", renderAttributes(dp.Attributes)).
				Float64("value", dp.Value).
				Msg("Metric export")
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			e.logger.Info().
				Str("metric", m.Name).
				Str("attrs", renderAttributes(dp.Attributes)).
				Int64("count", int64(dp.Count)).
				Float64("sum", dp.Sum).
				Msg("Metric export")
		}
	case metricdata.Histogram[int64]:
		for _, dp := range data.DataPoints {
			e.logger.Info().
				Str("metric", m.Name).
				Str("attrs", renderAttributes(dp.Attributes)).
				Int64("count", int64(dp.Count)).
				Int64("sum", dp.Sum).
				Msg("Metric export")
		}
	}
}

func renderAttributes(set attribute.Set) string {
	if set.Len() == 0 {
		return ""
	}
	var b strings.Builder
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(string(kv.Key))
		b.WriteString("=")
		b.WriteString(kv.Value.Emit())
	}
	return b.String()
}
