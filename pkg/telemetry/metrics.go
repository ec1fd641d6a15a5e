package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/soundprediction/lettuce"

// Metrics holds the pipeline's OpenTelemetry tracer and instruments.
type Metrics struct {
	tracer trace.Tracer

	detectLatency  metric.Float64Histogram
	detectTotal    metric.Int64Counter
	windowsPerReq  metric.Int64Histogram
	spansPerReq    metric.Int64Histogram
	cacheHitsTotal metric.Int64Counter
}

// NewMetrics creates the instruments from mp and the tracer from tp.
// Nil providers fall back to the otel globals.
func NewMetrics(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &Metrics{tracer: tp.Tracer(instrumentationName)}

	var err error
	m.detectLatency, err = meter.Float64Histogram(
		"lettuce_detect_duration_seconds",
		metric.WithDescription("Duration of detection requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.detectTotal, err = meter.Int64Counter(
		"lettuce_detect_total",
		metric.WithDescription("Total number of detection requests"),
	)
	if err != nil {
		return nil, err
	}

	m.windowsPerReq, err = meter.Int64Histogram(
		"lettuce_windows_per_request",
		metric.WithDescription("Number of packed windows per detection request"),
	)
	if err != nil {
		return nil, err
	}

	m.spansPerReq, err = meter.Int64Histogram(
		"lettuce_spans_per_request",
		metric.WithDescription("Number of hallucinated spans per detection request"),
	)
	if err != nil {
		return nil, err
	}

	m.cacheHitsTotal, err = meter.Int64Counter(
		"lettuce_cache_hits_total",
		metric.WithDescription("Detection results served from the cache"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// StartDetectSpan creates a span covering one detection.
func (m *Metrics) StartDetectSpan(ctx context.Context, classifier, format string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "Detector.Predict",
		trace.WithAttributes(
			attribute.String("lettuce.classifier", classifier),
			attribute.String("lettuce.format", format),
		),
	)
}

// StartStageSpan creates a child span for one pipeline stage.
func (m *Metrics) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "Detector."+stage)
}

// RecordDetect records a finished detection and annotates its span.
func (m *Metrics) RecordDetect(ctx context.Context, span trace.Span, duration time.Duration, windows, spans int, err error) {
	success := err == nil
	span.SetAttributes(
		attribute.Int("lettuce.windows", windows),
		attribute.Int("lettuce.spans", spans),
		attribute.Bool("lettuce.success", success),
	)
	if err != nil {
		span.RecordError(err)
	}

	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.detectLatency.Record(ctx, duration.Seconds(), attrs)
	m.detectTotal.Add(ctx, 1, attrs)
	if success {
		m.windowsPerReq.Record(ctx, int64(windows))
		m.spansPerReq.Record(ctx, int64(spans))
	}
}

// RecordCacheHit counts a result served from the cache.
func (m *Metrics) RecordCacheHit(ctx context.Context) {
	m.cacheHitsTotal.Add(ctx, 1)
}
