// Package observe provides application-wide observability primitives for
// dexter: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and scraped through
// [MetricsHandler]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all dexter metrics.
const meterName = "github.com/MrWong99/dexter"

// Capture trigger attribute values.
const (
	TriggerManual = "manual"
	TriggerTimer  = "timer"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// CaptureDuration tracks the time from photo request to photo delivery.
	CaptureDuration metric.Float64Histogram

	// UploadDuration tracks blob upload latency.
	UploadDuration metric.Float64Histogram

	// Captures counts photo requests. Use with attributes:
	//   attribute.String("trigger", ...), attribute.String("status", ...)
	Captures metric.Int64Counter

	// IngestResults counts ingestion outcomes. Use with attribute:
	//   attribute.String("result", ...)
	IngestResults metric.Int64Counter

	// Commands counts classified voice commands. Use with attributes:
	//   attribute.String("command", ...), attribute.String("result", ...)
	Commands metric.Int64Counter

	// ActiveSessions tracks the number of connected device sessions.
	ActiveSessions metric.Int64UpDownCounter

	// StreamingSessions tracks the number of sessions with timed capture on.
	StreamingSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// captureBuckets covers device round trips, which are dominated by camera
// wake-up and radio transfer.
var captureBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20, 30,
}

// latencyBuckets covers storage and HTTP latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CaptureDuration, err = m.Float64Histogram("dexter.capture.duration",
		metric.WithDescription("Latency from photo request to photo delivery."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(captureBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("dexter.upload.duration",
		metric.WithDescription("Latency of blob uploads."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Captures, err = m.Int64Counter("dexter.captures",
		metric.WithDescription("Total photo requests by trigger and status."),
	); err != nil {
		return nil, err
	}
	if met.IngestResults, err = m.Int64Counter("dexter.ingest.results",
		metric.WithDescription("Total ingestion outcomes by result."),
	); err != nil {
		return nil, err
	}
	if met.Commands, err = m.Int64Counter("dexter.commands",
		metric.WithDescription("Total voice commands by command and result."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("dexter.active_sessions",
		metric.WithDescription("Number of connected device sessions."),
	); err != nil {
		return nil, err
	}
	if met.StreamingSessions, err = m.Int64UpDownCounter("dexter.streaming_sessions",
		metric.WithDescription("Number of sessions with timed capture enabled."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("dexter.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCapture records one photo request with its trigger, status and
// round-trip latency.
func (m *Metrics) RecordCapture(ctx context.Context, trigger, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("status", status),
	)
	m.Captures.Add(ctx, 1, attrs)
	m.CaptureDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordIngest records one ingestion outcome.
func (m *Metrics) RecordIngest(ctx context.Context, result string) {
	m.IngestResults.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordCommand records one classified voice command.
func (m *Metrics) RecordCommand(ctx context.Context, command, result string) {
	m.Commands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("result", result),
		),
	)
}
