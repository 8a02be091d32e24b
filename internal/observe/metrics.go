// Package observe provides application-wide observability primitives for
// Talkstick: OpenTelemetry metrics, tracing helpers, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Talkstick metrics.
const meterName = "github.com/hearsay-audio/talkstick"

// Sample outcome attribute values for [Metrics.RecordSample].
const (
	SampleAccepted = "accepted"
	SampleUnknown  = "unknown"
	SampleRejected = "rejected"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Sample path ---

	// Samples counts ingested activity samples. Use with attributes:
	//   attribute.String("room", ...), attribute.String("status", ...)
	Samples metric.Int64Counter

	// SampleDuration tracks the latency of one full sample delivery
	// (gate, accumulate, arbitrate, notify).
	SampleDuration metric.Float64Histogram

	// --- Decisions ---

	// SpeakerChanges counts committed active-speaker changes. Use with
	// attributes:
	//   attribute.String("room", ...), attribute.String("type", ...)
	SpeakerChanges metric.Int64Counter

	// SuppressedChanges counts candidate changes held back by the
	// debounce window, by room.
	SuppressedChanges metric.Int64Counter

	// --- Gauges ---

	// MonitoredSources tracks the number of currently registered sources
	// across all rooms.
	MonitoredSources metric.Int64UpDownCounter

	// EventSubscribers tracks the number of connected event-stream
	// subscribers across all rooms.
	EventSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// sampleLatencyBuckets defines histogram bucket boundaries (in seconds)
// sized for the sub-millisecond sample path.
var sampleLatencyBuckets = []float64{
	0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Samples, err = m.Int64Counter("talkstick.samples",
		metric.WithDescription("Total ingested activity samples by room and status."),
	); err != nil {
		return nil, err
	}
	if met.SampleDuration, err = m.Float64Histogram("talkstick.sample.duration",
		metric.WithDescription("Latency of one sample delivery through the detection engine."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sampleLatencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeakerChanges, err = m.Int64Counter("talkstick.speaker.changes",
		metric.WithDescription("Total committed active-speaker changes by room and event type."),
	); err != nil {
		return nil, err
	}
	if met.SuppressedChanges, err = m.Int64Counter("talkstick.speaker.suppressed",
		metric.WithDescription("Active-speaker changes suppressed by the debounce window."),
	); err != nil {
		return nil, err
	}
	if met.MonitoredSources, err = m.Int64UpDownCounter("talkstick.sources",
		metric.WithDescription("Number of currently monitored sources across all rooms."),
	); err != nil {
		return nil, err
	}
	if met.EventSubscribers, err = m.Int64UpDownCounter("talkstick.subscribers",
		metric.WithDescription("Number of connected event-stream subscribers."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("talkstick.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordSample records one ingested sample with its outcome and latency.
func (m *Metrics) RecordSample(ctx context.Context, room, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("room", room),
		attribute.String("status", status),
	)
	m.Samples.Add(ctx, 1, attrs)
	m.SampleDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordSpeakerChange records one committed active-speaker change.
func (m *Metrics) RecordSpeakerChange(ctx context.Context, room, eventType string) {
	m.SpeakerChanges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("room", room),
			attribute.String("type", eventType),
		),
	)
}
