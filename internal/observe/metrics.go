// Package observe provides application-wide observability primitives for
// conversa-core: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all conversa-core metrics.
const meterName = "github.com/conversalabs/conversa-core"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// JobDuration tracks job handler execution latency. Use with attribute:
	//   attribute.String("kind", ...) — "speech_detector", "conversation",
	//   "post_conversation_pipeline", "transcribe_full_audio".
	JobDuration metric.Float64Histogram

	// BatchTranscribeDuration tracks batch ASR provider call latency.
	BatchTranscribeDuration metric.Float64Histogram

	// PersistenceFlushDuration tracks how long the persistence consumer
	// takes to write a batch of frames to the WAV file.
	PersistenceFlushDuration metric.Float64Histogram

	// --- Counters ---

	// FramesIngested counts audio frames appended to the durable log. Use
	// with attribute: attribute.String("client_id", ...).
	FramesIngested metric.Int64Counter

	// ProviderRequests counts external provider API calls. Use with
	// attributes: attribute.String("provider", ...), attribute.String("kind", ...)
	// (kind is "asr_stream", "asr_batch", "llm", "embeddings", "speaker", "event_bus").
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts external provider errors, same attributes as
	// ProviderRequests.
	ProviderErrors metric.Int64Counter

	// RetryAttempts counts retry attempts made by internal/retry. Use with
	// attribute: attribute.String("name", ...).
	RetryAttempts metric.Int64Counter

	// RetryExhausted counts retry sequences that gave up without success.
	RetryExhausted metric.Int64Counter

	// ConversationsStarted / ConversationsFinalized count Conversation Job
	// lifecycle transitions (spec.md §4.8).
	ConversationsStarted   metric.Int64Counter
	ConversationsFinalized metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of currently active ingestion
	// sessions (spec.md §3 Session).
	ActiveSessions metric.Int64UpDownCounter

	// ConsumerLag tracks pending (unacked) entries per consumer group. Use
	// with attributes: attribute.String("stream", ...), attribute.String("group", ...).
	ConsumerLag metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// sub-second provider calls up to multi-minute job executions.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.JobDuration, err = m.Float64Histogram("conversa.job.duration",
		metric.WithDescription("Latency of job handler execution, by job kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BatchTranscribeDuration, err = m.Float64Histogram("conversa.asr.batch.duration",
		metric.WithDescription("Latency of batch ASR provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PersistenceFlushDuration, err = m.Float64Histogram("conversa.persistence.flush.duration",
		metric.WithDescription("Latency of flushing a frame batch to the session WAV file."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesIngested, err = m.Int64Counter("conversa.frames.ingested",
		metric.WithDescription("Total audio frames appended to the durable log."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("conversa.provider.requests",
		metric.WithDescription("Total external provider requests by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("conversa.provider.errors",
		metric.WithDescription("Total external provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.RetryAttempts, err = m.Int64Counter("conversa.retry.attempts",
		metric.WithDescription("Total retry attempts, by retry policy name."),
	); err != nil {
		return nil, err
	}
	if met.RetryExhausted, err = m.Int64Counter("conversa.retry.exhausted",
		metric.WithDescription("Total retry sequences that exhausted all attempts without success."),
	); err != nil {
		return nil, err
	}
	if met.ConversationsStarted, err = m.Int64Counter("conversa.conversations.started",
		metric.WithDescription("Total conversations opened by the Conversation Job."),
	); err != nil {
		return nil, err
	}
	if met.ConversationsFinalized, err = m.Int64Counter("conversa.conversations.finalized",
		metric.WithDescription("Total conversations finalized by the Conversation Job, by end reason."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("conversa.active_sessions",
		metric.WithDescription("Number of currently active ingestion sessions."),
	); err != nil {
		return nil, err
	}
	if met.ConsumerLag, err = m.Int64UpDownCounter("conversa.consumer.lag",
		metric.WithDescription("Pending (unacked) entries per stream and consumer group."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("conversa.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordJobDuration is a convenience method that records a job's execution
// latency in seconds under the given job kind.
func (m *Metrics) RecordJobDuration(ctx context.Context, kind string, seconds float64) {
	m.JobDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordConsumerLag is a convenience method that sets the observed pending-
// entry count for a stream/group pair. Callers pass the delta from the last
// observed value, since ConsumerLag is an UpDownCounter.
func (m *Metrics) RecordConsumerLag(ctx context.Context, stream, group string, delta int64) {
	m.ConsumerLag.Add(ctx, delta,
		metric.WithAttributes(
			attribute.String("stream", stream),
			attribute.String("group", group),
		),
	)
}
