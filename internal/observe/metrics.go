// Package observe provides application-wide observability primitives for
// Dialvox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Dialvox metrics.
const meterName = "github.com/dialvox/dialvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per call stage ---

	// STTDuration tracks time from end-of-turn silence to the final transcript.
	STTDuration metric.Float64Histogram

	// LLMFirstToken tracks time from prompt submission to the first streamed token.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstChunk tracks time from first token to the first synthesized audio chunk.
	TTSFirstChunk metric.Float64Histogram

	// CallDuration tracks total connected call length.
	CallDuration metric.Float64Histogram

	// ActionDuration tracks post-call action execution latency.
	ActionDuration metric.Float64Histogram

	// --- Counters ---

	// CallsPlaced counts outbound call attempts. Use with attributes:
	//   attribute.String("tenant", ...), attribute.String("outcome", ...)
	CallsPlaced metric.Int64Counter

	// BargeIns counts user interruptions of assistant speech.
	BargeIns metric.Int64Counter

	// FramesDropped counts inbound audio frames dropped by bounded buffers.
	FramesDropped metric.Int64Counter

	// JobsEnqueued counts dialer jobs entering the queue. Use with attribute:
	//   attribute.String("tenant", ...)
	JobsEnqueued metric.Int64Counter

	// JobsRetried counts retry re-schedules by outcome.
	JobsRetried metric.Int64Counter

	// ActionsExecuted counts post-call actions. Use with attributes:
	//   attribute.String("action", ...), attribute.String("status", ...)
	ActionsExecuted metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("class", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// QueueDepth tracks the number of jobs visible in the priority queue.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for whole-call
// durations.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("dialvox.stt.duration",
		metric.WithDescription("Latency from end-of-turn silence to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("dialvox.llm.first_token",
		metric.WithDescription("Latency from prompt submission to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstChunk, err = m.Float64Histogram("dialvox.tts.first_chunk",
		metric.WithDescription("Latency from first token to first synthesized audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("dialvox.call.duration",
		metric.WithDescription("Total connected call length."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActionDuration, err = m.Float64Histogram("dialvox.action.duration",
		metric.WithDescription("Latency of post-call action execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsPlaced, err = m.Int64Counter("dialvox.calls.placed",
		metric.WithDescription("Total outbound call attempts by tenant and outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("dialvox.call.barge_ins",
		metric.WithDescription("Total user interruptions of assistant speech."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("dialvox.audio.frames_dropped",
		metric.WithDescription("Total inbound audio frames dropped by bounded buffers."),
	); err != nil {
		return nil, err
	}
	if met.JobsEnqueued, err = m.Int64Counter("dialvox.dialer.jobs_enqueued",
		metric.WithDescription("Total dialer jobs enqueued by tenant."),
	); err != nil {
		return nil, err
	}
	if met.JobsRetried, err = m.Int64Counter("dialvox.dialer.jobs_retried",
		metric.WithDescription("Total dialer job retries by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActionsExecuted, err = m.Int64Counter("dialvox.actions.executed",
		metric.WithDescription("Total post-call actions by action type and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("dialvox.provider.errors",
		metric.WithDescription("Total provider errors by provider and class."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("dialvox.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("dialvox.queue.depth",
		metric.WithDescription("Number of jobs visible in the priority queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dialvox.http.request.duration",
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

// RecordCallPlaced records an outbound call attempt with its final outcome.
func (m *Metrics) RecordCallPlaced(ctx context.Context, tenant, outcome string) {
	m.CallsPlaced.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordBargeIn records a user interruption of assistant speech.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordProviderError records a provider error by provider name and class.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, class string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("class", class),
		),
	)
}

// RecordAction records a post-call action execution.
func (m *Metrics) RecordAction(ctx context.Context, action, status string) {
	m.ActionsExecuted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("status", status),
		),
	)
}
