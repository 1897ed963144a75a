// Package observe provides application-wide observability primitives for the
// voice gateway: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/tvasile/voicegw"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DialogDuration tracks the chunk round-trip to the dialog service.
	DialogDuration metric.Float64Histogram

	// AnswerLatency tracks RING-to-ATA latency.
	AnswerLatency metric.Float64Histogram

	// PlaybackDuration tracks wall-clock playback time per bot message.
	PlaybackDuration metric.Float64Histogram

	// --- Counters ---

	// Calls counts call outcomes. Use with attribute:
	//   attribute.String("outcome", "answered"|"rejected"|"failed")
	Calls metric.Int64Counter

	// Chunks counts dispatcher input by fate. Use with attribute:
	//   attribute.String("fate", "dispatched"|"dropped")
	Chunks metric.Int64Counter

	// CacheLookups counts TTS cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// NoiseTimeouts counts utterances discarded as noise.
	NoiseTimeouts metric.Int64Counter

	// --- Error counters ---

	// DialogErrors counts failed dialog service round-trips.
	DialogErrors metric.Int64Counter

	// TTSErrors counts failed TTS engine requests.
	TTSErrors metric.Int64Counter

	// WebhookErrors counts failed call-event webhook deliveries.
	WebhookErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks live calls; 0 or 1 on a single-modem gateway.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DialogDuration, err = m.Float64Histogram("voicegw.dialog.duration",
		metric.WithDescription("Latency of dialog service round-trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnswerLatency, err = m.Float64Histogram("voicegw.answer.latency",
		metric.WithDescription("Latency from RING to a completed ATA."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("voicegw.playback.duration",
		metric.WithDescription("Wall-clock playback time per bot message."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Calls, err = m.Int64Counter("voicegw.calls",
		metric.WithDescription("Total calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("voicegw.chunks",
		metric.WithDescription("Total speech chunks by fate."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("voicegw.tts.cache_lookups",
		metric.WithDescription("Total TTS cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.NoiseTimeouts, err = m.Int64Counter("voicegw.noise_timeouts",
		metric.WithDescription("Total utterances discarded as noise."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DialogErrors, err = m.Int64Counter("voicegw.dialog.errors",
		metric.WithDescription("Total failed dialog service round-trips."),
	); err != nil {
		return nil, err
	}
	if met.TTSErrors, err = m.Int64Counter("voicegw.tts.errors",
		metric.WithDescription("Total failed TTS engine requests."),
	); err != nil {
		return nil, err
	}
	if met.WebhookErrors, err = m.Int64Counter("voicegw.webhook.errors",
		metric.WithDescription("Total failed call-event webhook deliveries."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voicegw.active_calls",
		metric.WithDescription("Number of live calls."),
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

// RecordCall records a call outcome.
func (m *Metrics) RecordCall(ctx context.Context, outcome string) {
	m.Calls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordChunk records what became of a speech chunk.
func (m *Metrics) RecordChunk(ctx context.Context, fate string) {
	m.Chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("fate", fate)))
}

// RecordCacheLookup records a TTS cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
