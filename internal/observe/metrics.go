// Package observe provides application-wide observability primitives for
// minute: OpenTelemetry metrics, tracing helpers, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all minute metrics.
const meterName = "github.com/minutehq/minute"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscriptionDuration tracks one speech-to-text call.
	TranscriptionDuration metric.Float64Histogram

	// DiarizationDuration tracks one full diarization run, upload included.
	DiarizationDuration metric.Float64Histogram

	// FinalizeDuration tracks post-meeting merge + conversion + upload.
	FinalizeDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// AudioFrames counts binary audio frames received over websockets.
	AudioFrames metric.Int64Counter

	// FinalSegments counts emitted final transcript segments. Use with
	// attribute.String("reason", ...) — silence, punctuation, timeout,
	// stability, sentence_complete, flush.
	FinalSegments metric.Int64Counter

	// DroppedDuplicates counts text dropped by the deduplication pipeline.
	// Use with attribute.String("stage", ...) — deny_list, overlap, hash,
	// ngram, similarity.
	DroppedDuplicates metric.Int64Counter

	// ChunksPersisted counts recorder chunks written to storage.
	ChunksPersisted metric.Int64Counter

	// RecordingBytes counts PCM bytes persisted by the recorder.
	RecordingBytes metric.Int64Counter

	// AlignedSegments counts alignment outcomes. Use with
	// attribute.String("state", ...) — confident, uncertain, overlap,
	// unknown_speaker.
	AlignedSegments metric.Int64Counter

	// ProviderRequests counts outbound provider API calls. Use with
	// attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures by provider and kind.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveRecorders tracks the number of open meeting recorders.
	ActiveRecorders metric.Int64UpDownCounter

	// InFlightTranscriptions tracks concurrent speech-to-text calls.
	InFlightTranscriptions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// transcription round trips and finalization runs.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("minute.transcription.duration",
		metric.WithDescription("Latency of one speech-to-text call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DiarizationDuration, err = m.Float64Histogram("minute.diarization.duration",
		metric.WithDescription("Latency of one full diarization run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinalizeDuration, err = m.Float64Histogram("minute.finalize.duration",
		metric.WithDescription("Latency of post-meeting merge, conversion, and upload."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("minute.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFrames, err = m.Int64Counter("minute.audio.frames",
		metric.WithDescription("Binary audio frames received over websockets."),
	); err != nil {
		return nil, err
	}
	if met.FinalSegments, err = m.Int64Counter("minute.transcript.finals",
		metric.WithDescription("Final transcript segments emitted, by reason."),
	); err != nil {
		return nil, err
	}
	if met.DroppedDuplicates, err = m.Int64Counter("minute.transcript.dropped_duplicates",
		metric.WithDescription("Transcript text dropped by deduplication, by stage."),
	); err != nil {
		return nil, err
	}
	if met.ChunksPersisted, err = m.Int64Counter("minute.recording.chunks",
		metric.WithDescription("Recorder chunks written to storage."),
	); err != nil {
		return nil, err
	}
	if met.RecordingBytes, err = m.Int64Counter("minute.recording.bytes",
		metric.WithDescription("PCM bytes persisted by the recorder."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AlignedSegments, err = m.Int64Counter("minute.alignment.segments",
		metric.WithDescription("Speaker-aligned segments, by state."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("minute.provider.requests",
		metric.WithDescription("Provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("minute.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("minute.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecorders, err = m.Int64UpDownCounter("minute.active_recorders",
		metric.WithDescription("Number of open meeting recorders."),
	); err != nil {
		return nil, err
	}
	if met.InFlightTranscriptions, err = m.Int64UpDownCounter("minute.transcription.in_flight",
		metric.WithDescription("Concurrent speech-to-text calls."),
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

// RecordFinal records one emitted final segment with its trigger reason.
func (m *Metrics) RecordFinal(ctx context.Context, reason string) {
	m.FinalSegments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordDrop records text dropped by a deduplication stage.
func (m *Metrics) RecordDrop(ctx context.Context, stage string) {
	m.DroppedDuplicates.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordAligned records one alignment outcome.
func (m *Metrics) RecordAligned(ctx context.Context, state string) {
	m.AlignedSegments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
