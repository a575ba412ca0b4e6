// Package observe provides application-wide observability primitives for
// voxlive: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxlive metrics.
const meterName = "github.com/MrWong99/voxlive"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long opening a session takes, from the
	// connect command to the service acknowledgement.
	ConnectDuration metric.Float64Histogram

	// PlaybackLead tracks how far in the future each inbound chunk was
	// scheduled relative to the output clock. Zero means the queue had run
	// dry and the chunk started immediately.
	PlaybackLead metric.Float64Histogram

	// --- Counters ---

	// CaptureFrames counts microphone frames. Use with attribute:
	//   attribute.String("status", "sent"|"dropped"|"no_session"|"send_error")
	CaptureFrames metric.Int64Counter

	// PlaybackChunks counts decoded inbound audio chunks handed to the
	// output device. Use with attribute:
	//   attribute.String("status", "scheduled"|"rejected")
	PlaybackChunks metric.Int64Counter

	// Interruptions counts barge-in events. Use with attribute:
	//   attribute.String("reason", ...)
	Interruptions metric.Int64Counter

	// SessionConnects counts connect attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	SessionConnects metric.Int64Counter

	// --- Error counters ---

	// DecodeErrors counts inbound chunks dropped because they could not be
	// decoded. Use with attribute:
	//   attribute.String("kind", "malformed"|"odd_length"|"schedule")
	DecodeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected sessions.
	ActiveSessions metric.Int64UpDownCounter

	// InFlightSources tracks the number of scheduled playback buffers that
	// have not yet finished or been stopped.
	InFlightSources metric.Int64UpDownCounter

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

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voxlive.session.connect.duration",
		metric.WithDescription("Latency of opening a conversational session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("voxlive.playback.lead",
		metric.WithDescription("Time between chunk arrival and its scheduled playback start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("voxlive.capture.frames",
		metric.WithDescription("Total microphone frames by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("voxlive.playback.chunks",
		metric.WithDescription("Total decoded inbound audio chunks handed to the output device."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxlive.playback.interruptions",
		metric.WithDescription("Total playback interruptions by reason."),
	); err != nil {
		return nil, err
	}
	if met.SessionConnects, err = m.Int64Counter("voxlive.session.connects",
		metric.WithDescription("Total session connect attempts by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeErrors, err = m.Int64Counter("voxlive.playback.decode_errors",
		metric.WithDescription("Total inbound chunks dropped by failure kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlive.active_sessions",
		metric.WithDescription("Number of connected sessions."),
	); err != nil {
		return nil, err
	}
	if met.InFlightSources, err = m.Int64UpDownCounter("voxlive.playback.in_flight",
		metric.WithDescription("Number of scheduled playback buffers not yet finished."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlive.http.request.duration",
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

// RecordCaptureFrame records one microphone frame with the given outcome.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, status string) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPlaybackChunk records one decoded chunk with the device's verdict.
func (m *Metrics) RecordPlaybackChunk(ctx context.Context, status string) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordDecodeError records one inbound chunk that could not be decoded.
func (m *Metrics) RecordDecodeError(ctx context.Context, kind string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordInterruption records one interruption.
func (m *Metrics) RecordInterruption(ctx context.Context, reason string) {
	m.Interruptions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionConnect records one connect attempt.
func (m *Metrics) RecordSessionConnect(ctx context.Context, status string) {
	m.SessionConnects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
