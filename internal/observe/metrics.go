// Package observe provides application-wide observability primitives for
// mouthpiece: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] and served by [MetricsHandler]
// on the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all mouthpiece metrics.
const meterName = "github.com/MrWong99/mouthpiece"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms ---

	// DeviceOpenDuration tracks how long opening an audio device takes. Use
	// with attribute.String("kind", "playback"|"capture").
	DeviceOpenDuration metric.Float64Histogram

	// TransportDialDuration tracks backend socket dial latency.
	TransportDialDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureFrames counts PCM frames produced by the capture encoder.
	CaptureFrames metric.Int64Counter

	// PlaybackChunks counts inbound audio chunks. Use with attribute:
	//   attribute.String("status", "ok"|"malformed"|"error")
	PlaybackChunks metric.Int64Counter

	// TransportMessages counts socket messages. Use with attributes:
	//   attribute.String("direction", "in"|"out"), attribute.String("type", ...)
	TransportMessages metric.Int64Counter

	// TransportReconnects counts reconnect attempts.
	TransportReconnects metric.Int64Counter

	// TransportDroppedFrames counts capture frames dropped on a full outbox.
	TransportDroppedFrames metric.Int64Counter

	// DeviceBreakerTransitions counts device circuit breaker state changes.
	// Use with attribute.String("breaker", ...), attribute.String("state", ...).
	DeviceBreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// LevelSubscribers tracks connected lip-sync level feed clients.
	LevelSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for device
// and network setup latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.DeviceOpenDuration, err = m.Float64Histogram("mouthpiece.device.open.duration",
		metric.WithDescription("Latency of opening an audio device."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TransportDialDuration, err = m.Float64Histogram("mouthpiece.transport.dial.duration",
		metric.WithDescription("Latency of dialling the backend socket."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("mouthpiece.capture.frames",
		metric.WithDescription("Total PCM frames produced by the capture encoder."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("mouthpiece.playback.chunks",
		metric.WithDescription("Total inbound audio chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.TransportMessages, err = m.Int64Counter("mouthpiece.transport.messages",
		metric.WithDescription("Total socket messages by direction and type."),
	); err != nil {
		return nil, err
	}
	if met.TransportReconnects, err = m.Int64Counter("mouthpiece.transport.reconnects",
		metric.WithDescription("Total backend reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.TransportDroppedFrames, err = m.Int64Counter("mouthpiece.transport.dropped_frames",
		metric.WithDescription("Capture frames dropped because the outbox was full."),
	); err != nil {
		return nil, err
	}

	if met.DeviceBreakerTransitions, err = m.Int64Counter("mouthpiece.device.breaker.transitions",
		metric.WithDescription("Device circuit breaker state changes by target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.LevelSubscribers, err = m.Int64UpDownCounter("mouthpiece.lipsync.subscribers",
		metric.WithDescription("Number of connected level feed clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("mouthpiece.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// PlaybackSnapshot is the state sampled by the playback observers on every
// collection.
type PlaybackSnapshot struct {
	Buffered  int64
	Played    uint64
	Underruns uint64
	Malformed uint64
	Level     float64
}

// ObservePlayback registers asynchronous instruments that sample fn on every
// metrics collection. Unregister the returned registration on shutdown.
func (m *Metrics) ObservePlayback(fn func() PlaybackSnapshot) (metric.Registration, error) {
	buffered, err := m.meter.Int64ObservableGauge("mouthpiece.playback.buffered_samples",
		metric.WithDescription("Samples queued for playback but not yet rendered."),
	)
	if err != nil {
		return nil, err
	}
	played, err := m.meter.Int64ObservableCounter("mouthpiece.playback.played_samples",
		metric.WithDescription("Total samples handed to the output device."),
	)
	if err != nil {
		return nil, err
	}
	underruns, err := m.meter.Int64ObservableCounter("mouthpiece.playback.underruns",
		metric.WithDescription("Render blocks in which the playback queue ran dry."),
	)
	if err != nil {
		return nil, err
	}
	malformed, err := m.meter.Int64ObservableCounter("mouthpiece.playback.malformed_chunks",
		metric.WithDescription("Chunks dropped by the sink because they could not be decoded."),
	)
	if err != nil {
		return nil, err
	}
	level, err := m.meter.Float64ObservableGauge("mouthpiece.envelope.level",
		metric.WithDescription("Most recent lip-sync envelope level in [0, 1]."),
	)
	if err != nil {
		return nil, err
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := fn()
		o.ObserveInt64(buffered, s.Buffered)
		o.ObserveInt64(played, int64(s.Played))
		o.ObserveInt64(underruns, int64(s.Underruns))
		o.ObserveInt64(malformed, int64(s.Malformed))
		o.ObserveFloat64(level, s.Level)
		return nil
	}, buffered, played, underruns, malformed, level)
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

// RecordMessage counts one socket message.
func (m *Metrics) RecordMessage(ctx context.Context, direction, msgType string) {
	m.TransportMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("type", msgType),
		),
	)
}

// RecordChunk counts one inbound audio chunk with its outcome.
func (m *Metrics) RecordChunk(ctx context.Context, status string) {
	m.PlaybackChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordDeviceOpen records a device open latency in seconds.
func (m *Metrics) RecordDeviceOpen(ctx context.Context, kind string, seconds float64) {
	m.DeviceOpenDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
