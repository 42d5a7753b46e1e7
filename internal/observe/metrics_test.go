package observe

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the int64 sum data point whose attributes contain key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"mouthpiece.device.open.duration", m.DeviceOpenDuration},
		{"mouthpiece.transport.dial.duration", m.TransportDialDuration},
		{"mouthpiece.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordMessage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordMessage(ctx, "in", "tts_audio_chunk")
	m.RecordMessage(ctx, "in", "tts_audio_chunk")
	m.RecordMessage(ctx, "out", "audio_stream")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "mouthpiece.transport.messages", "type", "tts_audio_chunk"); got != 2 {
		t.Errorf("tts_audio_chunk count = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "mouthpiece.transport.messages", "direction", "out"); got != 1 {
		t.Errorf("outbound count = %d, want 1", got)
	}
}

func TestRecordChunk(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunk(ctx, "ok")
	m.RecordChunk(ctx, "ok")
	m.RecordChunk(ctx, "malformed")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "mouthpiece.playback.chunks", "status", "ok"); got != 2 {
		t.Errorf("ok chunks = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "mouthpiece.playback.chunks", "status", "malformed"); got != 1 {
		t.Errorf("malformed chunks = %d, want 1", got)
	}
}

func TestRecordDeviceOpen(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordDeviceOpen(context.Background(), "playback", 0.02)

	rm := collect(t, reader)
	met := findMetric(rm, "mouthpiece.device.open.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	if v, ok := hist.DataPoints[0].Attributes.Value("kind"); !ok || v.AsString() != "playback" {
		t.Errorf("kind attribute = %v, want playback", v)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CaptureFrames.Add(ctx, 3)
	m.TransportReconnects.Add(ctx, 1)
	m.TransportDroppedFrames.Add(ctx, 4)
	m.DeviceBreakerTransitions.Add(ctx, 1)
	m.LevelSubscribers.Add(ctx, 2)
	m.LevelSubscribers.Add(ctx, -1)

	rm := collect(t, reader)

	counters := []struct {
		name string
		want int64
	}{
		{"mouthpiece.capture.frames", 3},
		{"mouthpiece.transport.reconnects", 1},
		{"mouthpiece.transport.dropped_frames", 4},
		{"mouthpiece.device.breaker.transitions", 1},
		{"mouthpiece.lipsync.subscribers", 1},
	}

	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestObservePlayback(t *testing.T) {
	m, reader := newTestMetrics(t)

	snap := PlaybackSnapshot{Buffered: 960, Played: 48000, Underruns: 2, Malformed: 1, Level: 0.25}
	reg, err := m.ObservePlayback(func() PlaybackSnapshot { return snap })
	if err != nil {
		t.Fatalf("ObservePlayback: %v", err)
	}

	rm := collect(t, reader)

	buffered := findMetric(rm, "mouthpiece.playback.buffered_samples")
	if buffered == nil {
		t.Fatal("buffered_samples not found")
	}
	if g := buffered.Data.(metricdata.Gauge[int64]); g.DataPoints[0].Value != 960 {
		t.Errorf("buffered_samples = %d, want 960", g.DataPoints[0].Value)
	}
	underruns := findMetric(rm, "mouthpiece.playback.underruns")
	if underruns == nil {
		t.Fatal("underruns not found")
	}
	if s := underruns.Data.(metricdata.Sum[int64]); s.DataPoints[0].Value != 2 {
		t.Errorf("underruns = %d, want 2", s.DataPoints[0].Value)
	}
	level := findMetric(rm, "mouthpiece.envelope.level")
	if level == nil {
		t.Fatal("envelope.level not found")
	}
	if g := level.Data.(metricdata.Gauge[float64]); g.DataPoints[0].Value != 0.25 {
		t.Errorf("envelope.level = %v, want 0.25", g.DataPoints[0].Value)
	}

	if err := reg.Unregister(); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	rm = collect(t, reader)
	if met := findMetric(rm, "mouthpiece.envelope.level"); met != nil {
		if g := met.Data.(metricdata.Gauge[float64]); len(g.DataPoints) != 0 {
			t.Errorf("envelope.level still observed after Unregister: %v", g.DataPoints)
		}
	}
}

func TestMetricsHandler_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "mouthpiece_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mouthpiece_test_total 1") {
		t.Errorf("body missing counter:\n%s", rec.Body.String())
	}
}

func TestInitProvider_ExportsToRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", Registry: reg})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	counter, err := otel.GetMeterProvider().Meter("test").Int64Counter("provider_check")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	counter.Add(context.Background(), 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "provider_check") {
			return
		}
	}
	t.Error("counter not exported to the supplied registry")
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
