package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q: expected Sum[int64], got %T", name, m.Data)
	}
	want := attribute.NewSet(attrs...)
	var total int64
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			total += dp.Value
		}
	}
	return total
}

func TestSessionLifecycleCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionStarted(ctx, "wav")
	m.RecordSessionStarted(ctx, "wav")
	m.RecordSessionEnded(ctx, "wav", OutcomeCompleted, true)
	m.RecordSessionEnded(ctx, "mp3", OutcomeFailed, false)

	rm := collect(t, reader)

	if got := sumFor(t, rm, "micrec.sessions.started", attribute.String("format", "wav")); got != 2 {
		t.Errorf("sessions.started: expected 2, got %d", got)
	}
	if got := sumFor(t, rm, "micrec.sessions.active", attribute.String("format", "wav")); got != 1 {
		t.Errorf("sessions.active: expected 1, got %d", got)
	}
	ended := sumFor(t, rm, "micrec.sessions.ended",
		attribute.String("format", "mp3"), attribute.String("outcome", OutcomeFailed))
	if ended != 1 {
		t.Errorf("sessions.ended{mp3,failed}: expected 1, got %d", ended)
	}
}

func TestFrameCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		m.RecordFrameEncoded(ctx, "ogg")
	}
	m.RecordFramesDropped(ctx, "portaudio", 3)
	m.RecordFramesDropped(ctx, "portaudio", 0)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "micrec.frames.encoded", attribute.String("format", "ogg")); got != 10 {
		t.Errorf("frames.encoded: expected 10, got %d", got)
	}
	if got := sumFor(t, rm, "micrec.frames.dropped", attribute.String("backend", "portaudio")); got != 3 {
		t.Errorf("frames.dropped: expected 3, got %d", got)
	}
}

func TestFinishDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordFinishDuration(context.Background(), "mp3", 250*time.Millisecond)

	rm := collect(t, reader)
	found := findMetric(rm, "micrec.encoder.finish.duration")
	if found == nil {
		t.Fatal("finish duration metric not found")
	}
	hist, ok := found.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", found.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("expected one observation, got %+v", hist.DataPoints)
	}
	if hist.DataPoints[0].Sum != 0.25 {
		t.Errorf("expected sum 0.25, got %v", hist.DataPoints[0].Sum)
	}
}

func TestDefaultMetricsIsShared(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics should return the same instance")
	}
}
