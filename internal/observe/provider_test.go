package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

func newTestProvider(t *testing.T, addr string) *Provider {
	t.Helper()
	prev := otel.GetMeterProvider()
	p, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		MetricsAddr:    addr,
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() {
		_ = p.Shutdown(context.Background())
		otel.SetMeterProvider(prev)
	})
	return p
}

func TestInitProviderRegistersGlobal(t *testing.T) {
	p := newTestProvider(t, "")

	if otel.GetMeterProvider() != p.MeterProvider() {
		t.Error("expected provider to be installed globally")
	}
	if p.Addr() != nil {
		t.Errorf("expected no metrics server, got %s", p.Addr())
	}

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordSessionStarted(context.Background(), "wav")
	m.RecordFrameEncoded(context.Background(), "wav")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"micrec_sessions_started", "micrec_frames_encoded", `format="wav"`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in exposition:\n%s", want, body)
		}
	}
}

func TestInitProviderServesMetrics(t *testing.T) {
	p := newTestProvider(t, "127.0.0.1:0")
	if p.Addr() == nil {
		t.Fatal("expected metrics server address")
	}

	m, err := NewMetrics(p.MeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordFramesDropped(context.Background(), "portaudio", 3)

	resp, err := http.Get("http://" + p.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), "micrec_frames_dropped") {
		t.Errorf("expected dropped frames in exposition:\n%s", data)
	}
}

func TestInitProviderBadAddress(t *testing.T) {
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	if _, err := InitProvider(context.Background(), ProviderConfig{MetricsAddr: "256.0.0.1:-1", Logger: zerolog.Nop()}); err == nil {
		t.Fatal("expected listen error")
	}
	if otel.GetMeterProvider() != prev {
		t.Error("failed init must not replace the global provider")
	}
}
