package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

func TestInitProvider_ServesMetrics(t *testing.T) {
	p, err := InitProvider(context.Background(), ProviderConfig{SkipGlobal: true, ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := NewMetrics(p.MeterProvider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordPlayback(context.Background(), 0.5, "ok")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{"autokj_playback_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestProvider_ShutdownTwice(t *testing.T) {
	p, err := InitProvider(context.Background(), ProviderConfig{SkipGlobal: true})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	// The SDK reports a second shutdown as an error; it must not panic.
	_ = p.Shutdown(context.Background())
}

func TestInitProvider_DeviceAttributes(t *testing.T) {
	p, err := InitProvider(context.Background(), ProviderConfig{
		SkipGlobal: true,
		Attributes: []attribute.KeyValue{attribute.String("autokj.capture_device", "hw:USB")},
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := NewMetrics(p.MeterProvider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordProcessExit(context.Background(), "jackd")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	// The exporter publishes resource attributes on target_info.
	if !strings.Contains(string(body), `autokj_capture_device="hw:USB"`) {
		t.Errorf("target_info missing capture device attribute:\n%s", body)
	}
}

func TestSampler(t *testing.T) {
	t.Parallel()

	for ratio, want := range map[float64]string{
		0:    "ParentBased{root:AlwaysOnSampler",
		1:    "ParentBased{root:AlwaysOnSampler",
		0.25: "ParentBased{root:TraceIDRatioBased{0.25}",
	} {
		if got := sampler(ratio).Description(); !strings.HasPrefix(got, want) {
			t.Errorf("sampler(%v) = %q, want prefix %q", ratio, got, want)
		}
	}
}

// resource.Merge rejects two different non-empty schema URLs, so the semconv
// package must track the SDK's default resource.
func TestInitProvider_SemconvMatchesSDK(t *testing.T) {
	t.Parallel()

	if got, want := semconv.SchemaURL, resource.Default().SchemaURL(); got != want {
		t.Fatalf("semconv schema = %s, SDK default resource schema = %s", got, want)
	}
	p, err := InitProvider(context.Background(), ProviderConfig{
		SkipGlobal:     true,
		ServiceVersion: "v0.0.0-test",
		Attributes:     []attribute.KeyValue{attribute.String("autokj.playback_device", "hw:0")},
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	_ = p.Shutdown(context.Background())
}
