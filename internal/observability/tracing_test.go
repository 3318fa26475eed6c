package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/trialgrid/crfengine/internal/config"
)

func TestInitTracing_disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false}, "crfd", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown func is nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown error = %v", err)
	}
}

func TestInitTracing_unsupportedExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), config.TracingConfig{
		Enabled:  true,
		Exporter: "jaeger-thrift",
	}, "crfd", "test")
	if err == nil {
		t.Fatal("unsupported exporter should error")
	}
	if !strings.Contains(err.Error(), "jaeger-thrift") {
		t.Errorf("error %q should name the exporter", err)
	}
}

func TestNewSampler_bounds(t *testing.T) {
	tests := []struct {
		name string
		rate float64
	}{
		{"zero defaults", 0},
		{"negative defaults", -1},
		{"ratio", 0.5},
		{"full", 1},
		{"clamped above one", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSampler(config.TracingConfig{SamplingRate: tt.rate})
			if s == nil {
				t.Fatal("sampler is nil")
			}
			if s.Description() == "" {
				t.Error("sampler has no description")
			}
		})
	}
}

func TestTraceIDFromContext_noSpan(t *testing.T) {
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext = %q, want empty without a span", got)
	}
}

func TestTraceIDFromContext_withSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	if got := TraceIDFromContext(ctx); len(got) != 32 {
		t.Errorf("TraceIDFromContext = %q, want 32 hex chars", got)
	}
}

func TestTracingMiddleware_passthrough(t *testing.T) {
	var sawRequest bool
	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRequest = true
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/rules", nil))

	if !sawRequest {
		t.Error("middleware swallowed the request")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418 passed through", rec.Code)
	}
}
