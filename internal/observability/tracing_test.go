package observability

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInitTracer_LazyConnection(t *testing.T) {
	// gRPC connections are lazy, so an unreachable collector does not fail init
	shutdown, err := InitTracer(context.Background(), "jobagent-test", "dev", "invalid-endpoint:9999")
	if err != nil {
		t.Logf("InitTracer failed in this environment: %v", err)
		return
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function to be non-nil")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_ = shutdown(shutdownCtx)
}

func TestExtractTrace_JoinsRemoteSpan(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "controller")
	defer span.End()

	carrier := InjectTrace(ctx)
	if carrier["traceparent"] == "" {
		t.Fatalf("expected traceparent header, got %v", carrier)
	}

	remote := trace.SpanContextFromContext(ExtractTrace(context.Background(), carrier))
	if !remote.IsRemote() {
		t.Error("expected extracted span context to be remote")
	}
	if remote.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("expected trace id %s, got %s", span.SpanContext().TraceID(), remote.TraceID())
	}
}

func TestExtractTrace_EmptyCarrier(t *testing.T) {
	type markerKey struct{}
	ctx := context.WithValue(context.Background(), markerKey{}, "marker")

	if got := ExtractTrace(ctx, nil); got != ctx {
		t.Error("expected context to be returned unchanged")
	}
}

func TestInjectTrace_NoSpan(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if carrier := InjectTrace(context.Background()); len(carrier) != 0 {
		t.Errorf("expected empty carrier, got %v", carrier)
	}
}
