package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"safeconsume/internal/consume"
)

func TestTracer_End(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tracer := NewTracerWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)), "test")

	ctx, span := tracer.StartSpan(context.Background(), "ok")
	tracer.End(ctx, span, nil)

	ctx, span = tracer.StartSpan(context.Background(), "failed")
	tracer.End(ctx, span, errors.New("boom"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", spans[0].Status())
	}
	if spans[1].Status().Code != codes.Error || spans[1].Status().Description != "boom" {
		t.Fatalf("expected error status, got %v", spans[1].Status())
	}
}

func TestTracer_MessageAttributes(t *testing.T) {
	tracer := NewTracerWithProvider(sdktrace.NewTracerProvider(), "test")

	attrs := tracer.MessageAttributes(consume.Message{Key: "order-1", Topic: "orders", Partition: 3, Offset: 42})

	got := map[string]any{}
	for _, a := range attrs {
		got[string(a.Key)] = a.Value.AsInterface()
	}
	if got["messaging.destination.name"] != "orders" {
		t.Fatalf("topic attribute: %v", got)
	}
	if got["messaging.destination.partition.id"] != int64(3) {
		t.Fatalf("partition attribute: %v", got)
	}
	if got["messaging.kafka.offset"] != int64(42) {
		t.Fatalf("offset attribute: %v", got)
	}
}

func TestNewTracer_Disabled(t *testing.T) {
	tracer, cleanup, err := NewTracer(Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, span := tracer.StartSpan(context.Background(), "noop")
	tracer.End(ctx, span, nil)
	if err := cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
