package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"safeconsume/internal/consume"
)

// Config holds configuration parameters for OpenTelemetry tracing setup.
// This includes service identification, the OTLP endpoint, sampling configuration,
// and batch processing settings for trace delivery.
type Config struct {
	Enabled        bool          `env:"ENABLED" envDefault:"false"`
	ServiceName    string        `env:"SERVICE_NAME" envDefault:"safeconsume"`
	ServiceVersion string        `env:"SERVICE_VERSION" envDefault:"1.0.0"`
	Endpoint       string        `env:"ENDPOINT" envDefault:"localhost:4318"`
	SampleRate     float64       `env:"SAMPLE_RATE" envDefault:"1.0"`
	BatchTimeout   time.Duration `env:"BATCH_TIMEOUT" envDefault:"1s"`
	ExportTimeout  time.Duration `env:"EXPORT_TIMEOUT" envDefault:"30s"`
	MaxExportBatch int           `env:"MAX_EXPORT_BATCH" envDefault:"512"`
	MaxQueueSize   int           `env:"MAX_QUEUE_SIZE" envDefault:"2048"`
}

// Tracer wraps the OpenTelemetry tracer with convenience methods for consumer
// operations: span creation, error recording and partition/message attributes.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates and configures a new OpenTelemetry tracer with OTLP HTTP export.
// It sets up the tracer provider with batch processing and returns both the tracer
// and a cleanup function for graceful shutdown. A disabled config yields a
// tracer backed by the no-op provider.
func NewTracer(config Config) (*Tracer, func(context.Context) error, error) {
	if !config.Enabled {
		return NewTracerWithProvider(noop.NewTracerProvider(), config.ServiceName),
			func(context.Context) error { return nil },
			nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(config.Endpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(config.ExportTimeout),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	processor := sdktrace.NewBatchSpanProcessor(
		exporter,
		sdktrace.WithBatchTimeout(config.BatchTimeout),
		sdktrace.WithExportTimeout(config.ExportTimeout),
		sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
		sdktrace.WithMaxQueueSize(config.MaxQueueSize),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)

	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cleanup := func(ctx context.Context) error {
		// Force flush all pending spans before shutdown
		if err := tp.ForceFlush(ctx); err != nil {
			return fmt.Errorf("failed to flush traces: %w", err)
		}
		return tp.Shutdown(ctx)
	}

	return NewTracerWithProvider(tp, config.ServiceName), cleanup, nil
}

// NewTracerWithProvider builds a Tracer on an existing provider.
func NewTracerWithProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// StartSpan creates a new tracing span with the specified name and options.
func (t *Tracer) StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// RecordError records an error event on the active span and sets the span status to error.
func (t *Tracer) RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// End finishes span with a status derived from err.
func (t *Tracer) End(ctx context.Context, span trace.Span, err error) {
	if err != nil {
		t.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(t.ErrorAttributes(err)...)
	span.End()
}

// PartitionAttributes creates the standard attributes of a topic partition.
func (t *Tracer) PartitionAttributes(p consume.PartitionKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.destination.name", p.Topic),
		attribute.Int("messaging.destination.partition.id", int(p.Partition)),
	}
}

// MessageAttributes creates attributes for a single delivered message.
func (t *Tracer) MessageAttributes(msg consume.Message) []attribute.KeyValue {
	attrs := t.PartitionAttributes(msg.PartitionKey())
	return append(attrs,
		attribute.Int64("messaging.kafka.offset", msg.Offset),
		attribute.String("messaging.kafka.message.key", msg.Key),
	)
}

// PartitionsAttributes summarizes a set of partitions on a span.
func (t *Tracer) PartitionsAttributes(ps []consume.PartitionKey) []attribute.KeyValue {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		names = append(names, p.String())
	}
	return []attribute.KeyValue{
		attribute.Int("safeconsume.partition_count", len(ps)),
		attribute.StringSlice("safeconsume.partitions", names),
	}
}

// ErrorAttributes creates attributes based on error state.
func (t *Tracer) ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return []attribute.KeyValue{
			attribute.Bool("error", false),
		}
	}
	return []attribute.KeyValue{
		attribute.Bool("error", true),
		attribute.String("error.type", fmt.Sprintf("%T", err)),
		attribute.String("error.message", err.Error()),
	}
}
