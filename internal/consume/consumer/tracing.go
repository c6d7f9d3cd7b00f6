package consumer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"safeconsume/internal/consume"
	"safeconsume/internal/consume/tracing"
)

// TracedHandler wraps a consume.Handler with a consumer span per attempt.
type TracedHandler struct {
	handler consume.Handler
	tracer  *tracing.Tracer
}

// NewTracedHandler creates a new traced handler
func NewTracedHandler(handler consume.Handler, tracer *tracing.Tracer) consume.Handler {
	return &TracedHandler{
		handler: handler,
		tracer:  tracer,
	}
}

// Handle implements consume.Handler.Handle with distributed tracing
func (h *TracedHandler) Handle(ctx context.Context, msg consume.Message) error {
	ctx, span := h.tracer.StartSpan(ctx, "consumer.handle", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(h.tracer.MessageAttributes(msg)...)
	span.SetAttributes(attribute.String("safeconsume.idempotency_key", msg.IdempotencyKey()))

	err := h.handler.Handle(ctx, msg)

	span.SetAttributes(
		attribute.Bool("safeconsume.recoverable", consume.IsRecoverable(err)),
		attribute.Bool("safeconsume.fatal", consume.IsFatal(err)),
	)
	h.tracer.End(ctx, span, err)

	return err
}
