package dedup

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"safeconsume/internal/consume"
	"safeconsume/internal/consume/tracing"
)

// TracedGuard wraps a consume.DedupGuard with distributed tracing
// Layer order: TracedGuard -> MetricsGuard -> guard (real thing)
type TracedGuard struct {
	guard  consume.DedupGuard
	tracer *tracing.Tracer
}

// NewTracedGuard creates a new traced guard
func NewTracedGuard(guard consume.DedupGuard, tracer *tracing.Tracer) consume.DedupGuard {
	return &TracedGuard{
		guard:  guard,
		tracer: tracer,
	}
}

// Seen implements consume.DedupGuard.Seen with distributed tracing
func (g *TracedGuard) Seen(ctx context.Context, key string) (bool, error) {
	ctx, span := g.tracer.StartSpan(ctx, "dedup.seen")
	span.SetAttributes(attribute.String("safeconsume.idempotency_key", key))

	seen, err := g.guard.Seen(ctx, key)

	span.SetAttributes(attribute.Bool("safeconsume.duplicate", seen))
	g.tracer.End(ctx, span, err)

	return seen, err
}

// Record implements consume.DedupGuard.Record with distributed tracing
func (g *TracedGuard) Record(ctx context.Context, key string, msg consume.Message) error {
	ctx, span := g.tracer.StartSpan(ctx, "dedup.record")
	span.SetAttributes(attribute.String("safeconsume.idempotency_key", key))
	span.SetAttributes(g.tracer.MessageAttributes(msg)...)

	err := g.guard.Record(ctx, key, msg)

	g.tracer.End(ctx, span, err)

	return err
}

// Claim implements consume.DedupGuard.Claim with distributed tracing
func (g *TracedGuard) Claim(ctx context.Context, key string) (bool, error) {
	ctx, span := g.tracer.StartSpan(ctx, "dedup.claim")
	span.SetAttributes(attribute.String("safeconsume.idempotency_key", key))

	claimed, err := g.guard.Claim(ctx, key)

	span.SetAttributes(attribute.Bool("safeconsume.claimed", claimed))
	g.tracer.End(ctx, span, err)

	return claimed, err
}

// Release implements consume.DedupGuard.Release with distributed tracing
func (g *TracedGuard) Release(ctx context.Context, key string) error {
	ctx, span := g.tracer.StartSpan(ctx, "dedup.release")
	span.SetAttributes(attribute.String("safeconsume.idempotency_key", key))

	err := g.guard.Release(ctx, key)

	g.tracer.End(ctx, span, err)

	return err
}

// Close implements consume.DedupGuard.Close
func (g *TracedGuard) Close() error {
	return g.guard.Close()
}
