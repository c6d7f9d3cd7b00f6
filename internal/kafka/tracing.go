package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"safeconsume/internal/consume"
	"safeconsume/internal/consume/tracing"
)

// TracedBroker wraps a consume.Broker with distributed tracing
// Layer order: TracedBroker -> MetricsBroker -> broker (real thing)
type TracedBroker struct {
	broker consume.Broker
	tracer *tracing.Tracer
}

// NewTracedBroker creates a new traced broker
func NewTracedBroker(broker consume.Broker, tracer *tracing.Tracer) consume.Broker {
	return &TracedBroker{
		broker: broker,
		tracer: tracer,
	}
}

// Subscribe implements consume.Broker.Subscribe
func (b *TracedBroker) Subscribe(ctx context.Context, listener consume.RebalanceListener) error {
	return b.broker.Subscribe(ctx, listener)
}

// Poll implements consume.Broker.Poll with distributed tracing
func (b *TracedBroker) Poll(ctx context.Context, partitions []consume.PartitionKey) ([]consume.Message, error) {
	ctx, span := b.tracer.StartSpan(ctx, "broker.poll", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(b.tracer.PartitionsAttributes(partitions)...)

	msgs, err := b.broker.Poll(ctx, partitions)

	span.SetAttributes(attribute.Int("messaging.batch.message_count", len(msgs)))
	b.tracer.End(ctx, span, err)

	return msgs, err
}

// CommitOffsets implements consume.Broker.CommitOffsets with distributed tracing
func (b *TracedBroker) CommitOffsets(ctx context.Context, offsets map[consume.PartitionKey]int64) error {
	ctx, span := b.tracer.StartSpan(ctx, "broker.commit", trace.WithSpanKind(trace.SpanKindClient))

	ps := make([]consume.PartitionKey, 0, len(offsets))
	for p := range offsets {
		ps = append(ps, p)
	}
	consume.SortPartitions(ps)
	span.SetAttributes(b.tracer.PartitionsAttributes(ps)...)

	err := b.broker.CommitOffsets(ctx, offsets)

	b.tracer.End(ctx, span, err)

	return err
}

// Committed implements consume.Broker.Committed with distributed tracing
func (b *TracedBroker) Committed(ctx context.Context, partitions []consume.PartitionKey) (map[consume.PartitionKey]int64, error) {
	ctx, span := b.tracer.StartSpan(ctx, "broker.committed", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(b.tracer.PartitionsAttributes(partitions)...)

	offsets, err := b.broker.Committed(ctx, partitions)

	b.tracer.End(ctx, span, err)

	return offsets, err
}

// Pause implements consume.Broker.Pause
func (b *TracedBroker) Pause(partitions ...consume.PartitionKey) {
	b.broker.Pause(partitions...)
}

// Resume implements consume.Broker.Resume
func (b *TracedBroker) Resume(partitions ...consume.PartitionKey) {
	b.broker.Resume(partitions...)
}

// Close implements consume.Broker.Close
func (b *TracedBroker) Close() error {
	return b.broker.Close()
}
