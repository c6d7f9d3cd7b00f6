package kafka

import (
	"context"
	"time"

	"safeconsume/internal/consume"
	"safeconsume/internal/consume/metrics"
)

// MetricsBroker wraps a consume.Broker with metrics collection
type MetricsBroker struct {
	broker   consume.Broker
	registry *metrics.Registry
}

// NewMetricsBroker creates a new instrumented broker
func NewMetricsBroker(broker consume.Broker, registry *metrics.Registry) consume.Broker {
	return &MetricsBroker{
		broker:   broker,
		registry: registry,
	}
}

// Subscribe implements consume.Broker.Subscribe
func (b *MetricsBroker) Subscribe(ctx context.Context, listener consume.RebalanceListener) error {
	return b.broker.Subscribe(ctx, listener)
}

// Poll implements consume.Broker.Poll with metrics collection
func (b *MetricsBroker) Poll(ctx context.Context, partitions []consume.PartitionKey) ([]consume.Message, error) {
	start := time.Now()

	msgs, err := b.broker.Poll(ctx, partitions)

	b.registry.RecordBrokerOperation("poll", time.Since(start), err)

	return msgs, err
}

// CommitOffsets implements consume.Broker.CommitOffsets with metrics collection
func (b *MetricsBroker) CommitOffsets(ctx context.Context, offsets map[consume.PartitionKey]int64) error {
	start := time.Now()

	err := b.broker.CommitOffsets(ctx, offsets)

	b.registry.RecordBrokerOperation("commit", time.Since(start), err)

	return err
}

// Committed implements consume.Broker.Committed with metrics collection
func (b *MetricsBroker) Committed(ctx context.Context, partitions []consume.PartitionKey) (map[consume.PartitionKey]int64, error) {
	start := time.Now()

	offsets, err := b.broker.Committed(ctx, partitions)

	b.registry.RecordBrokerOperation("committed", time.Since(start), err)

	return offsets, err
}

// Pause implements consume.Broker.Pause
func (b *MetricsBroker) Pause(partitions ...consume.PartitionKey) {
	b.broker.Pause(partitions...)
}

// Resume implements consume.Broker.Resume
func (b *MetricsBroker) Resume(partitions ...consume.PartitionKey) {
	b.broker.Resume(partitions...)
}

// Close implements consume.Broker.Close with metrics collection
func (b *MetricsBroker) Close() error {
	start := time.Now()

	err := b.broker.Close()

	b.registry.RecordBrokerOperation("close", time.Since(start), err)

	return err
}
