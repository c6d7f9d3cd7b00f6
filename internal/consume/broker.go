package consume

import "context"

// Broker is the only boundary to Kafka. Committed offsets live inside the
// broker's own offsets store and are reached exclusively through this
// interface.
type Broker interface {
	// Subscribe registers the listener that is told about partition
	// assignment changes. It must be called before the first Poll.
	Subscribe(ctx context.Context, listener RebalanceListener) error

	// Poll returns the next batch of records for the given partitions.
	// Records already fetched for assigned partitions outside the list stay
	// buffered for a later Poll. An empty batch is not an error.
	Poll(ctx context.Context, partitions []PartitionKey) ([]Message, error)

	// CommitOffsets durably stores the next offset to consume per partition.
	// A rejection is reported as a *CommitError.
	CommitOffsets(ctx context.Context, offsets map[PartitionKey]int64) error

	// Committed returns the last committed offsets. Partitions without a
	// commit are reported as NoOffset.
	Committed(ctx context.Context, partitions []PartitionKey) (map[PartitionKey]int64, error)

	// Pause stops fetching for the given partitions until Resume.
	Pause(partitions ...PartitionKey)

	// Resume restarts fetching for previously paused partitions.
	Resume(partitions ...PartitionKey)

	// Close leaves the group and releases the connection.
	Close() error
}

// RebalanceListener receives partition assignment changes. Calls are serial
// and block the rebalance until they return.
type RebalanceListener interface {
	// OnAssigned is called with newly assigned partitions.
	OnAssigned(ctx context.Context, partitions []PartitionKey)

	// OnRevoked is called before partitions are handed to another member.
	// It is the last point at which offsets for them may be committed.
	OnRevoked(ctx context.Context, partitions []PartitionKey)

	// OnLost is called when partitions were taken away without a chance to
	// commit, e.g. after the group session expired.
	OnLost(ctx context.Context, partitions []PartitionKey)
}
