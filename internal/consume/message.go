package consume

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// PartitionKey identifies one partition of one topic.
type PartitionKey struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

func (p PartitionKey) String() string {
	return fmt.Sprintf("%s/%d", p.Topic, p.Partition)
}

// SortPartitions orders ps by topic, then partition.
func SortPartitions(ps []PartitionKey) {
	slices.SortFunc(ps, func(a, b PartitionKey) int {
		if c := cmp.Compare(a.Topic, b.Topic); c != 0 {
			return c
		}
		return cmp.Compare(a.Partition, b.Partition)
	})
}

// Message is a single record delivered by the broker.
type Message struct {
	Key       string            `json:"key"`
	Value     []byte            `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
	Topic     string            `json:"topic"`
	Partition int32             `json:"partition"`
	Offset    int64             `json:"offset"`
	Timestamp time.Time         `json:"timestamp"`
}

func (m Message) PartitionKey() PartitionKey {
	return PartitionKey{Topic: m.Topic, Partition: m.Partition}
}

// IdempotencyKey returns the business key used for deduplication. The
// IdempotencyHeader wins over the record key; records with neither fall back
// to their log position.
func (m Message) IdempotencyKey() string {
	if k := m.Headers[IdempotencyHeader]; k != "" {
		return k
	}
	if m.Key != "" {
		return m.Key
	}
	return ReceiptKey(m.Topic, m.Partition, m.Offset)
}

// IdempotencyHeader is the record header producers may set to carry an
// idempotency key distinct from the partitioning key.
const IdempotencyHeader = "idempotency-key"
