// Package inmem is an in-process stand-in for a Kafka cluster: partitioned
// append-only logs, per-group committed offsets and explicit consumer group
// rebalances.
package inmem

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"safeconsume/internal/consume"
)

// Cluster holds the logs and committed offsets shared by every Broker
// opened on it.
type Cluster struct {
	mu        sync.Mutex
	topics    map[string]int32
	logs      map[consume.PartitionKey][]consume.Message
	committed map[string]map[consume.PartitionKey]int64
	notify    chan struct{}
}

func NewCluster() *Cluster {
	return &Cluster{
		topics:    make(map[string]int32),
		logs:      make(map[consume.PartitionKey][]consume.Message),
		committed: make(map[string]map[consume.PartitionKey]int64),
		notify:    make(chan struct{}),
	}
}

// CreateTopic creates topic with n partitions. Creating an existing topic is
// a no-op.
func (c *Cluster) CreateTopic(topic string, partitions int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[topic]; ok {
		return
	}
	c.topics[topic] = partitions
}

// Partitions lists the partitions of topic in order.
func (c *Cluster) Partitions(topic string) []consume.PartitionKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.partitionsLocked(topic)
}

func (c *Cluster) partitionsLocked(topic string) []consume.PartitionKey {
	n := c.topics[topic]
	ps := make([]consume.PartitionKey, 0, n)
	for i := int32(0); i < n; i++ {
		ps = append(ps, consume.PartitionKey{Topic: topic, Partition: i})
	}
	return ps
}

// Produce appends a record to the partition chosen by hashing key.
func (c *Cluster) Produce(topic, key string, value []byte, headers map[string]string) (consume.Message, error) {
	c.mu.Lock()
	n, ok := c.topics[topic]
	c.mu.Unlock()
	if !ok {
		return consume.Message{}, fmt.Errorf("unknown topic %s", topic)
	}

	p := consume.PartitionKey{Topic: topic, Partition: int32(xxhash.Sum64String(key) % uint64(n))}
	return c.ProduceTo(p, key, value, headers)
}

// ProduceTo appends a record to p and returns it with its assigned offset.
func (c *Cluster) ProduceTo(p consume.PartitionKey, key string, value []byte, headers map[string]string) (consume.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.topics[p.Topic]; !ok || p.Partition < 0 || p.Partition >= n {
		return consume.Message{}, fmt.Errorf("unknown partition %s", p)
	}

	msg := consume.Message{
		Key:       key,
		Value:     value,
		Headers:   headers,
		Topic:     p.Topic,
		Partition: p.Partition,
		Offset:    int64(len(c.logs[p])),
		Timestamp: time.Now().UTC(),
	}
	c.logs[p] = append(c.logs[p], msg)
	c.broadcastLocked()

	return msg, nil
}

// Committed returns the committed offset of group for p.
func (c *Cluster) Committed(group string, p consume.PartitionKey) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.committedLocked(group, p)
}

func (c *Cluster) committedLocked(group string, p consume.PartitionKey) int64 {
	if o, ok := c.committed[group][p]; ok {
		return o
	}
	return consume.NoOffset
}

func (c *Cluster) commitLocked(group string, p consume.PartitionKey, offset int64) {
	if c.committed[group] == nil {
		c.committed[group] = make(map[consume.PartitionKey]int64)
	}
	c.committed[group][p] = offset
}

// HighWatermark returns the offset the next record of p will get.
func (c *Cluster) HighWatermark(p consume.PartitionKey) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return int64(len(c.logs[p]))
}

// Lag returns, per partition of topic, how far group's commit is behind the
// log end.
func (c *Cluster) Lag(group, topic string) map[consume.PartitionKey]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	lag := make(map[consume.PartitionKey]int64)
	for _, p := range c.partitionsLocked(topic) {
		committed := c.committedLocked(group, p)
		if committed < 0 {
			committed = 0
		}
		lag[p] = int64(len(c.logs[p])) - committed
	}
	return lag
}

func (c *Cluster) fetchLocked(p consume.PartitionKey, from int64, max int) []consume.Message {
	log := c.logs[p]
	if from < 0 || from >= int64(len(log)) {
		return nil
	}
	end := from + int64(max)
	if end > int64(len(log)) {
		end = int64(len(log))
	}
	out := make([]consume.Message, end-from)
	copy(out, log[from:end])
	return out
}

// wait returns a channel closed on the next produce or rebalance.
func (c *Cluster) wait() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.notify
}

func (c *Cluster) broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.broadcastLocked()
}

func (c *Cluster) broadcastLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}
