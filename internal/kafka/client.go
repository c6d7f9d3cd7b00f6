// Package kafka adapts a franz-go consumer group client to consume.Broker.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kzap"
	"go.uber.org/zap"

	"safeconsume/internal/consume"
	"safeconsume/internal/validator"
)

type Config struct {
	Brokers          []string      `env:"BROKERS" envDefault:"localhost:9092" envSeparator:","`
	Group            string        `env:"GROUP" envDefault:"safeconsume"`
	Topics           []string      `env:"TOPICS" envDefault:"orders" envSeparator:","`
	ClientID         string        `env:"CLIENT_ID" envDefault:"safeconsume"`
	MaxPollRecords   int           `env:"MAX_POLL_RECORDS" envDefault:"500"`
	PollTimeout      time.Duration `env:"POLL_TIMEOUT" envDefault:"1s"`
	SessionTimeout   time.Duration `env:"SESSION_TIMEOUT" envDefault:"45s"`
	RebalanceTimeout time.Duration `env:"REBALANCE_TIMEOUT" envDefault:"60s"`
	// ResetToEarliest starts partitions without a committed offset at the
	// log start instead of the log end.
	ResetToEarliest bool `env:"RESET_TO_EARLIEST" envDefault:"true"`
}

// Client is a consume.Broker backed by a franz-go consumer group. Offsets
// are committed only through CommitOffsets; autocommit is disabled.
type Client struct {
	client *kgo.Client
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	listener consume.RebalanceListener
	assigned map[consume.PartitionKey]bool
	// buffered holds records fetched for assigned partitions the caller did
	// not ask for in the Poll that fetched them.
	buffered map[consume.PartitionKey][]consume.Message
}

var _ consume.Broker = (*Client)(nil)

func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	c := Client{
		config:   config,
		logger:   logger,
		assigned: make(map[consume.PartitionKey]bool),
		buffered: make(map[consume.PartitionKey][]consume.Message),
	}

	if err := validator.Validate("kafka client", c.config.Brokers, c.config.Group, c.config.Topics, c.logger); err != nil {
		return nil, fmt.Errorf("failed to validate kafka client deps: %w", err)
	}
	if c.config.MaxPollRecords <= 0 {
		c.config.MaxPollRecords = 500
	}
	if c.config.PollTimeout <= 0 {
		c.config.PollTimeout = time.Second
	}

	c.logger = c.logger.Named("kafka")

	reset := kgo.NewOffset().AtEnd()
	if c.config.ResetToEarliest {
		reset = kgo.NewOffset().AtStart()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(c.config.Brokers...),
		kgo.ConsumerGroup(c.config.Group),
		kgo.ConsumeTopics(c.config.Topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(reset),
		kgo.WithLogger(kzap.New(c.logger)),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onLost),
	}
	if c.config.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.config.ClientID))
	}
	if c.config.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(c.config.SessionTimeout))
	}
	if c.config.RebalanceTimeout > 0 {
		opts = append(opts, kgo.RebalanceTimeout(c.config.RebalanceTimeout))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	c.client = client

	return &c, nil
}

// Ping checks that at least one seed broker answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping kafka: %w", err)
	}
	return nil
}

func (c *Client) Subscribe(_ context.Context, listener consume.RebalanceListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listener = listener

	return nil
}

func (c *Client) currentListener() consume.RebalanceListener {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.listener
}

func (c *Client) onAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	ps := partitionKeys(assigned)

	c.mu.Lock()
	for _, p := range ps {
		c.assigned[p] = true
	}
	c.mu.Unlock()

	if l := c.currentListener(); l != nil {
		l.OnAssigned(ctx, ps)
	}
}

func (c *Client) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	ps := partitionKeys(revoked)
	c.release(ps)

	if l := c.currentListener(); l != nil {
		l.OnRevoked(ctx, ps)
	}
}

func (c *Client) onLost(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
	ps := partitionKeys(lost)
	c.release(ps)

	if l := c.currentListener(); l != nil {
		l.OnLost(ctx, ps)
	}
}

// release forgets ps and lifts their fetch pauses, which franz-go would
// otherwise keep across a later reassignment.
func (c *Client) release(ps []consume.PartitionKey) {
	c.mu.Lock()
	for _, p := range ps {
		delete(c.assigned, p)
		delete(c.buffered, p)
	}
	c.mu.Unlock()

	c.client.ResumeFetchPartitions(byTopic(ps))
}

// Poll returns buffered records of the requested partitions first and
// otherwise fetches, waiting at most PollTimeout.
func (c *Client) Poll(ctx context.Context, partitions []consume.PartitionKey) ([]consume.Message, error) {
	want := make(map[consume.PartitionKey]bool, len(partitions))
	for _, p := range partitions {
		want[p] = true
	}

	if out := c.takeBuffered(want); len(out) > 0 {
		return out, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.config.PollTimeout)
	fetches := c.client.PollRecords(pollCtx, c.config.MaxPollRecords)
	cancel()

	if fetches.IsClientClosed() {
		return nil, consume.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		c.logger.Warn("fetch error",
			zap.String("topic", topic),
			zap.Int32("partition", partition),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("fetch %s/%d: %w", topic, partition, err))
	})

	var out []consume.Message

	c.mu.Lock()
	fetches.EachRecord(func(r *kgo.Record) {
		msg := toMessage(r)
		p := msg.PartitionKey()
		switch {
		case want[p]:
			out = append(out, msg)
		case c.assigned[p]:
			c.buffered[p] = append(c.buffered[p], msg)
		}
	})
	c.mu.Unlock()

	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return out, nil
}

func (c *Client) takeBuffered(want map[consume.PartitionKey]bool) []consume.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []consume.Message
	for p, msgs := range c.buffered {
		if !want[p] {
			continue
		}
		out = append(out, msgs...)
		delete(c.buffered, p)
	}

	return out
}

func (c *Client) CommitOffsets(ctx context.Context, offsets map[consume.PartitionKey]int64) error {
	var result error
	c.client.CommitOffsetsSync(ctx, epochOffsets(offsets), func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		result = commitResult(resp, err)
	})

	return result
}

func (c *Client) Committed(ctx context.Context, partitions []consume.PartitionKey) (map[consume.PartitionKey]int64, error) {
	req := kmsg.NewPtrOffsetFetchRequest()
	req.Group = c.config.Group
	for topic, ps := range byTopic(partitions) {
		reqTopic := kmsg.NewOffsetFetchRequestTopic()
		reqTopic.Topic = topic
		reqTopic.Partitions = ps
		req.Topics = append(req.Topics, reqTopic)
	}

	resp, err := req.RequestWith(ctx, c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch committed offsets: %w", err)
	}

	return committedOffsets(resp, partitions)
}

func (c *Client) Pause(partitions ...consume.PartitionKey) {
	c.client.PauseFetchPartitions(byTopic(partitions))
}

func (c *Client) Resume(partitions ...consume.PartitionKey) {
	c.client.ResumeFetchPartitions(byTopic(partitions))
}

// Close leaves the group. franz-go revokes the assignment first, so the
// listener gets a last chance to commit.
func (c *Client) Close() error {
	c.client.Close()
	return nil
}

func toMessage(r *kgo.Record) consume.Message {
	var headers map[string]string
	if len(r.Headers) > 0 {
		headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			headers[h.Key] = string(h.Value)
		}
	}

	return consume.Message{
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   headers,
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
	}
}

func partitionKeys(m map[string][]int32) []consume.PartitionKey {
	var ps []consume.PartitionKey
	for topic, partitions := range m {
		for _, partition := range partitions {
			ps = append(ps, consume.PartitionKey{Topic: topic, Partition: partition})
		}
	}
	consume.SortPartitions(ps)

	return ps
}

func byTopic(ps []consume.PartitionKey) map[string][]int32 {
	out := make(map[string][]int32)
	for _, p := range ps {
		out[p.Topic] = append(out[p.Topic], p.Partition)
	}

	return out
}

func epochOffsets(offsets map[consume.PartitionKey]int64) map[string]map[int32]kgo.EpochOffset {
	out := make(map[string]map[int32]kgo.EpochOffset)
	for p, offset := range offsets {
		if out[p.Topic] == nil {
			out[p.Topic] = make(map[int32]kgo.EpochOffset)
		}
		out[p.Topic][p.Partition] = kgo.EpochOffset{Epoch: -1, Offset: offset}
	}

	return out
}

// commitResult maps an OffsetCommit response to a *consume.CommitError
// listing every rejected partition.
func commitResult(resp *kmsg.OffsetCommitResponse, err error) error {
	if err != nil {
		return &consume.CommitError{Err: err}
	}

	failed := make(map[consume.PartitionKey]error)
	for _, topic := range resp.Topics {
		for _, partition := range topic.Partitions {
			if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
				failed[consume.PartitionKey{Topic: topic.Topic, Partition: partition.Partition}] = err
			}
		}
	}
	if len(failed) > 0 {
		return &consume.CommitError{Failed: failed}
	}

	return nil
}

func committedOffsets(resp *kmsg.OffsetFetchResponse, partitions []consume.PartitionKey) (map[consume.PartitionKey]int64, error) {
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		return nil, fmt.Errorf("failed to fetch committed offsets: %w", err)
	}

	out := make(map[consume.PartitionKey]int64, len(partitions))
	for _, p := range partitions {
		out[p] = consume.NoOffset
	}

	for _, topic := range resp.Topics {
		for _, partition := range topic.Partitions {
			if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
				return nil, fmt.Errorf("failed to fetch committed offset of %s/%d: %w", topic.Topic, partition.Partition, err)
			}
			offset := partition.Offset
			if offset < 0 {
				offset = consume.NoOffset
			}
			out[consume.PartitionKey{Topic: topic.Topic, Partition: partition.Partition}] = offset
		}
	}

	return out, nil
}
