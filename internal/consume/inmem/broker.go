package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"safeconsume/internal/consume"
)

// BrokerConfig configures one consumer group member.
type BrokerConfig struct {
	Group string
	// Topics are assigned in full on the first Poll when no explicit
	// Rebalance happened before.
	Topics         []string
	MaxPollRecords int
	PollWait       time.Duration
}

// CommitHook can reject commits. Returning a *consume.CommitError rejects
// only the partitions it lists.
type CommitHook func(offsets map[consume.PartitionKey]int64) error

// Broker is one member of a consumer group on a Cluster. It implements
// consume.Broker.
type Broker struct {
	cluster *Cluster
	cfg     BrokerConfig

	// rebalanceMu keeps listener callbacks serial.
	rebalanceMu sync.Mutex

	mu         sync.Mutex
	listener   consume.RebalanceListener
	joined     bool
	owned      map[consume.PartitionKey]bool
	position   map[consume.PartitionKey]int64
	paused     map[consume.PartitionKey]bool
	commitHook CommitHook
	closed     bool
}

var _ consume.Broker = (*Broker)(nil)

func (c *Cluster) NewBroker(cfg BrokerConfig) *Broker {
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 100
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 50 * time.Millisecond
	}

	return &Broker{
		cluster:  c,
		cfg:      cfg,
		owned:    make(map[consume.PartitionKey]bool),
		position: make(map[consume.PartitionKey]int64),
		paused:   make(map[consume.PartitionKey]bool),
	}
}

func (b *Broker) Subscribe(_ context.Context, listener consume.RebalanceListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return consume.ErrClosed
	}
	b.listener = listener

	return nil
}

// SetCommitHook installs fault injection for commits.
func (b *Broker) SetCommitHook(hook CommitHook) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.commitHook = hook
}

// Rebalance moves this member to exactly the given assignment. Partitions
// leaving the assignment are revoked first, then new ones are assigned and
// start at the group's committed offset.
func (b *Broker) Rebalance(ctx context.Context, assignment []consume.PartitionKey) {
	b.rebalanceMu.Lock()
	defer b.rebalanceMu.Unlock()

	want := make(map[consume.PartitionKey]bool, len(assignment))
	for _, p := range assignment {
		want[p] = true
	}

	b.mu.Lock()
	b.joined = true
	listener := b.listener
	var revoked, added []consume.PartitionKey
	for p := range b.owned {
		if !want[p] {
			revoked = append(revoked, p)
		}
	}
	for p := range want {
		if !b.owned[p] {
			added = append(added, p)
		}
	}
	b.mu.Unlock()

	consume.SortPartitions(revoked)
	consume.SortPartitions(added)

	if len(revoked) > 0 {
		if listener != nil {
			listener.OnRevoked(ctx, revoked)
		}
		b.release(revoked)
	}

	if len(added) > 0 {
		b.mu.Lock()
		for _, p := range added {
			b.owned[p] = true
			b.position[p] = max(b.cluster.Committed(b.cfg.Group, p), 0)
		}
		b.mu.Unlock()

		if listener != nil {
			listener.OnAssigned(ctx, added)
		}
	}

	b.cluster.broadcast()
}

// Lose takes partitions away without letting the member commit, as after
// a session timeout.
func (b *Broker) Lose(ctx context.Context, partitions []consume.PartitionKey) {
	b.rebalanceMu.Lock()
	defer b.rebalanceMu.Unlock()

	b.mu.Lock()
	listener := b.listener
	var lost []consume.PartitionKey
	for _, p := range partitions {
		if b.owned[p] {
			lost = append(lost, p)
		}
	}
	// ownership is gone before the callback runs, so commits are fenced
	for _, p := range lost {
		delete(b.owned, p)
	}
	b.mu.Unlock()

	if len(lost) == 0 {
		return
	}
	if listener != nil {
		listener.OnLost(ctx, lost)
	}
	b.release(lost)
	b.cluster.broadcast()
}

// release drops ownership of ps. Pauses outlive ownership until Resume,
// the way a franz-go client keeps them.
func (b *Broker) release(ps []consume.PartitionKey) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range ps {
		delete(b.owned, p)
		delete(b.position, p)
	}
}

// Owned returns the current assignment.
func (b *Broker) Owned() []consume.PartitionKey {
	b.mu.Lock()
	defer b.mu.Unlock()

	ps := make([]consume.PartitionKey, 0, len(b.owned))
	for p := range b.owned {
		ps = append(ps, p)
	}
	consume.SortPartitions(ps)

	return ps
}

func (b *Broker) Poll(ctx context.Context, partitions []consume.PartitionKey) ([]consume.Message, error) {
	if err := b.join(ctx); err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.cfg.PollWait)
	defer timer.Stop()

	for {
		wait := b.cluster.wait()

		msgs, err := b.fetch(partitions)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wait:
		}
	}
}

func (b *Broker) join(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return consume.ErrClosed
	}
	joined := b.joined
	b.mu.Unlock()

	if joined || len(b.cfg.Topics) == 0 {
		return nil
	}

	var all []consume.PartitionKey
	for _, topic := range b.cfg.Topics {
		all = append(all, b.cluster.Partitions(topic)...)
	}
	b.Rebalance(ctx, all)

	return nil
}

func (b *Broker) fetch(partitions []consume.PartitionKey) ([]consume.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, consume.ErrClosed
	}

	b.cluster.mu.Lock()
	defer b.cluster.mu.Unlock()

	var out []consume.Message
	for _, p := range partitions {
		if !b.owned[p] || b.paused[p] {
			continue
		}
		budget := b.cfg.MaxPollRecords - len(out)
		if budget <= 0 {
			break
		}
		msgs := b.cluster.fetchLocked(p, b.position[p], budget)
		b.position[p] += int64(len(msgs))
		out = append(out, msgs...)
	}

	return out, nil
}

func (b *Broker) CommitOffsets(_ context.Context, offsets map[consume.PartitionKey]int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &consume.CommitError{Err: consume.ErrClosed}
	}

	if b.commitHook != nil {
		if err := b.commitHook(offsets); err != nil {
			var ce *consume.CommitError
			if !errors.As(err, &ce) || len(ce.Failed) == 0 {
				return &consume.CommitError{Err: err}
			}
			return b.commitLocked(offsets, ce.Failed)
		}
	}

	return b.commitLocked(offsets, nil)
}

func (b *Broker) commitLocked(offsets map[consume.PartitionKey]int64, rejected map[consume.PartitionKey]error) error {
	failed := make(map[consume.PartitionKey]error)

	b.cluster.mu.Lock()
	for p, offset := range offsets {
		if err, ok := rejected[p]; ok {
			failed[p] = err
			continue
		}
		if !b.owned[p] {
			failed[p] = fmt.Errorf("member does not own %s: %w", p, consume.ErrNotOwned)
			continue
		}
		b.cluster.commitLocked(b.cfg.Group, p, offset)
	}
	b.cluster.mu.Unlock()

	if len(failed) > 0 {
		return &consume.CommitError{Failed: failed}
	}

	return nil
}

func (b *Broker) Committed(_ context.Context, partitions []consume.PartitionKey) (map[consume.PartitionKey]int64, error) {
	out := make(map[consume.PartitionKey]int64, len(partitions))
	for _, p := range partitions {
		out[p] = b.cluster.Committed(b.cfg.Group, p)
	}

	return out, nil
}

func (b *Broker) Pause(partitions ...consume.PartitionKey) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range partitions {
		if b.owned[p] {
			b.paused[p] = true
		}
	}
}

func (b *Broker) Resume(partitions ...consume.PartitionKey) {
	b.mu.Lock()
	for _, p := range partitions {
		delete(b.paused, p)
	}
	b.mu.Unlock()

	b.cluster.broadcast()
}

// Paused reports whether fetching of p is paused.
func (b *Broker) Paused(p consume.PartitionKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.paused[p]
}

// Close leaves the group. The member's partitions are released without
// callbacks; the consumer commits before closing.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.owned = make(map[consume.PartitionKey]bool)
	b.position = make(map[consume.PartitionKey]int64)

	return nil
}
