package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"safeconsume/internal/consume"
	"safeconsume/internal/consume/inmem"
	"safeconsume/internal/consume/metrics"
	"safeconsume/internal/consume/offsets"
)

var (
	p0 = consume.PartitionKey{Topic: "orders", Partition: 0}
	p1 = consume.PartitionKey{Topic: "orders", Partition: 1}
)

type fixture struct {
	cluster  *inmem.Cluster
	broker   *inmem.Broker
	store    *offsets.Store
	registry *metrics.Registry
	coord    *Coordinator
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()

	cluster := inmem.NewCluster()
	cluster.CreateTopic("orders", 2)
	broker := cluster.NewBroker(inmem.BrokerConfig{Group: "g"})

	logger := zaptest.NewLogger(t)
	store, err := offsets.NewStore(broker, logger)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	registry := metrics.NewRegistry()

	if config.FlushInterval == 0 {
		config.FlushInterval = time.Hour
	}
	coord, err := NewCoordinator(store, registry, logger, config)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	return &fixture{cluster: cluster, broker: broker, store: store, registry: registry, coord: coord}
}

// assign gives the broker and coordinator the same assignment, the way a
// real rebalance would.
func (f *fixture) assign(t *testing.T, ps ...consume.PartitionKey) map[consume.PartitionKey]int64 {
	t.Helper()
	f.broker.Rebalance(context.Background(), ps)
	return f.coord.OnAssigned(context.Background(), ps)
}

func TestNewCoordinator_Validates(t *testing.T) {
	if _, err := NewCoordinator(nil, metrics.NewRegistry(), zaptest.NewLogger(t), Config{FlushInterval: time.Second}); err == nil {
		t.Fatalf("expected error for missing store")
	}
}

func TestCoordinator_AssignSeedsFromCommitted(t *testing.T) {
	f := newFixture(t, Config{})
	f.broker.Rebalance(context.Background(), []consume.PartitionKey{p0})
	_ = f.broker.CommitOffsets(context.Background(), map[consume.PartitionKey]int64{p0: 7})

	resume := f.coord.OnAssigned(context.Background(), []consume.PartitionKey{p0, p1})

	if resume[p0] != 7 || resume[p1] != consume.NoOffset {
		t.Fatalf("resume positions: %v", resume)
	}
	if f.coord.Epoch() != 1 {
		t.Fatalf("epoch: got %d want 1", f.coord.Epoch())
	}
	if owned := f.coord.Owned(); len(owned) != 2 {
		t.Fatalf("owned: %v", owned)
	}
	o, ok := f.store.Get(p0)
	if !ok || o.Pending != 7 || o.Committed != 7 || o.Epoch != 1 {
		t.Fatalf("seeded offsets: %+v %v", o, ok)
	}
}

func TestCoordinator_FlushCommitsLastHandledPlusOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.assign(t, p0)

	// offsets 0..4 handled
	for o := int64(0); o < 5; o++ {
		if err := f.store.Record(p0, o+1); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	if err := f.coord.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := f.cluster.Committed("g", p0); got != 5 {
		t.Fatalf("broker committed: got %d want 5", got)
	}
}

func TestCoordinator_FlushFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.assign(t, p0)
	_ = f.store.Record(p0, 3)

	f.broker.SetCommitHook(func(map[consume.PartitionKey]int64) error {
		return errors.New("coordinator load in progress")
	})
	if err := f.coord.Flush(ctx); !errors.Is(err, consume.ErrCommit) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if o, _ := f.store.Get(p0); o.Committed != consume.NoOffset || o.Pending != 3 {
		t.Fatalf("offsets after failed flush: %+v", o)
	}

	// retried on the next cycle
	f.broker.SetCommitHook(nil)
	if err := f.coord.Flush(ctx); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if got := f.cluster.Committed("g", p0); got != 3 {
		t.Fatalf("broker committed: got %d want 3", got)
	}
}

func TestCoordinator_RevokeCommitsFinalProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.assign(t, p0, p1)
	_ = f.store.Record(p0, 4)
	_ = f.store.Record(p1, 2)

	f.coord.OnRevoked(ctx, []consume.PartitionKey{p0})

	if got := f.cluster.Committed("g", p0); got != 4 {
		t.Fatalf("revoked partition committed: got %d want 4", got)
	}
	if _, ok := f.store.Get(p0); ok {
		t.Fatalf("revoked partition still tracked")
	}
	if f.coord.Epoch() != 2 {
		t.Fatalf("epoch: got %d want 2", f.coord.Epoch())
	}

	// surviving partition keeps working under the new epoch
	if err := f.coord.Flush(ctx); err != nil {
		t.Fatalf("flush after revoke: %v", err)
	}
	if got := f.cluster.Committed("g", p1); got != 2 {
		t.Fatalf("surviving partition committed: got %d want 2", got)
	}
}

func TestCoordinator_RevokeDiscardsRejectedProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.assign(t, p0, p1)
	_ = f.store.Record(p0, 4)
	_ = f.store.Record(p1, 6)

	f.broker.SetCommitHook(func(map[consume.PartitionKey]int64) error {
		return &consume.CommitError{Failed: map[consume.PartitionKey]error{p1: errors.New("rebalance in progress")}}
	})

	f.coord.OnRevoked(ctx, []consume.PartitionKey{p0, p1})

	// committed or discarded, never partially applied
	if got := f.cluster.Committed("g", p0); got != 4 {
		t.Fatalf("p0 committed: got %d want 4", got)
	}
	if got := f.cluster.Committed("g", p1); got != consume.NoOffset {
		t.Fatalf("p1 must not be committed, got %d", got)
	}
	if len(f.store.Snapshot()) != 0 || len(f.coord.Owned()) != 0 {
		t.Fatalf("revoked partitions still tracked")
	}
}

func TestCoordinator_LostDoesNotCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.assign(t, p0)
	_ = f.store.Record(p0, 9)

	f.coord.OnLost(ctx, []consume.PartitionKey{p0})

	if got := f.cluster.Committed("g", p0); got != consume.NoOffset {
		t.Fatalf("lost partition must not be committed, got %d", got)
	}
	if len(f.coord.Owned()) != 0 {
		t.Fatalf("lost partition still owned")
	}
}

func TestCoordinator_StaleEpochAfterRebalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.assign(t, p0, p1)
	before := f.coord.Epoch()
	_ = f.store.Record(p0, 2)

	f.coord.OnRevoked(ctx, []consume.PartitionKey{p1})

	if _, err := f.store.Commit(ctx, before, p0); !errors.Is(err, consume.ErrStaleEpoch) {
		t.Fatalf("commit under old epoch: %v", err)
	}
}

func TestCoordinator_CommitPartition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.assign(t, p0)
	_ = f.store.Record(p0, 6)

	if err := f.coord.CommitPartition(ctx, p0); err != nil {
		t.Fatalf("commit partition: %v", err)
	}
	if got := f.cluster.Committed("g", p0); got != 6 {
		t.Fatalf("committed: got %d want 6", got)
	}
	if err := f.coord.CommitPartition(ctx, p1); !errors.Is(err, consume.ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned, got %v", err)
	}
}

func TestCoordinator_AsyncFlushThenCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{AsyncFlush: true})
	f.assign(t, p0)
	_ = f.store.Record(p0, 3)

	f.coord.FlushAsync(ctx)
	_ = f.store.Record(p0, 5)

	if err := f.coord.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if got := f.cluster.Committed("g", p0); got != 5 {
		t.Fatalf("committed after checkpoint: got %d want 5", got)
	}
	if err := f.coord.AsyncErr(); err != nil {
		t.Fatalf("async flush: %v", err)
	}
}

func TestCoordinator_RunFlushesPeriodically(t *testing.T) {
	f := newFixture(t, Config{FlushInterval: 10 * time.Millisecond})
	f.assign(t, p0)
	_ = f.store.Record(p0, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.cluster.Committed("g", p0) != 8 {
		if time.Now().After(deadline) {
			t.Fatalf("periodic flush did not commit")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
