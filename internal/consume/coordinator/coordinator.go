// Package coordinator sequences offset commits with partition ownership. It
// owns the rebalance epoch, seeds the offset store on assignment, makes the
// last commit on revocation and runs the periodic flush.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"safeconsume/internal/consume"
	"safeconsume/internal/consume/metrics"
	"safeconsume/internal/consume/offsets"
	"safeconsume/internal/validator"
)

// Rebalance kinds recorded in metrics.
const (
	RebalanceAssigned = "assigned"
	RebalanceRevoked  = "revoked"
	RebalanceLost     = "lost"
)

type Config struct {
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"5s"`
	// AsyncFlush lets the periodic flush run without blocking the timer.
	// Every CheckpointEvery ticks a synchronous checkpoint is taken.
	AsyncFlush      bool          `env:"ASYNC_FLUSH" envDefault:"false"`
	CheckpointEvery int           `env:"CHECKPOINT_EVERY" envDefault:"6"`
	LoadAttempts    uint          `env:"LOAD_ATTEMPTS" envDefault:"5"`
	LoadBackoff     time.Duration `env:"LOAD_BACKOFF" envDefault:"100ms"`
}

// Coordinator implements the commit side of consume.RebalanceListener.
// Rebalance callbacks take mu exclusively; flushes hold it shared for the
// whole commit so a revocation waits for an in-flight commit to settle.
type Coordinator struct {
	store    *offsets.Store
	registry *metrics.Registry
	logger   *zap.Logger
	config   Config

	mu    sync.RWMutex
	owned map[consume.PartitionKey]struct{}
	epoch atomic.Uint64

	asyncMu   sync.Mutex
	asyncDone chan struct{}
	asyncErr  error
}

func NewCoordinator(store *offsets.Store, registry *metrics.Registry, logger *zap.Logger, config Config) (*Coordinator, error) {
	c := Coordinator{
		store:    store,
		registry: registry,
		logger:   logger,
		config:   config,
		owned:    make(map[consume.PartitionKey]struct{}),
	}

	if err := validator.Validate("coordinator", c.store, c.registry, c.logger, c.config.FlushInterval); err != nil {
		return nil, fmt.Errorf("failed to validate coordinator deps: %w", err)
	}

	if c.config.CheckpointEvery <= 0 {
		c.config.CheckpointEvery = 1
	}
	if c.config.LoadAttempts == 0 {
		c.config.LoadAttempts = 1
	}
	if c.config.LoadBackoff <= 0 {
		c.config.LoadBackoff = 100 * time.Millisecond
	}

	c.logger = c.logger.Named("coordinator")

	return &c, nil
}

// Epoch returns the current rebalance epoch.
func (c *Coordinator) Epoch() uint64 {
	return c.epoch.Load()
}

// Owned returns the partitions currently assigned, in order.
func (c *Coordinator) Owned() []consume.PartitionKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.ownedLocked()
}

func (c *Coordinator) ownedLocked() []consume.PartitionKey {
	ps := make([]consume.PartitionKey, 0, len(c.owned))
	for p := range c.owned {
		ps = append(ps, p)
	}
	consume.SortPartitions(ps)

	return ps
}

// bump must be called with mu held exclusively.
func (c *Coordinator) bump() uint64 {
	epoch := c.epoch.Add(1)
	c.store.Stamp(epoch)

	return epoch
}

// OnAssigned starts tracking ps and returns the committed position of each,
// which is where consumption resumes. NoOffset means the broker's reset
// policy decides.
func (c *Coordinator) OnAssigned(ctx context.Context, ps []consume.PartitionKey) map[consume.PartitionKey]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	epoch := c.bump()
	resume := make(map[consume.PartitionKey]int64, len(ps))

	for _, p := range ps {
		logger := c.logger.With(zap.Stringer("partition", p))

		committed, err := c.load(ctx, p)
		if err != nil {
			logger.Warn("failed to load committed offset, resuming at broker position", zap.Error(err))
			committed = consume.NoOffset
		}

		c.store.Seed(p, committed, epoch)
		c.owned[p] = struct{}{}
		c.registry.SetOffsets(p, committed, committed)
		resume[p] = committed

		logger.Info("partition assigned", zap.Int64("committed", committed), zap.Uint64("epoch", epoch))
	}

	c.registry.RecordRebalance(RebalanceAssigned, epoch, len(c.owned))

	return resume
}

func (c *Coordinator) load(ctx context.Context, p consume.PartitionKey) (int64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.LoadBackoff

	return backoff.Retry(ctx, func() (int64, error) {
		return c.store.Load(ctx, p)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.config.LoadAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying offset load",
				zap.Stringer("partition", p),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
}

// OnRevoked makes one last commit for ps and stops tracking them. Progress
// the broker does not accept is discarded and will be redelivered to the next
// owner, where the dedup guard filters it.
func (c *Coordinator) OnRevoked(ctx context.Context, ps []consume.PartitionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	revoked := c.filterOwned(ps)
	if len(revoked) > 0 {
		start := time.Now()
		_, err := c.store.CommitAll(ctx, c.epoch.Load(), revoked)
		c.registry.RecordCommit(metrics.CommitRevoke, time.Since(start), err)
		if err != nil {
			c.logger.Info("final commit of revoked partitions rejected, discarding progress",
				zap.Stringers("partitions", revoked),
				zap.Error(err),
			)
		}
	}

	discarded := c.forget(revoked)
	if discarded > 0 {
		c.registry.RecordCommitDiscarded(discarded)
	}

	epoch := c.bump()
	c.registry.RecordRebalance(RebalanceRevoked, epoch, len(c.owned))

	c.logger.Info("partitions revoked",
		zap.Stringers("partitions", revoked),
		zap.Int("discarded", discarded),
		zap.Uint64("epoch", epoch),
	)
}

// OnLost stops tracking ps without committing; the group has already moved
// them and any commit would be fenced.
func (c *Coordinator) OnLost(_ context.Context, ps []consume.PartitionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lost := c.filterOwned(ps)
	discarded := c.forget(lost)
	if discarded > 0 {
		c.registry.RecordCommitDiscarded(discarded)
	}

	epoch := c.bump()
	c.registry.RecordRebalance(RebalanceLost, epoch, len(c.owned))

	c.logger.Warn("partitions lost",
		zap.Stringers("partitions", lost),
		zap.Int("discarded", discarded),
		zap.Uint64("epoch", epoch),
	)
}

func (c *Coordinator) filterOwned(ps []consume.PartitionKey) []consume.PartitionKey {
	out := make([]consume.PartitionKey, 0, len(ps))
	for _, p := range ps {
		if _, ok := c.owned[p]; ok {
			out = append(out, p)
		}
	}

	return out
}

// forget drops ps and returns how many of them had uncommitted progress.
func (c *Coordinator) forget(ps []consume.PartitionKey) int {
	var discarded int
	for _, p := range ps {
		if dropped, ok := c.store.Forget(p); ok && dropped.Pending > dropped.Committed {
			discarded++
		}
		delete(c.owned, p)
		c.registry.ForgetPartition(p)
	}

	return discarded
}

// Flush synchronously commits pending progress of every owned partition.
// A *consume.CommitError is transient; the next flush retries.
func (c *Coordinator) Flush(ctx context.Context) error {
	return c.flush(ctx, metrics.CommitSync)
}

func (c *Coordinator) flush(ctx context.Context, mode string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ps := c.ownedLocked()
	if len(ps) == 0 {
		return nil
	}

	start := time.Now()
	committed, err := c.store.CommitAll(ctx, c.epoch.Load(), ps)
	c.registry.RecordCommit(mode, time.Since(start), err)
	c.publishOffsets(ps)

	if err != nil {
		const errMsg = "failed to flush offsets"
		c.logger.Warn(errMsg, zap.String("mode", mode), zap.Error(err))
		return fmt.Errorf(errMsg+": %w", err)
	}

	if len(committed) > 0 {
		c.logger.Debug("offsets flushed", zap.String("mode", mode), zap.Int("partitions", len(committed)))
	}

	return nil
}

// CommitPartition synchronously commits the pending progress of p.
func (c *Coordinator) CommitPartition(ctx context.Context, p consume.PartitionKey) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.owned[p]; !ok {
		return fmt.Errorf("commit %s: %w", p, consume.ErrNotOwned)
	}

	start := time.Now()
	_, err := c.store.Commit(ctx, c.epoch.Load(), p)
	c.registry.RecordCommit(metrics.CommitPartition, time.Since(start), err)
	c.publishOffsets([]consume.PartitionKey{p})

	if err != nil {
		return fmt.Errorf("failed to commit partition %s: %w", p, err)
	}

	return nil
}

func (c *Coordinator) publishOffsets(ps []consume.PartitionKey) {
	for _, p := range ps {
		if o, ok := c.store.Get(p); ok {
			c.registry.SetOffsets(p, o.Pending, o.Committed)
		}
	}
}

// FlushAsync starts a flush in the background unless one is already in
// flight. It reports whether a flush was started. Its outcome is only
// relied upon after the next Checkpoint.
func (c *Coordinator) FlushAsync(ctx context.Context) bool {
	c.asyncMu.Lock()
	defer c.asyncMu.Unlock()

	if c.asyncDone != nil {
		return false
	}

	done := make(chan struct{})
	c.asyncDone = done

	go func() {
		defer close(done)

		err := c.flush(ctx, metrics.CommitAsync)

		c.asyncMu.Lock()
		c.asyncErr = err
		c.asyncDone = nil
		c.asyncMu.Unlock()
	}()

	return true
}

// AsyncErr returns the outcome of the last completed asynchronous flush.
func (c *Coordinator) AsyncErr() error {
	c.asyncMu.Lock()
	defer c.asyncMu.Unlock()

	return c.asyncErr
}

// Checkpoint waits for an in-flight asynchronous flush and then flushes
// synchronously. On success every progress recorded before the call is
// committed.
func (c *Coordinator) Checkpoint(ctx context.Context) error {
	c.asyncMu.Lock()
	done := c.asyncDone
	c.asyncMu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return c.Flush(ctx)
}

// Run flushes every FlushInterval until ctx is done. Flush failures are
// logged and retried on the next tick.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	var ticks int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		ticks++
		var err error
		switch {
		case !c.config.AsyncFlush:
			err = c.Flush(ctx)
		case ticks%c.config.CheckpointEvery == 0:
			err = c.Checkpoint(ctx)
		default:
			c.FlushAsync(ctx)
		}

		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("periodic flush failed", zap.Error(err))
		}
	}
}
