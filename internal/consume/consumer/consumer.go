// Package consumer runs the consumption loop: a single poll goroutine feeds
// per-partition workers that deduplicate, invoke the handler with retries
// and record progress for the coordinator to commit.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"safeconsume/internal/consume"
	"safeconsume/internal/consume/coordinator"
	"safeconsume/internal/consume/metrics"
	"safeconsume/internal/consume/offsets"
	"safeconsume/internal/validator"
)

// Consumer is the consume.RebalanceListener registered with the broker.
// Rebalance callbacks stop the workers of departing partitions before the
// coordinator commits or forgets their progress.
type Consumer struct {
	broker      consume.Broker
	coordinator *coordinator.Coordinator
	store       *offsets.Store
	guard       consume.DedupGuard
	handler     consume.Handler
	registry    *metrics.Registry
	logger      *zap.Logger
	config      Config
	locks       *keyLocks

	state atomic.Int32

	mu      sync.Mutex
	workers map[consume.PartitionKey]*worker
	// runCtx parents worker contexts; set by Run.
	runCtx  context.Context
	onFatal func(*consume.FatalError)
	fatalCh chan *consume.FatalError
}

var _ consume.RebalanceListener = (*Consumer)(nil)

func NewConsumer(
	broker consume.Broker,
	coord *coordinator.Coordinator,
	store *offsets.Store,
	guard consume.DedupGuard,
	handler consume.Handler,
	registry *metrics.Registry,
	logger *zap.Logger,
	config Config,
) (*Consumer, error) {
	c := Consumer{
		broker:      broker,
		coordinator: coord,
		store:       store,
		guard:       guard,
		handler:     handler,
		registry:    registry,
		logger:      logger,
		config:      config.withDefaults(),
		workers:     make(map[consume.PartitionKey]*worker),
		runCtx:      context.Background(),
		fatalCh:     make(chan *consume.FatalError, 1),
	}

	if err := validator.Validate(
		"consumer",
		c.broker,
		c.coordinator,
		c.store,
		c.guard,
		c.handler,
		c.registry,
		c.logger,
	); err != nil {
		return nil, fmt.Errorf("failed to validate consumer deps: %w", err)
	}

	c.locks = newKeyLocks(c.config.KeyLockStripes)
	c.logger = c.logger.Named("consumer")

	return &c, nil
}

// OnFatal registers fn to be called whenever a partition halts.
func (c *Consumer) OnFatal(fn func(*consume.FatalError)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onFatal = fn
}

func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Halted returns the partitions stopped by a fatal handler error.
func (c *Consumer) Halted() map[consume.PartitionKey]*consume.FatalError {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[consume.PartitionKey]*consume.FatalError)
	for p, w := range c.workers {
		if fe := w.fatal(); fe != nil {
			out[p] = fe
		}
	}

	return out
}

// WorkerStates returns the state of every partition worker.
func (c *Consumer) WorkerStates() map[consume.PartitionKey]WorkerState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[consume.PartitionKey]WorkerState, len(c.workers))
	for p, w := range c.workers {
		out[p] = w.State()
	}

	return out
}

// Ready reports whether the consumer is polling. It backs the readiness
// endpoint of the metrics server.
func (c *Consumer) Ready() error {
	switch s := c.State(); s {
	case StatePolling, StateDispatching, StateRebalancing:
		return nil
	default:
		return fmt.Errorf("consumer is %s", s)
	}
}

// Run consumes until ctx is done or, with StopOnFatal, a partition halts.
// On the way out it stops every worker, takes a final checkpoint bounded by
// ShutdownTimeout and closes the broker.
func (c *Consumer) Run(ctx context.Context) error {
	logger := c.logger
	logger.Info("starting consumer")

	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	if err := c.broker.Subscribe(ctx, c); err != nil {
		const errMsg = "failed to subscribe"
		logger.Error(errMsg, zap.Error(err))
		return fmt.Errorf(errMsg+": %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.pollLoop(gctx)
	})
	g.Go(func() error {
		return c.coordinator.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case fe := <-c.fatalCh:
			return fe
		}
	})

	err := g.Wait()

	c.setState(StateStopped)
	c.stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ShutdownTimeout)
	defer cancel()

	if cerr := c.coordinator.Checkpoint(shutdownCtx); cerr != nil {
		logger.Warn("final checkpoint failed", zap.Error(cerr))
	}

	if cerr := c.broker.Close(); cerr != nil {
		logger.Warn("failed to close broker", zap.Error(cerr))
	}

	if err != nil {
		const errMsg = "consumer stopped"
		logger.Error(errMsg, zap.Error(err))
		return fmt.Errorf(errMsg+": %w", err)
	}

	logger.Info("consumer stopped")

	return nil
}

func (c *Consumer) pollLoop(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()

	for {
		if ctx.Err() != nil {
			return nil
		}

		c.setState(StatePolling)
		requested, partitions := c.accepting()

		start := time.Now()
		msgs, err := c.broker.Poll(ctx, partitions)
		c.registry.RecordPoll(len(msgs), time.Since(start), err)

		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, consume.ErrClosed):
				return fmt.Errorf("failed to poll: %w", err)
			}

			next := retry.NextBackOff()
			c.logger.Warn("poll failed", zap.Duration("next", next), zap.Error(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(next):
			}
			continue
		}
		retry.Reset()

		if len(msgs) == 0 {
			continue
		}

		c.setState(StateDispatching)
		c.dispatch(msgs, requested)
	}
}

// accepting returns the workers able to take messages, keyed by partition,
// and their partitions in order.
func (c *Consumer) accepting() (map[consume.PartitionKey]*worker, []consume.PartitionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	workers := make(map[consume.PartitionKey]*worker, len(c.workers))
	partitions := make([]consume.PartitionKey, 0, len(c.workers))
	for p, w := range c.workers {
		if w.fatal() != nil {
			continue
		}
		workers[p] = w
		partitions = append(partitions, p)
	}
	consume.SortPartitions(partitions)

	return workers, partitions
}

// dispatch hands msgs to their partition workers. Messages of a partition
// whose worker changed during the poll are dropped; the broker delivers
// them again from the committed offset.
func (c *Consumer) dispatch(msgs []consume.Message, requested map[consume.PartitionKey]*worker) {
	batches := make(map[consume.PartitionKey][]consume.Message)
	for _, msg := range msgs {
		p := msg.PartitionKey()
		batches[p] = append(batches[p], msg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for p, batch := range batches {
		w, ok := c.workers[p]
		if !ok || w != requested[p] {
			c.logger.Debug("dropping messages of reassigned partition",
				zap.Stringer("partition", p),
				zap.Int("count", len(batch)),
			)
			continue
		}

		if w.enqueue(batch, c.config.MaxBuffered) {
			c.logger.Debug("pausing partition, mailbox full", zap.Stringer("partition", p))
			c.broker.Pause(p)
		}
	}
}

// OnAssigned starts a worker per partition at its committed position.
// Pauses left over from a previous ownership are lifted, since the new
// workers start with empty mailboxes and no halt.
func (c *Consumer) OnAssigned(ctx context.Context, ps []consume.PartitionKey) {
	prev := c.enterRebalance()
	defer c.leaveRebalance(prev)

	// assigned twice without a revoke in between
	c.drain(ps)

	resume := c.coordinator.OnAssigned(ctx, ps)
	c.broker.Resume(ps...)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range ps {
		w := newWorker(c.runCtx, c, p, resume[p])
		c.workers[p] = w
		c.registry.SetHalted(p, false)
		go w.run()
	}

	c.logger.Info("partitions assigned", zap.Stringers("partitions", ps))
}

// OnRevoked stops the workers of ps, then lets the coordinator make the
// final commit.
func (c *Consumer) OnRevoked(ctx context.Context, ps []consume.PartitionKey) {
	prev := c.enterRebalance()
	defer c.leaveRebalance(prev)

	c.drain(ps)
	c.coordinator.OnRevoked(ctx, ps)
}

// OnLost stops the workers of ps and drops their progress uncommitted.
func (c *Consumer) OnLost(ctx context.Context, ps []consume.PartitionKey) {
	prev := c.enterRebalance()
	defer c.leaveRebalance(prev)

	c.drain(ps)
	c.coordinator.OnLost(ctx, ps)
}

// enterRebalance marks a callback in progress and returns the state to
// restore afterwards. A stopped consumer stays stopped.
func (c *Consumer) enterRebalance() State {
	for {
		prev := c.State()
		switch prev {
		case StateStopped:
			return prev
		case StateRebalancing:
			return StatePolling
		}
		if c.state.CompareAndSwap(int32(prev), int32(StateRebalancing)) {
			return prev
		}
	}
}

// leaveRebalance restores prev unless Run stopped the consumer meanwhile.
func (c *Consumer) leaveRebalance(prev State) {
	c.state.CompareAndSwap(int32(StateRebalancing), int32(prev))
}

func (c *Consumer) drain(ps []consume.PartitionKey) {
	c.mu.Lock()
	workers := make([]*worker, 0, len(ps))
	for _, p := range ps {
		if w, ok := c.workers[p]; ok {
			workers = append(workers, w)
			delete(c.workers, p)
		}
	}
	c.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}

func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	workers := make([]*worker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}

func (c *Consumer) halt(fe *consume.FatalError) {
	c.broker.Pause(fe.Partition)
	c.registry.SetHalted(fe.Partition, true)
	c.registry.RecordMessage(fe.Partition, metrics.StatusFailed)

	c.logger.Error("partition halted",
		zap.Stringer("partition", fe.Partition),
		zap.Int64("offset", fe.Offset),
		zap.Error(fe.Err),
	)

	c.mu.Lock()
	onFatal := c.onFatal
	c.mu.Unlock()

	if onFatal != nil {
		onFatal(fe)
	}

	if c.config.StopOnFatal {
		select {
		case c.fatalCh <- fe:
		default:
		}
	}
}
