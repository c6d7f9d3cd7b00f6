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

	"safeconsume/internal/consume"
	"safeconsume/internal/consume/metrics"
)

// worker processes one partition in offset order. Messages arrive through
// an unbounded mailbox; the poll loop pauses fetching when it grows too big.
type worker struct {
	c      *Consumer
	p      consume.PartitionKey
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []consume.Message
	closed  bool
	paused  bool
	halted  *consume.FatalError
	stopped sync.Once

	// next is the lowest offset still to be processed. Only the worker
	// goroutine touches it.
	next  int64
	state atomic.Int32
}

func newWorker(parent context.Context, c *Consumer, p consume.PartitionKey, next int64) *worker {
	ctx, cancel := context.WithCancel(parent)
	w := &worker{
		c:      c,
		p:      p,
		logger: c.logger.With(zap.String("topic", p.Topic), zap.Int32("partition", p.Partition)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		next:   next,
	}
	w.cond = sync.NewCond(&w.mu)

	return w
}

func (w *worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *worker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

// enqueue appends msgs to the mailbox and reports whether fetching of the
// partition should be paused.
func (w *worker) enqueue(msgs []consume.Message, maxBuffered int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.halted != nil {
		return false
	}

	w.queue = append(w.queue, msgs...)
	w.cond.Signal()

	if !w.paused && len(w.queue) > maxBuffered {
		w.paused = true
		return true
	}

	return false
}

// take blocks until messages are queued and returns all of them. It returns
// false once the worker is stopped.
func (w *worker) take() ([]consume.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.queue) == 0 && !w.closed {
		w.cond.Wait()
	}
	if w.closed {
		return nil, false
	}

	batch := w.queue
	w.queue = nil

	return batch, true
}

// drained reports whether a backpressure pause can be lifted.
func (w *worker) drained(maxBuffered int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.paused || w.halted != nil || w.closed || len(w.queue) > maxBuffered/2 {
		return false
	}
	w.paused = false

	return true
}

// stop cancels retries, discards queued messages and waits for the message
// in flight to finish.
func (w *worker) stop() {
	w.stopped.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.queue = nil
		w.cond.Broadcast()
		w.mu.Unlock()

		w.cancel()
	})

	<-w.done
}

func (w *worker) fatal() *consume.FatalError {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.halted
}

func (w *worker) run() {
	defer close(w.done)

	for {
		w.setState(WorkerIdle)

		batch, ok := w.take()
		if !ok {
			return
		}

		var progressed bool
		for _, msg := range batch {
			if w.ctx.Err() != nil {
				return
			}

			advanced, err := w.process(msg)
			if err != nil {
				var fe *consume.FatalError
				if errors.As(err, &fe) {
					w.halt(fe)
				}
				return
			}
			progressed = progressed || advanced
		}

		if w.drained(w.c.config.MaxBuffered) {
			w.c.broker.Resume(w.p)
		}

		if progressed && w.c.config.CommitPerBatch {
			if err := w.c.coordinator.CommitPartition(context.WithoutCancel(w.ctx), w.p); err != nil {
				w.logger.Warn("failed to commit partition after batch", zap.Error(err))
			}
		}
	}
}

// process takes one message through dedup check, handler and progress
// recording. It reports whether the partition advanced. A non-nil error
// stops the worker: a *consume.FatalError halts the partition, anything
// else means the worker was stopped or its partition revoked.
func (w *worker) process(msg consume.Message) (bool, error) {
	if w.next >= 0 && msg.Offset < w.next {
		w.c.registry.RecordMessage(w.p, metrics.StatusSkipped)
		return false, nil
	}

	key := msg.IdempotencyKey()
	logger := w.logger.With(zap.Int64("offset", msg.Offset), zap.String("key", key))

	unlock := w.c.locks.lock(key)
	defer unlock()

	w.setState(WorkerDispatching)

	// bookkeeping for an attempt that started must outlive a revocation
	opCtx := context.WithoutCancel(w.ctx)

	var seen bool
	err := w.retry(w.ctx, msg, w.c.config.Retry, w.c.config.Retry.MaxAttempts, func() error {
		var err error
		seen, err = w.c.guard.Seen(opCtx, key)
		if err != nil {
			return consume.Recoverable(err)
		}
		return nil
	})
	if err != nil {
		return false, w.classify(msg, err)
	}

	if !seen {
		seen, err = w.claim(opCtx, msg, key)
		if err != nil {
			return false, w.classify(msg, err)
		}
		if !seen {
			defer w.release(opCtx, key)
		}
	}

	if seen {
		logger.Info("duplicate message, skipping handler")
		w.c.registry.RecordMessage(w.p, metrics.StatusDuplicate)
		return true, w.advance(msg)
	}

	err = w.retry(w.ctx, msg, w.c.config.Retry, w.c.config.Retry.MaxAttempts, func() error {
		ctx, cancel := context.WithTimeout(opCtx, w.c.config.HandlerTimeout)
		defer cancel()

		start := time.Now()
		err := w.c.handler.Handle(ctx, msg)
		w.c.registry.RecordHandler(msg.Topic, time.Since(start), err)

		return err
	})
	if err != nil {
		return false, w.classify(msg, err)
	}

	w.setState(WorkerAdvancing)

	err = w.retry(w.ctx, msg, w.c.config.DedupRecord, w.c.config.DedupRecord.MaxAttempts, func() error {
		return w.c.guard.Record(opCtx, key, msg)
	})
	if err != nil {
		// the effect is applied; a redelivery will reach the handler again
		logger.Error("failed to record idempotency key", zap.Error(err))
	}

	w.c.registry.RecordMessage(w.p, metrics.StatusHandled)

	return true, w.advance(msg)
}

// claim waits up to ClaimWait for the exclusive claim on key. It reports
// true instead when the key turns out to be processed already, either by
// the consumer whose claim it waited on or just before the claim was taken.
func (w *worker) claim(opCtx context.Context, msg consume.Message, key string) (bool, error) {
	waitCtx, cancel := context.WithTimeout(w.ctx, w.c.config.ClaimWait)
	defer cancel()

	var seen bool
	err := w.retry(waitCtx, msg, w.c.config.Retry, 0, func() error {
		claimed, err := w.c.guard.Claim(opCtx, key)
		if err != nil {
			return consume.Recoverable(err)
		}

		seen, err = w.c.guard.Seen(opCtx, key)
		switch {
		case err != nil:
			if claimed {
				w.release(opCtx, key)
			}
			return consume.Recoverable(err)
		case seen && claimed:
			w.release(opCtx, key)
			return nil
		case seen, claimed:
			return nil
		default:
			return consume.Recoverable(consume.ErrClaimed)
		}
	})
	if err != nil && w.ctx.Err() == nil && waitCtx.Err() != nil {
		return false, fmt.Errorf("waited %s: %w", w.c.config.ClaimWait, consume.ErrClaimed)
	}

	return seen, err
}

func (w *worker) release(opCtx context.Context, key string) {
	if err := w.c.guard.Release(opCtx, key); err != nil {
		w.logger.Warn("failed to release idempotency key claim", zap.String("key", key), zap.Error(err))
	}
}

func (w *worker) advance(msg consume.Message) error {
	w.next = msg.Offset + 1
	if err := w.c.store.Record(w.p, w.next); err != nil {
		// revoked while the message was in flight
		w.logger.Debug("progress not recorded", zap.Int64("offset", msg.Offset), zap.Error(err))
		return err
	}

	return nil
}

// retry runs op with exponential backoff until it succeeds, returns a
// *consume.FatalError, runs out of attempts or ctx is done. Zero attempts
// means no limit.
func (w *worker) retry(ctx context.Context, msg consume.Message, config RetryConfig, attempts uint, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.Multiplier = config.Multiplier

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if consume.IsFatal(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.c.registry.RecordHandlerRetry(w.p)
			w.logger.Warn("retrying message",
				zap.Int64("offset", msg.Offset),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)

	return err
}

// classify turns a failed retry into the error that stops the worker.
func (w *worker) classify(msg consume.Message, err error) error {
	if w.ctx.Err() != nil {
		return w.ctx.Err()
	}

	var fe *consume.FatalError
	if !errors.As(err, &fe) {
		// retries exhausted
		fe = &consume.FatalError{Err: err}
	}

	return &consume.FatalError{Partition: w.p, Offset: msg.Offset, Err: fe.Err}
}

func (w *worker) halt(fe *consume.FatalError) {
	w.mu.Lock()
	w.halted = fe
	w.queue = nil
	w.mu.Unlock()

	w.setState(WorkerHalted)
	w.c.halt(fe)
}
