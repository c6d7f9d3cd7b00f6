// Package offsets tracks per-partition consumption progress: the pending
// offset handled in memory and the committed offset acknowledged by the
// broker.
package offsets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"safeconsume/internal/consume"
	"safeconsume/internal/validator"
)

// Committer is the part of consume.Broker the store persists through.
type Committer interface {
	CommitOffsets(ctx context.Context, offsets map[consume.PartitionKey]int64) error
	Committed(ctx context.Context, partitions []consume.PartitionKey) (map[consume.PartitionKey]int64, error)
}

// Offsets is a point-in-time view of one partition.
type Offsets struct {
	Pending   int64
	Committed int64
	Epoch     uint64
}

type partitionState struct {
	pending   int64
	committed int64
	epoch     uint64
}

// Store holds pending and committed offsets of owned partitions.
// Committed never exceeds Pending for any tracked partition.
type Store struct {
	committer Committer
	logger    *zap.Logger

	mu    sync.RWMutex
	state map[consume.PartitionKey]*partitionState

	// commitMu serializes broker commits so results apply in issue order.
	// mu is never held across a broker call.
	commitMu sync.Mutex
}

func NewStore(committer Committer, logger *zap.Logger) (*Store, error) {
	s := Store{
		committer: committer,
		logger:    logger,
		state:     make(map[consume.PartitionKey]*partitionState),
	}

	if err := validator.Validate("offset store", s.committer, s.logger); err != nil {
		return nil, fmt.Errorf("failed to validate offset store deps: %w", err)
	}

	s.logger = s.logger.Named("offsets")

	return &s, nil
}

// Seed starts tracking p at the committed position loaded on assignment.
func (s *Store) Seed(p consume.PartitionKey, committed int64, epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state[p] = &partitionState{
		pending:   committed,
		committed: committed,
		epoch:     epoch,
	}
}

// Stamp moves every tracked partition to epoch. Callers still holding an
// older epoch get ErrStaleEpoch from Commit and CommitAll.
func (s *Store) Stamp(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.state {
		st.epoch = epoch
	}
}

// Record moves the pending offset of p forward to offset. Lower offsets are
// ignored.
func (s *Store) Record(p consume.PartitionKey, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[p]
	if !ok {
		return fmt.Errorf("record %s@%d: %w", p, offset, consume.ErrNotOwned)
	}
	if offset > st.pending {
		st.pending = offset
	}

	return nil
}

// Commit persists the pending offset of p as committed. It returns the
// committed offset; on failure the previous committed value is kept.
func (s *Store) Commit(ctx context.Context, epoch uint64, p consume.PartitionKey) (int64, error) {
	if _, err := s.CommitAll(ctx, epoch, []consume.PartitionKey{p}); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.state[p]
	if !ok {
		return 0, fmt.Errorf("commit %s: %w", p, consume.ErrNotOwned)
	}

	return st.committed, nil
}

// CommitAll persists pending progress of ps in a single broker call and
// returns the offsets it committed. Partitions without progress are skipped.
// A *consume.CommitError lists the partitions the broker rejected; all other
// partitions of the call are applied.
func (s *Store) CommitAll(ctx context.Context, epoch uint64, ps []consume.PartitionKey) (map[consume.PartitionKey]int64, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	toCommit, skipErr := s.prepare(epoch, ps)
	if len(toCommit) == 0 {
		return nil, skipErr
	}

	err := s.committer.CommitOffsets(ctx, toCommit)

	var commitErr *consume.CommitError
	if err != nil && !errors.As(err, &commitErr) {
		commitErr = &consume.CommitError{Err: err}
	}

	committed := make(map[consume.PartitionKey]int64, len(toCommit))

	s.mu.Lock()
	for p, offset := range toCommit {
		if commitErr != nil && commitErr.FailedFor(p) {
			continue
		}
		st, ok := s.state[p]
		if !ok || st.epoch != epoch {
			// forgotten or reseeded while the commit was in flight
			continue
		}
		if offset > st.committed {
			st.committed = offset
		}
		committed[p] = offset
	}
	s.mu.Unlock()

	if commitErr != nil {
		return committed, errors.Join(commitErr, skipErr)
	}

	return committed, skipErr
}

func (s *Store) prepare(epoch uint64, ps []consume.PartitionKey) (map[consume.PartitionKey]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	toCommit := make(map[consume.PartitionKey]int64, len(ps))
	for _, p := range ps {
		st, ok := s.state[p]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("commit %s: %w", p, consume.ErrNotOwned))
		case st.epoch != epoch:
			errs = append(errs, fmt.Errorf("commit %s at epoch %d (owned at %d): %w", p, epoch, st.epoch, consume.ErrStaleEpoch))
		case st.pending > st.committed && st.pending >= 0:
			toCommit[p] = st.pending
		}
	}

	return toCommit, errors.Join(errs...)
}

// Load returns the last known committed offset of p, asking the broker when
// p is not tracked yet. NoOffset means nothing was ever committed.
func (s *Store) Load(ctx context.Context, p consume.PartitionKey) (int64, error) {
	s.mu.RLock()
	st, ok := s.state[p]
	if ok {
		committed := st.committed
		s.mu.RUnlock()
		return committed, nil
	}
	s.mu.RUnlock()

	offsets, err := s.committer.Committed(ctx, []consume.PartitionKey{p})
	if err != nil {
		return consume.NoOffset, fmt.Errorf("failed to load committed offset for %s: %w", p, err)
	}

	offset, ok := offsets[p]
	if !ok {
		return consume.NoOffset, nil
	}

	return offset, nil
}

// Forget stops tracking p and returns what was dropped.
func (s *Store) Forget(p consume.PartitionKey) (Offsets, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[p]
	if !ok {
		return Offsets{}, false
	}
	delete(s.state, p)

	if st.pending > st.committed {
		s.logger.Debug("dropping uncommitted progress",
			zap.Stringer("partition", p),
			zap.Int64("pending", st.pending),
			zap.Int64("committed", st.committed),
		)
	}

	return Offsets{Pending: st.pending, Committed: st.committed, Epoch: st.epoch}, true
}

// Get returns the offsets of p.
func (s *Store) Get(p consume.PartitionKey) (Offsets, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.state[p]
	if !ok {
		return Offsets{}, false
	}

	return Offsets{Pending: st.pending, Committed: st.committed, Epoch: st.epoch}, true
}

// Pending returns the pending offset of p, or NoOffset when p is not tracked.
func (s *Store) Pending(p consume.PartitionKey) int64 {
	o, ok := s.Get(p)
	if !ok {
		return consume.NoOffset
	}
	return o.Pending
}

// Committed returns the committed offset of p, or NoOffset when p is not
// tracked.
func (s *Store) Committed(p consume.PartitionKey) int64 {
	o, ok := s.Get(p)
	if !ok {
		return consume.NoOffset
	}
	return o.Committed
}

// Snapshot returns the offsets of every tracked partition.
func (s *Store) Snapshot() map[consume.PartitionKey]Offsets {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[consume.PartitionKey]Offsets, len(s.state))
	for p, st := range s.state {
		out[p] = Offsets{Pending: st.pending, Committed: st.committed, Epoch: st.epoch}
	}

	return out
}
