package consume

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrCommit matches every *CommitError via errors.Is.
	ErrCommit = errors.New("offset commit rejected")
	// ErrNotOwned is returned for partitions this instance is not assigned.
	ErrNotOwned = errors.New("partition not owned")
	// ErrStaleEpoch is returned when progress from an older rebalance epoch
	// is about to be committed.
	ErrStaleEpoch = errors.New("stale rebalance epoch")
	// ErrClosed is returned by a broker that has been closed.
	ErrClosed = errors.New("broker closed")
	// ErrClaimed means another consumer holds the claim on an idempotency key.
	ErrClaimed = errors.New("idempotency key claimed elsewhere")
)

// CommitError reports an offset commit the broker rejected. Failed holds the
// per-partition causes when the broker answered per partition; Err holds a
// request level failure.
type CommitError struct {
	Failed map[PartitionKey]error
	Err    error
}

func (e *CommitError) Error() string {
	if len(e.Failed) == 0 {
		return fmt.Sprintf("commit offsets: %v", e.Err)
	}

	parts := make([]string, 0, len(e.Failed))
	for p, err := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", p, err))
	}
	sort.Strings(parts)

	msg := "commit offsets: " + strings.Join(parts, "; ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommitError) Unwrap() error { return e.Err }

func (e *CommitError) Is(target error) bool { return target == ErrCommit }

// FailedFor reports whether the commit failed for p. A request level failure
// counts as a failure for every partition.
func (e *CommitError) FailedFor(p PartitionKey) bool {
	if len(e.Failed) == 0 {
		return true
	}
	_, ok := e.Failed[p]
	return ok
}

// RecoverableError marks a handler failure worth retrying.
type RecoverableError struct {
	Err error
}

func (e *RecoverableError) Error() string { return "recoverable: " + e.Err.Error() }

func (e *RecoverableError) Unwrap() error { return e.Err }

// FatalError stops processing of a partition. The offset it carries is the
// one that could not be handled; progress never moves past it.
type FatalError struct {
	Partition PartitionKey
	Offset    int64
	Err       error
}

func (e *FatalError) Error() string {
	if e.Partition.Topic == "" {
		return "fatal: " + e.Err.Error()
	}
	return fmt.Sprintf("fatal at %s@%d: %v", e.Partition, e.Offset, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Err: err}
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

func IsRecoverable(err error) bool {
	var re *RecoverableError
	return errors.As(err, &re)
}
