package consume

import (
	"errors"
	"fmt"
	"testing"
)

func TestCommitError_IsAndFailedFor(t *testing.T) {
	p0 := PartitionKey{Topic: "orders", Partition: 0}
	p1 := PartitionKey{Topic: "orders", Partition: 1}

	partial := &CommitError{Failed: map[PartitionKey]error{p1: errors.New("fenced")}}
	wrapped := fmt.Errorf("flush: %w", partial)

	if !errors.Is(wrapped, ErrCommit) {
		t.Fatalf("wrapped commit error must match ErrCommit")
	}
	if partial.FailedFor(p0) || !partial.FailedFor(p1) {
		t.Fatalf("partial failure should only cover p1")
	}

	cause := errors.New("coordinator unavailable")
	request := &CommitError{Err: cause}
	if !request.FailedFor(p0) || !request.FailedFor(p1) {
		t.Fatalf("request level failure covers every partition")
	}
	if !errors.Is(request, cause) {
		t.Fatalf("request failure should unwrap to its cause")
	}
}

func TestCommitError_MessageIsStable(t *testing.T) {
	err := &CommitError{Failed: map[PartitionKey]error{
		{Topic: "b", Partition: 0}: errors.New("x"),
		{Topic: "a", Partition: 2}: errors.New("y"),
	}}

	want := "commit offsets: a/2: y; b/0: x"
	if err.Error() != want {
		t.Fatalf("message: got %q want %q", err.Error(), want)
	}
}

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	if Recoverable(nil) != nil || Fatal(nil) != nil {
		t.Fatalf("nil errors must stay nil")
	}
	if !IsRecoverable(fmt.Errorf("wrap: %w", Recoverable(base))) {
		t.Fatalf("wrapped recoverable not detected")
	}
	if IsFatal(Recoverable(base)) || IsRecoverable(Fatal(base)) {
		t.Fatalf("classes must not overlap")
	}
	if !errors.Is(Fatal(base), base) {
		t.Fatalf("fatal should unwrap to its cause")
	}
	if IsFatal(base) || IsRecoverable(base) {
		t.Fatalf("plain errors are unclassified")
	}

	fe := &FatalError{Partition: PartitionKey{Topic: "orders", Partition: 3}, Offset: 10, Err: base}
	if fe.Error() != "fatal at orders/3@10: boom" {
		t.Fatalf("fatal message: %q", fe.Error())
	}
}

func TestKeysAndSort(t *testing.T) {
	if got := DedupKey("g", "order-1"); got != "dedup::g::order-1" {
		t.Fatalf("dedup key: %q", got)
	}
	if got := ReceiptKey("orders", 2, 7); got != "receipt::orders::2::7" {
		t.Fatalf("receipt key: %q", got)
	}

	ps := []PartitionKey{{"b", 0}, {"a", 2}, {"a", 1}}
	SortPartitions(ps)
	if ps[0] != (PartitionKey{"a", 1}) || ps[1] != (PartitionKey{"a", 2}) || ps[2] != (PartitionKey{"b", 0}) {
		t.Fatalf("sorted: %v", ps)
	}
}
