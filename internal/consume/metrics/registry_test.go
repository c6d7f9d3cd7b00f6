package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"safeconsume/internal/consume"
)

func TestRegistry_RecordPoll(t *testing.T) {
	r := NewRegistry()

	r.RecordPoll(0, time.Millisecond, nil)
	r.RecordPoll(3, time.Millisecond, nil)
	r.RecordPoll(0, time.Millisecond, errors.New("boom"))

	for status, want := range map[string]float64{"empty": 1, "success": 1, "error": 1} {
		if got := testutil.ToFloat64(r.pollTotal.WithLabelValues(status)); got != want {
			t.Fatalf("poll %s: got %v want %v", status, got, want)
		}
	}
}

func TestRegistry_RecordMessage(t *testing.T) {
	r := NewRegistry()
	p := consume.PartitionKey{Topic: "orders", Partition: 2}

	r.RecordMessage(p, StatusHandled)
	r.RecordMessage(p, StatusHandled)
	r.RecordMessage(p, StatusDuplicate)

	if got := testutil.ToFloat64(r.messagesTotal.WithLabelValues("orders", "2", StatusHandled)); got != 2 {
		t.Fatalf("handled: got %v want 2", got)
	}
	if got := testutil.ToFloat64(r.messagesTotal.WithLabelValues("orders", "2", StatusDuplicate)); got != 1 {
		t.Fatalf("duplicate: got %v want 1", got)
	}
}

func TestRegistry_Commits(t *testing.T) {
	r := NewRegistry()

	r.RecordCommit(CommitSync, time.Millisecond, nil)
	r.RecordCommit(CommitRevoke, time.Millisecond, errors.New("fenced"))
	r.RecordCommitDiscarded(3)

	if got := testutil.ToFloat64(r.commitTotal.WithLabelValues(CommitSync, "success")); got != 1 {
		t.Fatalf("sync success: got %v want 1", got)
	}
	if got := testutil.ToFloat64(r.commitTotal.WithLabelValues(CommitRevoke, "error")); got != 1 {
		t.Fatalf("revoke error: got %v want 1", got)
	}
	if got := testutil.ToFloat64(r.commitTotal.WithLabelValues(CommitRevoke, "discarded")); got != 3 {
		t.Fatalf("revoke discarded: got %v want 3", got)
	}
}

func TestRegistry_OffsetsAndForget(t *testing.T) {
	r := NewRegistry()
	p := consume.PartitionKey{Topic: "orders", Partition: 0}

	r.SetOffsets(p, 12, 10)
	if got := testutil.ToFloat64(r.pendingOffset.WithLabelValues("orders", "0")); got != 12 {
		t.Fatalf("pending: got %v want 12", got)
	}
	if got := testutil.ToFloat64(r.committedOffset.WithLabelValues("orders", "0")); got != 10 {
		t.Fatalf("committed: got %v want 10", got)
	}

	r.ForgetPartition(p)
	if n := testutil.CollectAndCount(r.pendingOffset); n != 0 {
		t.Fatalf("expected pending series to be dropped, got %d", n)
	}
}

func TestRegistry_RecordRebalance(t *testing.T) {
	r := NewRegistry()

	r.RecordRebalance("assigned", 4, 3)

	if got := testutil.ToFloat64(r.rebalanceEpoch); got != 4 {
		t.Fatalf("epoch: got %v want 4", got)
	}
	if got := testutil.ToFloat64(r.ownedPartitions); got != 3 {
		t.Fatalf("owned: got %v want 3", got)
	}
}

func TestRegistry_DedupKeys(t *testing.T) {
	r := NewRegistry()

	r.SetDedupKeys(120, 4)

	if got := testutil.ToFloat64(r.dedupKeys); got != 120 {
		t.Fatalf("keys: got %v want 120", got)
	}
	if got := testutil.ToFloat64(r.dedupPrematureEvicted); got != 4 {
		t.Fatalf("premature evictions: got %v want 4", got)
	}
}
