package couchbase

import (
	"errors"
	"testing"

	"github.com/couchbase/gocb/v2"
)

type fakeCluster struct {
	closed int
	err    error
}

func (f *fakeCluster) Close(*gocb.ClusterCloseOptions) error {
	f.closed++
	return f.err
}

func TestWaitReady_ClosesClusterWhenBucketNotReady(t *testing.T) {
	cluster := &fakeCluster{}

	err := waitReady(cluster, func() error { return gocb.ErrTimeout })
	if !errors.Is(err, gocb.ErrTimeout) {
		t.Fatalf("expected readiness error, got %v", err)
	}
	if cluster.closed != 1 {
		t.Fatalf("cluster closed %d times, want 1", cluster.closed)
	}
}

func TestWaitReady_KeepsClusterWhenReady(t *testing.T) {
	cluster := &fakeCluster{}

	if err := waitReady(cluster, func() error { return nil }); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if cluster.closed != 0 {
		t.Fatalf("ready cluster must stay open")
	}
}

func TestWaitReady_ReportsCloseFailure(t *testing.T) {
	closeErr := errors.New("close failed")
	cluster := &fakeCluster{err: closeErr}

	err := waitReady(cluster, func() error { return gocb.ErrTimeout })
	if !errors.Is(err, gocb.ErrTimeout) || !errors.Is(err, closeErr) {
		t.Fatalf("expected both errors, got %v", err)
	}
}
