package dedup

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/couchbase/gocb/v2"

	"safeconsume/internal/consume"
)

type fakeDocuments struct {
	docs    map[string]consume.DedupRecord
	expiry  map[string]time.Duration
	cas     map[string]gocb.Cas
	nextCas gocb.Cas
	failErr error
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{
		docs:   map[string]consume.DedupRecord{},
		expiry: map[string]time.Duration{},
		cas:    map[string]gocb.Cas{},
	}
}

func (f *fakeDocuments) Insert(ctx context.Context, key string, value consume.DedupRecord, opts *gocb.InsertOptions) (gocb.Cas, error) {
	if f.failErr != nil {
		return 0, f.failErr
	}
	if _, ok := f.docs[key]; ok {
		return 0, fmt.Errorf("failed to insert document with key %s: %w", key, gocb.ErrDocumentExists)
	}
	f.nextCas++
	f.docs[key] = value
	f.expiry[key] = opts.Expiry
	f.cas[key] = f.nextCas
	return f.nextCas, nil
}

func (f *fakeDocuments) Remove(ctx context.Context, key string, cas gocb.Cas) error {
	if f.failErr != nil {
		return f.failErr
	}
	current, ok := f.cas[key]
	switch {
	case !ok:
		return fmt.Errorf("failed to remove document with key %s: %w", key, gocb.ErrDocumentNotFound)
	case current != cas:
		return fmt.Errorf("failed to remove document with key %s: %w", key, gocb.ErrCasMismatch)
	}
	delete(f.docs, key)
	delete(f.expiry, key)
	delete(f.cas, key)
	return nil
}

// expire drops key as if its document expiry passed.
func (f *fakeDocuments) expire(key string) {
	delete(f.docs, key)
	delete(f.expiry, key)
	delete(f.cas, key)
}

func (f *fakeDocuments) Exists(ctx context.Context, key string) (bool, error) {
	if f.failErr != nil {
		return false, f.failErr
	}
	_, ok := f.docs[key]
	return ok, nil
}

func (f *fakeDocuments) Close() error { return nil }

func TestCouchbase_RecordAndSeen(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocuments()
	g, err := NewCouchbase(docs, "billing", 48*time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("new couchbase guard: %v", err)
	}

	if seen, _ := g.Seen(ctx, "order-7"); seen {
		t.Fatalf("fresh key reported as seen")
	}

	msg := consume.Message{Key: "order-7", Topic: "orders", Offset: 70}
	if err := g.Record(ctx, "order-7", msg); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := g.Record(ctx, "order-7", msg); err != nil {
		t.Fatalf("existing document must not be an error: %v", err)
	}
	if seen, _ := g.Seen(ctx, "order-7"); !seen {
		t.Fatalf("recorded key not seen")
	}

	id := consume.DedupKey("billing", "order-7")
	if docs.expiry[id] != 48*time.Hour {
		t.Fatalf("document expiry: got %v", docs.expiry[id])
	}
	if docs.docs[id].Offset != 70 {
		t.Fatalf("document offset: got %d", docs.docs[id].Offset)
	}
}

func TestCouchbase_InsertFailure(t *testing.T) {
	docs := newFakeDocuments()
	docs.failErr = gocb.ErrTimeout
	g, _ := NewCouchbase(docs, "billing", time.Hour, time.Minute)

	err := g.Record(context.Background(), "k", consume.Message{})
	if !errors.Is(err, gocb.ErrTimeout) {
		t.Fatalf("expected timeout to surface, got %v", err)
	}
	if _, err := g.Claim(context.Background(), "k"); !errors.Is(err, gocb.ErrTimeout) {
		t.Fatalf("expected claim timeout to surface, got %v", err)
	}
}

func TestCouchbase_ClaimIsExclusiveAcrossInstances(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocuments()
	first, _ := NewCouchbase(docs, "billing", time.Hour, 30*time.Second)
	second, _ := NewCouchbase(docs, "billing", time.Hour, 30*time.Second)

	if ok, err := first.Claim(ctx, "order-7"); err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if ok, err := second.Claim(ctx, "order-7"); err != nil || ok {
		t.Fatalf("second instance must not claim a held key: ok=%v err=%v", ok, err)
	}

	claim := consume.ClaimKey("billing", "order-7")
	if docs.expiry[claim] != 30*time.Second {
		t.Fatalf("claim expiry: got %v want 30s", docs.expiry[claim])
	}

	// never claimed by second, nothing to remove
	if err := second.Release(ctx, "order-7"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if _, ok := docs.docs[claim]; !ok {
		t.Fatalf("foreign release removed the claim")
	}

	if err := first.Release(ctx, "order-7"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := second.Claim(ctx, "order-7"); !ok {
		t.Fatalf("released key should be claimable")
	}
}

func TestCouchbase_ReleaseAfterTakeoverKeepsNewClaim(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocuments()
	first, _ := NewCouchbase(docs, "billing", time.Hour, time.Second)
	second, _ := NewCouchbase(docs, "billing", time.Hour, time.Second)

	if ok, _ := first.Claim(ctx, "order-9"); !ok {
		t.Fatalf("first claim failed")
	}

	claim := consume.ClaimKey("billing", "order-9")
	docs.expire(claim)

	if ok, _ := second.Claim(ctx, "order-9"); !ok {
		t.Fatalf("expired claim should be claimable")
	}
	if err := first.Release(ctx, "order-9"); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if doc, ok := docs.docs[claim]; !ok || doc.Owner != second.owner {
		t.Fatalf("stale release removed the new holder's claim")
	}
}
