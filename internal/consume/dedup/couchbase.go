package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/google/uuid"

	"safeconsume/internal/consume"
	"safeconsume/internal/couchbase"
	"safeconsume/internal/validator"
)

// Documents is the subset of couchbase.Couchbase the guard needs.
type Documents interface {
	Insert(ctx context.Context, key string, value consume.DedupRecord, opts *gocb.InsertOptions) (gocb.Cas, error)
	Exists(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string, cas gocb.Cas) error
	Close() error
}

// Couchbase stores one document per processed key. Documents expire with the
// retention window. A claim is a second document that expires after the
// claim TTL and is removed by CAS, so only the inserting guard deletes it.
type Couchbase struct {
	docs      Documents
	group     string
	retention time.Duration
	claimTTL  time.Duration
	owner     string

	mu     sync.Mutex
	claims map[string]gocb.Cas
}

var _ consume.DedupGuard = (*Couchbase)(nil)

func NewDedupStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope, collection string) (*couchbase.Couchbase[consume.DedupRecord], error) {
	c := bucket.Scope(scope).Collection(collection)
	store, err := couchbase.NewCouchbase[consume.DedupRecord](cluster, bucket, c)
	if err != nil {
		return nil, err
	}

	return store, nil
}

func NewCouchbase(docs Documents, group string, retention, claimTTL time.Duration) (*Couchbase, error) {
	c := Couchbase{
		docs:      docs,
		group:     group,
		retention: retention,
		claimTTL:  claimTTL,
		owner:     uuid.NewString(),
		claims:    make(map[string]gocb.Cas),
	}

	if err := validator.Validate("couchbase dedup guard", c.docs, c.group, c.retention, c.claimTTL); err != nil {
		return nil, fmt.Errorf("failed to validate couchbase dedup guard deps: %w", err)
	}

	return &c, nil
}

func (c *Couchbase) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := c.docs.Exists(ctx, consume.DedupKey(c.group, key))
	if err != nil {
		return false, fmt.Errorf("failed to check dedup key %s: %w", key, err)
	}

	return ok, nil
}

func (c *Couchbase) Record(ctx context.Context, key string, msg consume.Message) error {
	id := consume.DedupKey(c.group, key)

	_, err := c.docs.Insert(ctx, id, newRecord(id, key, msg), &gocb.InsertOptions{
		Expiry: c.retention,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gocb.ErrDocumentExists):
		// recorded by a concurrent delivery
		return nil
	default:
		return fmt.Errorf("failed to record dedup key %s: %w", key, err)
	}
}

func (c *Couchbase) Claim(ctx context.Context, key string) (bool, error) {
	id := consume.ClaimKey(c.group, key)

	doc := consume.DedupRecord{ID: id, Key: key, ProcessedAt: time.Now().UTC(), Owner: c.owner}
	cas, err := c.docs.Insert(ctx, id, doc, &gocb.InsertOptions{Expiry: c.claimTTL})
	switch {
	case err == nil:
	case errors.Is(err, gocb.ErrDocumentExists):
		return false, nil
	default:
		return false, fmt.Errorf("failed to claim dedup key %s: %w", key, err)
	}

	c.mu.Lock()
	c.claims[id] = cas
	c.mu.Unlock()

	return true, nil
}

func (c *Couchbase) Release(ctx context.Context, key string) error {
	id := consume.ClaimKey(c.group, key)

	c.mu.Lock()
	cas, ok := c.claims[id]
	delete(c.claims, id)
	c.mu.Unlock()

	if !ok {
		return nil
	}

	err := c.docs.Remove(ctx, id, cas)
	switch {
	case err == nil, errors.Is(err, gocb.ErrDocumentNotFound), errors.Is(err, gocb.ErrCasMismatch):
		// expired, or taken over after expiry
		return nil
	default:
		return fmt.Errorf("failed to release dedup key %s: %w", key, err)
	}
}

func (c *Couchbase) Close() error {
	return c.docs.Close()
}
