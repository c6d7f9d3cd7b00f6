package dedup

import (
	"context"
	"testing"
	"time"

	"safeconsume/internal/consume"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMemory(t *testing.T, retention time.Duration, maxKeys int) (*Memory, *clock) {
	t.Helper()
	m, err := NewMemory(MemoryConfig{Retention: retention, MaxKeys: maxKeys, ClaimTTL: time.Minute})
	if err != nil {
		t.Fatalf("new memory guard: %v", err)
	}
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.now = c.now
	return m, c
}

func TestNewMemory_InvalidConfig(t *testing.T) {
	if _, err := NewMemory(MemoryConfig{Retention: 0, MaxKeys: 10}); err == nil {
		t.Fatalf("expected error for zero retention")
	}
	if _, err := NewMemory(MemoryConfig{Retention: time.Hour, MaxKeys: 0}); err == nil {
		t.Fatalf("expected error for zero capacity")
	}
}

func TestMemory_SeenAfterRecord(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t, time.Hour, 10)

	seen, err := m.Seen(ctx, "order-1")
	if err != nil || seen {
		t.Fatalf("fresh key: seen=%v err=%v", seen, err)
	}

	if err := m.Record(ctx, "order-1", consume.Message{}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := m.Record(ctx, "order-1", consume.Message{}); err != nil {
		t.Fatalf("recording twice must not fail: %v", err)
	}

	seen, err = m.Seen(ctx, "order-1")
	if err != nil || !seen {
		t.Fatalf("recorded key: seen=%v err=%v", seen, err)
	}
	if m.Len() != 1 {
		t.Fatalf("len: got %d want 1", m.Len())
	}
}

func TestMemory_RetentionExpiry(t *testing.T) {
	ctx := context.Background()
	m, c := newTestMemory(t, time.Hour, 10)

	_ = m.Record(ctx, "a", consume.Message{})
	c.advance(30 * time.Minute)
	_ = m.Record(ctx, "b", consume.Message{})
	c.advance(45 * time.Minute)

	if seen, _ := m.Seen(ctx, "a"); seen {
		t.Fatalf("a should have expired")
	}
	if seen, _ := m.Seen(ctx, "b"); !seen {
		t.Fatalf("b is still within retention")
	}
	if m.Len() != 1 {
		t.Fatalf("expired key should be pruned, len=%d", m.Len())
	}
	if m.PrematureEvictions() != 0 {
		t.Fatalf("expiry is not a premature eviction")
	}
}

func TestMemory_CapacityEvictionIsCounted(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory(t, time.Hour, 2)

	for _, k := range []string{"a", "b", "c"} {
		_ = m.Record(ctx, k, consume.Message{})
	}

	if seen, _ := m.Seen(ctx, "a"); seen {
		t.Fatalf("a should have been evicted for capacity")
	}
	if m.PrematureEvictions() != 1 {
		t.Fatalf("premature evictions: got %d want 1", m.PrematureEvictions())
	}
}

func TestMemory_ClaimExpiresAndReleases(t *testing.T) {
	ctx := context.Background()
	m, c := newTestMemory(t, time.Hour, 10)

	if ok, _ := m.Claim(ctx, "order-1"); !ok {
		t.Fatalf("first claim failed")
	}
	if ok, _ := m.Claim(ctx, "order-1"); ok {
		t.Fatalf("held key claimed twice")
	}

	c.advance(2 * time.Minute)
	if ok, _ := m.Claim(ctx, "order-1"); !ok {
		t.Fatalf("expired claim should be claimable")
	}

	if err := m.Release(ctx, "order-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := m.Claim(ctx, "order-1"); !ok {
		t.Fatalf("released key should be claimable")
	}
}
