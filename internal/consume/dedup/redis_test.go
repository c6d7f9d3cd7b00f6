package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"safeconsume/internal/consume"
)

type fakeRedis struct {
	keys   map[string]string
	ttls   map[string]time.Duration
	err    error
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	switch v := value.(type) {
	case []byte:
		f.keys[key] = string(v)
	case string:
		f.keys[key] = v
	}
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// Eval understands only the claim release script: delete KEYS[1] when it
// holds ARGV[1].
func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	if script != releaseScript {
		return redis.NewCmdResult(nil, errors.New("unexpected script"))
	}
	if v, ok := f.keys[keys[0]]; ok && v == args[0] {
		delete(f.keys, keys[0])
		delete(f.ttls, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestNewRedis_Validates(t *testing.T) {
	if _, err := NewRedis(newFakeRedis(), "", time.Hour, time.Minute); err == nil {
		t.Fatalf("expected error for missing group")
	}
	if _, err := NewRedis(newFakeRedis(), "billing", 0, time.Minute); err == nil {
		t.Fatalf("expected error for missing retention")
	}
}

func TestRedis_RecordAndSeen(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	g, err := NewRedis(fake, "billing", 2*time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("new redis guard: %v", err)
	}

	if seen, err := g.Seen(ctx, "order-1"); err != nil || seen {
		t.Fatalf("fresh key: seen=%v err=%v", seen, err)
	}

	msg := consume.Message{Key: "order-1", Topic: "orders", Partition: 1, Offset: 5}
	if err := g.Record(ctx, "order-1", msg); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := g.Record(ctx, "order-1", msg); err != nil {
		t.Fatalf("second record must be a no-op: %v", err)
	}

	if seen, err := g.Seen(ctx, "order-1"); err != nil || !seen {
		t.Fatalf("recorded key: seen=%v err=%v", seen, err)
	}

	id := consume.DedupKey("billing", "order-1")
	if fake.ttls[id] != 2*time.Hour {
		t.Fatalf("marker ttl: got %v want 2h", fake.ttls[id])
	}

	var rec consume.DedupRecord
	if err := json.Unmarshal([]byte(fake.keys[id]), &rec); err != nil {
		t.Fatalf("decode marker: %v", err)
	}
	if rec.Offset != 5 || rec.Topic != "orders" || rec.Key != "order-1" {
		t.Fatalf("unexpected marker: %+v", rec)
	}

	if err := g.Close(); err != nil || !fake.closed {
		t.Fatalf("close should close the client: %v", err)
	}
}

func TestRedis_Errors(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	g, _ := NewRedis(fake, "billing", time.Hour, time.Minute)

	if _, err := g.Seen(ctx, "k"); err == nil {
		t.Fatalf("expected seen error")
	}
	if _, err := g.Claim(ctx, "k"); err == nil {
		t.Fatalf("expected claim error")
	}
	if err := g.Release(ctx, "k"); err == nil {
		t.Fatalf("expected release error")
	}
	if err := g.Record(ctx, "k", consume.Message{}); err == nil {
		t.Fatalf("expected record error")
	}
}

func TestRedis_ClaimIsExclusiveAcrossInstances(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	first, _ := NewRedis(fake, "billing", time.Hour, 30*time.Second)
	second, _ := NewRedis(fake, "billing", time.Hour, 30*time.Second)

	if ok, err := first.Claim(ctx, "order-1"); err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if ok, err := second.Claim(ctx, "order-1"); err != nil || ok {
		t.Fatalf("second instance must not claim a held key: ok=%v err=%v", ok, err)
	}

	claim := consume.ClaimKey("billing", "order-1")
	if fake.ttls[claim] != 30*time.Second {
		t.Fatalf("claim ttl: got %v want 30s", fake.ttls[claim])
	}

	// only the holder can release
	if err := second.Release(ctx, "order-1"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if _, ok := fake.keys[claim]; !ok {
		t.Fatalf("foreign release removed the claim")
	}

	if err := first.Release(ctx, "order-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := second.Claim(ctx, "order-1"); !ok {
		t.Fatalf("released key should be claimable")
	}

	if seen, _ := first.Seen(ctx, "order-1"); seen {
		t.Fatalf("a claim is not a processed marker")
	}
}
