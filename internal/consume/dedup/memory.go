// Package dedup provides DedupGuard backends.
//
// Every backend drops keys once they are older than the configured
// retention. Retention must exceed the longest plausible redelivery delay
// (broker retries plus rebalance latency); a key dropped earlier lets a
// redelivered message run its handler again.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"safeconsume/internal/consume"
)

// MemoryConfig configures the in-process guard.
type MemoryConfig struct {
	Retention time.Duration `env:"RETENTION" envDefault:"24h"`
	MaxKeys   int           `env:"MAX_KEYS" envDefault:"1000000"`
	ClaimTTL  time.Duration `env:"CLAIM_TTL" envDefault:"2m"`
}

// Memory is an in-process guard bounded both by retention and by key count.
// Expired keys are pruned on access.
type Memory struct {
	mu        sync.Mutex
	entries   *simplelru.LRU[string, time.Time]
	retention time.Duration
	now       func() time.Time
	premature int

	// claims maps a key to the time its claim expires.
	claims   map[string]time.Time
	claimTTL time.Duration
}

var _ consume.DedupGuard = (*Memory)(nil)

func NewMemory(cfg MemoryConfig) (*Memory, error) {
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("dedup retention must be positive, got %s", cfg.Retention)
	}

	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaultClaimTTL
	}

	m := &Memory{
		retention: cfg.Retention,
		now:       time.Now,
		claims:    make(map[string]time.Time),
		claimTTL:  cfg.ClaimTTL,
	}

	entries, err := simplelru.NewLRU[string, time.Time](cfg.MaxKeys, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup lru: %w", err)
	}
	m.entries = entries

	return m, nil
}

func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.prune(now)

	at, ok := m.entries.Peek(key)
	return ok && now.Sub(at) < m.retention, nil
}

func (m *Memory) Record(_ context.Context, key string, _ consume.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.prune(now)
	m.entries.Add(key, now)

	return nil
}

func (m *Memory) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.claims[key]; ok && now.Before(until) {
		return false, nil
	}
	m.claims[key] = now.Add(m.claimTTL)

	return true, nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.claims, key)

	return nil
}

func (m *Memory) Close() error { return nil }

// Len returns the number of retained keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.entries.Len()
}

// PrematureEvictions counts keys dropped for capacity while still inside the
// retention window. Anything above zero means MaxKeys is too small.
func (m *Memory) PrematureEvictions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.premature
}

// prune drops expired keys. Add moves a key to the front, so the oldest
// entry is always the least recently recorded one.
func (m *Memory) prune(now time.Time) {
	for {
		_, at, ok := m.entries.GetOldest()
		if !ok || now.Sub(at) < m.retention {
			return
		}
		m.entries.RemoveOldest()
	}
}

// onEvict runs under m.mu from Add and RemoveOldest.
func (m *Memory) onEvict(_ string, at time.Time) {
	if m.now().Sub(at) < m.retention {
		m.premature++
	}
}
