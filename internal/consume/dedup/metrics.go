package dedup

import (
	"context"
	"time"

	"safeconsume/internal/consume"
	"safeconsume/internal/consume/metrics"
)

// MetricsGuard wraps a consume.DedupGuard with metrics collection
type MetricsGuard struct {
	guard    consume.DedupGuard
	registry *metrics.Registry
}

// NewMetricsGuard creates a new instrumented guard
func NewMetricsGuard(guard consume.DedupGuard, registry *metrics.Registry) consume.DedupGuard {
	return &MetricsGuard{
		guard:    guard,
		registry: registry,
	}
}

// Seen implements consume.DedupGuard.Seen with metrics collection
func (g *MetricsGuard) Seen(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	seen, err := g.guard.Seen(ctx, key)

	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case seen:
		result = "hit"
	}
	g.registry.RecordDedupOperation("seen", result, time.Since(start))

	return seen, err
}

// Record implements consume.DedupGuard.Record with metrics collection
func (g *MetricsGuard) Record(ctx context.Context, key string, msg consume.Message) error {
	start := time.Now()

	err := g.guard.Record(ctx, key, msg)

	result := "success"
	if err != nil {
		result = "error"
	}
	g.registry.RecordDedupOperation("record", result, time.Since(start))

	if m, ok := g.guard.(*Memory); ok {
		g.registry.SetDedupKeys(m.Len(), m.PrematureEvictions())
	}

	return err
}

// Claim implements consume.DedupGuard.Claim with metrics collection
func (g *MetricsGuard) Claim(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	claimed, err := g.guard.Claim(ctx, key)

	result := "acquired"
	switch {
	case err != nil:
		result = "error"
	case !claimed:
		result = "contended"
	}
	g.registry.RecordDedupOperation("claim", result, time.Since(start))

	return claimed, err
}

// Release implements consume.DedupGuard.Release with metrics collection
func (g *MetricsGuard) Release(ctx context.Context, key string) error {
	start := time.Now()

	err := g.guard.Release(ctx, key)

	result := "success"
	if err != nil {
		result = "error"
	}
	g.registry.RecordDedupOperation("release", result, time.Since(start))

	return err
}

// Close implements consume.DedupGuard.Close
func (g *MetricsGuard) Close() error {
	return g.guard.Close()
}
