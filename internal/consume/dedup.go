package consume

import (
	"context"
	"time"
)

// DedupRecord is the processed marker stored for an idempotency key.
type DedupRecord struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Topic       string    `json:"topic"`
	Partition   int32     `json:"partition"`
	Offset      int64     `json:"offset"`
	ProcessedAt time.Time `json:"processedAt"`
	// Owner is set on claim documents only.
	Owner string `json:"owner,omitempty"`
}

// DedupGuard tracks idempotency keys whose effects were already applied.
type DedupGuard interface {
	// Seen reports whether key was recorded within the retention window.
	Seen(ctx context.Context, key string) (bool, error)

	// Record marks key as processed by msg. Recording an existing key is not
	// an error.
	Record(ctx context.Context, key string, msg Message) error

	// Claim takes an expiring hold on key for the duration of one handler
	// run. It reports false while another holder's claim is live, so
	// consumers sharing the guard never handle the same key at once.
	Claim(ctx context.Context, key string) (bool, error)

	// Release drops a claim taken by this guard. Releasing a claim that
	// expired or was never taken is not an error.
	Release(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
