package dedup

import (
	"context"
	"fmt"
	"time"

	"safeconsume/internal/consume"
	"safeconsume/internal/couchbase"
)

// Backends accepted by Open.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendCouchbase = "couchbase"
)

// Config selects and configures a guard backend.
type Config struct {
	Backend   string        `env:"BACKEND" envDefault:"memory"`
	Retention time.Duration `env:"RETENTION" envDefault:"24h"`
	MaxKeys   int           `env:"MAX_KEYS" envDefault:"1000000"`
	// ClaimTTL bounds how long a key stays claimed by a consumer that died
	// mid-handler. It must exceed the handler timeout.
	ClaimTTL  time.Duration    `env:"CLAIM_TTL" envDefault:"2m"`
	Redis     RedisConfig      `envPrefix:"REDIS_"`
	Couchbase couchbase.Config `envPrefix:"COUCHBASE_"`
}

const defaultClaimTTL = 2 * time.Minute

// Open connects the configured backend. Keys of remote backends are
// namespaced by group.
func Open(ctx context.Context, cfg Config, group string) (consume.DedupGuard, error) {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaultClaimTTL
	}

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(MemoryConfig{Retention: cfg.Retention, MaxKeys: cfg.MaxKeys, ClaimTTL: cfg.ClaimTTL})

	case BackendRedis:
		client, err := DialRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		guard, err := NewRedis(client, group, cfg.Retention, cfg.ClaimTTL)
		if err != nil {
			client.Close()
			return nil, err
		}
		return guard, nil

	case BackendCouchbase:
		cluster, bucket, err := couchbase.Connect(cfg.Couchbase)
		if err != nil {
			return nil, err
		}
		docs, err := NewDedupStore(cluster, bucket, cfg.Couchbase.Scope, cfg.Couchbase.Collection)
		if err != nil {
			cluster.Close(nil)
			return nil, err
		}
		guard, err := NewCouchbase(docs, group, cfg.Retention, cfg.ClaimTTL)
		if err != nil {
			docs.Close()
			return nil, err
		}
		return guard, nil

	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Backend)
	}
}
