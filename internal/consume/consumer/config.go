package consumer

import "time"

type Config struct {
	// MaxBuffered is the mailbox size above which a partition's fetching is
	// paused. It resumes once the worker drains below half of it.
	MaxBuffered int `env:"MAX_BUFFERED" envDefault:"500"`
	// CommitPerBatch commits a partition synchronously after every batch its
	// worker finishes, on top of the periodic flush.
	CommitPerBatch bool `env:"COMMIT_PER_BATCH" envDefault:"false"`
	// StopOnFatal makes Run return the first fatal handler error instead of
	// only halting the partition.
	StopOnFatal bool `env:"STOP_ON_FATAL" envDefault:"false"`
	// HandlerTimeout bounds a single handler attempt. A revocation waits at
	// most this long for an in-flight attempt.
	HandlerTimeout  time.Duration `env:"HANDLER_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	KeyLockStripes  int           `env:"KEY_LOCK_STRIPES" envDefault:"256"`
	// ClaimWait bounds how long a message waits for another consumer's
	// claim on its key. It should exceed the guard's claim TTL so a claim
	// left by a dead consumer expires first.
	ClaimWait time.Duration `env:"CLAIM_WAIT" envDefault:"3m"`

	Retry       RetryConfig `envPrefix:"RETRY_"`
	DedupRecord RetryConfig `envPrefix:"DEDUP_RECORD_"`
}

// RetryConfig shapes an exponential backoff.
type RetryConfig struct {
	MaxAttempts     uint          `env:"MAX_ATTEMPTS" envDefault:"5"`
	InitialInterval time.Duration `env:"INITIAL_INTERVAL" envDefault:"100ms"`
	MaxInterval     time.Duration `env:"MAX_INTERVAL" envDefault:"5s"`
	Multiplier      float64       `env:"MULTIPLIER" envDefault:"2"`
}

// MaxBackoff is the longest a message can spend in retries, ignoring the
// time spent in the handler itself.
func (r RetryConfig) MaxBackoff() time.Duration {
	var total time.Duration
	interval := r.InitialInterval
	for i := uint(1); i < r.MaxAttempts; i++ {
		total += interval
		interval = time.Duration(float64(interval) * r.Multiplier)
		if r.MaxInterval > 0 && interval > r.MaxInterval {
			interval = r.MaxInterval
		}
	}
	return total
}

func (c Config) withDefaults() Config {
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 500
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.KeyLockStripes <= 0 {
		c.KeyLockStripes = 256
	}
	if c.ClaimWait <= 0 {
		c.ClaimWait = 3 * time.Minute
	}
	c.Retry = c.Retry.withDefaults()
	c.DedupRecord = c.DedupRecord.withDefaults()
	return c
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 1
	}
	if r.InitialInterval <= 0 {
		r.InitialInterval = 100 * time.Millisecond
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = 5 * time.Second
	}
	if r.Multiplier < 1 {
		r.Multiplier = 2
	}
	return r
}
