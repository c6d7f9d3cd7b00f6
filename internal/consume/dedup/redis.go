package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"safeconsume/internal/consume"
	"safeconsume/internal/validator"
)

// RedisConfig holds the connection settings of the Redis guard.
type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// RedisClient is the subset of the go-redis client the guard needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes a claim only while it still holds this guard's
// token, so an expired claim taken over by another consumer survives.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Redis records processed keys as SET NX markers that expire after the
// retention window, so several consumer instances share one guard. Claims
// are SET NX keys holding a per-guard token.
type Redis struct {
	client    RedisClient
	group     string
	retention time.Duration
	claimTTL  time.Duration
	token     string
}

var _ consume.DedupGuard = (*Redis)(nil)

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}

	return client, nil
}

func NewRedis(client RedisClient, group string, retention, claimTTL time.Duration) (*Redis, error) {
	r := Redis{
		client:    client,
		group:     group,
		retention: retention,
		claimTTL:  claimTTL,
		token:     uuid.NewString(),
	}

	if err := validator.Validate("redis dedup guard", r.client, r.group, r.retention, r.claimTTL); err != nil {
		return nil, fmt.Errorf("failed to validate redis dedup guard deps: %w", err)
	}

	return &r, nil
}

func (r *Redis) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, consume.DedupKey(r.group, key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedup key %s: %w", key, err)
	}

	return n > 0, nil
}

func (r *Redis) Record(ctx context.Context, key string, msg consume.Message) error {
	id := consume.DedupKey(r.group, key)

	marker, err := json.Marshal(newRecord(id, key, msg))
	if err != nil {
		return fmt.Errorf("failed to encode dedup record %s: %w", key, err)
	}

	// false means another delivery recorded the key first, which is fine
	if _, err := r.client.SetNX(ctx, id, marker, r.retention).Result(); err != nil {
		return fmt.Errorf("failed to record dedup key %s: %w", key, err)
	}

	return nil
}

func (r *Redis) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, consume.ClaimKey(r.group, key), r.token, r.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim dedup key %s: %w", key, err)
	}

	return ok, nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	if err := r.client.Eval(ctx, releaseScript, []string{consume.ClaimKey(r.group, key)}, r.token).Err(); err != nil {
		return fmt.Errorf("failed to release dedup key %s: %w", key, err)
	}

	return nil
}

func (r *Redis) Close() error {
	if c, ok := r.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func newRecord(id, key string, msg consume.Message) consume.DedupRecord {
	return consume.DedupRecord{
		ID:          id,
		Key:         key,
		Topic:       msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		ProcessedAt: time.Now().UTC(),
	}
}
