package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tickerchat/tickerchat/internal/log"
)

// Redis is a Cache backed by a Redis instance. All failures degrade to
// misses; the backend being down costs latency, never correctness.
type Redis struct {
	client *redis.Client
	logger log.Logger
}

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis creates a Redis-backed cache. Construction never fails: an
// unreachable backend simply makes every operation a miss.
func NewRedis(cfg RedisConfig, logger log.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client, logger: logger}
}

var _ Cache = (*Redis)(nil)

// Get returns the cached value, or a miss on absence or any backend error.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Debug("cache get degraded to miss", "key", key, "error", err)
		}
		return nil, false
	}
	return val, true
}

// Set stores value with the given TTL. Errors are logged and swallowed.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Debug("cache set dropped", "key", key, "error", err)
	}
}

// Ping reports backend reachability. Used by the health endpoint only;
// callers must not gate cache usage on it.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
