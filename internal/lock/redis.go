package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
)

const (
	keyPrefix     = "identity:lock:"
	retryInterval = 25 * time.Millisecond
	releaseBudget = 2 * time.Second
)

// releaseScript deletes the key only if we still own it, so a lease that
// expired and was taken by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a lease-based Locker. A lease expires after ttl even if the
// holder dies, so ttl must exceed the longest critical section.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

var _ Locker = (*Redis)(nil)

func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	return &Redis{client: client, ttl: ttl, logger: logger}
}

func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	token := xid.New().String()
	held := make([]string, 0, len(keys))

	for _, k := range keys {
		if err := r.acquire(ctx, keyPrefix+k, token); err != nil {
			r.release(held, token)
			return nil, err
		}
		held = append(held, keyPrefix+k)
	}

	return sync.OnceFunc(func() { r.release(held, token) }), nil
}

// acquire polls SET NX until it wins or ctx ends.
func (r *Redis) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return fmt.Errorf("lock: acquiring %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// release runs on a fresh context: the caller's may already be cancelled.
func (r *Redis) release(keys []string, token string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseBudget)
	defer cancel()
	for i := len(keys) - 1; i >= 0; i-- {
		if err := releaseScript.Run(ctx, r.client, []string{keys[i]}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("lock: release failed, lease will expire",
				slog.String("key", keys[i]),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Redis client defaults.
const (
	dialTimeout  = 3 * time.Second
	readTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
	pingTimeout  = 2 * time.Second
)

// NewRedisClient parses a redis:// URL and returns a client that has
// answered a PING.
func NewRedisClient(ctx context.Context, url string, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lock: invalid redis URL: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = writeTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock: redis ping failed: %w", err)
	}

	logger.Info("redis client connected", slog.String("addr", opts.Addr))
	return client, nil
}
