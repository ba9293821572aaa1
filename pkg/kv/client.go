// Package kv wraps the Redis client with retry, health probing, and the
// primitive operations the storage service is built on.
package kv

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"

	"github.com/jokbolink/jokbod/pkg/config"
)

// ErrUnavailable indicates the KV store could not be reached after retries.
var ErrUnavailable = errors.New("kv store unavailable")

// ErrNotFound indicates the requested key does not exist.
var ErrNotFound = errors.New("key not found")

// reprobeInterval is how long the client stays in the unavailable state
// before a read path is allowed to attempt reconnection.
const reprobeInterval = 15 * time.Second

// Client is a thin wrapper over go-redis that tracks availability so callers
// can degrade to disk-only operation while Redis is down.
type Client struct {
	rdb        *redis.Client
	maxRetries int

	available atomic.Bool
	lastProbe atomic.Int64 // unix nanos of the last failed probe
}

// New connects to Redis and returns a Client. Connection failure is not
// fatal: the client starts in the unavailable state and reconnects lazily.
func New(ctx context.Context, cfg *config.RedisConfig, maxRetries int) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	c := &Client{rdb: rdb, maxRetries: maxRetries}
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("KV store unreachable at startup, continuing in degraded mode",
			"addr", cfg.Addr, "error", err)
		c.markUnavailable()
	} else {
		c.available.Store(true)
	}
	return c
}

// NewFromRedis wraps an existing go-redis client. Used by tests.
func NewFromRedis(rdb *redis.Client, maxRetries int) *Client {
	c := &Client{rdb: rdb, maxRetries: maxRetries}
	c.available.Store(true)
	return c
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Available reports whether the store answered its most recent operation.
// When unavailable, a reprobe is attempted at most every reprobeInterval.
func (c *Client) Available(ctx context.Context) bool {
	if c.available.Load() {
		return true
	}
	last := time.Unix(0, c.lastProbe.Load())
	if time.Since(last) < reprobeInterval {
		return false
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.markUnavailable()
		return false
	}
	slog.Info("KV store connection restored")
	c.available.Store(true)
	return true
}

func (c *Client) markUnavailable() {
	c.available.Store(false)
	c.lastProbe.Store(time.Now().UnixNano())
}

// withRetry runs op with exponential backoff, marking the client unavailable
// when every attempt fails with a connection-class error.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		err = op()
		if err == nil || err == redis.Nil {
			c.available.Store(true)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	c.markUnavailable()
	return errors.Join(ErrUnavailable, err)
}

// Get returns the string value at key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := c.withRetry(ctx, func() error {
		var opErr error
		val, opErr = c.rdb.Get(ctx, key).Result()
		return opErr
	})
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// GetBytes returns the raw bytes at key, or ErrNotFound.
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := c.withRetry(ctx, func() error {
		var opErr error
		val, opErr = c.rdb.Get(ctx, key).Bytes()
		return opErr
	})
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return val, err
}

// Set stores value at key with an optional TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.withRetry(ctx, func() error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// SetNX stores value only when key does not exist. Returns whether it was set.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	var set bool
	err := c.withRetry(ctx, func() error {
		var opErr error
		set, opErr = c.rdb.SetNX(ctx, key, value, ttl).Result()
		return opErr
	})
	return set, err
}

// Del removes the given keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.withRetry(ctx, func() error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// Exists reports whether key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.withRetry(ctx, func() error {
		var opErr error
		n, opErr = c.rdb.Exists(ctx, key).Result()
		return opErr
	})
	return n > 0, err
}

// Expire sets the TTL of key. Returns whether the key exists.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.withRetry(ctx, func() error {
		var opErr error
		ok, opErr = c.rdb.Expire(ctx, key, ttl).Result()
		return opErr
	})
	return ok, err
}

// TTL returns the remaining lifetime of key. Negative values follow Redis
// semantics (-1 no expiry, -2 missing key).
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := c.withRetry(ctx, func() error {
		var opErr error
		d, opErr = c.rdb.TTL(ctx, key).Result()
		return opErr
	})
	return d, err
}

// HSet writes field/value pairs into the hash at key.
func (c *Client) HSet(ctx context.Context, key string, values ...any) error {
	return c.withRetry(ctx, func() error {
		return c.rdb.HSet(ctx, key, values...).Err()
	})
}

// HGet returns a single hash field, or ErrNotFound.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	var val string
	err := c.withRetry(ctx, func() error {
		var opErr error
		val, opErr = c.rdb.HGet(ctx, key, field).Result()
		return opErr
	})
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// HGetAll returns every field of the hash at key. A missing key yields an
// empty map, matching Redis.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var val map[string]string
	err := c.withRetry(ctx, func() error {
		var opErr error
		val, opErr = c.rdb.HGetAll(ctx, key).Result()
		return opErr
	})
	return val, err
}

// HIncrBy atomically increments a hash field and returns the new value.
func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	var val int64
	err := c.withRetry(ctx, func() error {
		var opErr error
		val, opErr = c.rdb.HIncrBy(ctx, key, field, incr).Result()
		return opErr
	})
	return val, err
}

// HSetNX writes a hash field only when it does not already exist.
func (c *Client) HSetNX(ctx context.Context, key, field string, value any) (bool, error) {
	var set bool
	err := c.withRetry(ctx, func() error {
		var opErr error
		set, opErr = c.rdb.HSetNX(ctx, key, field, value).Result()
		return opErr
	})
	return set, err
}

// SAdd adds members to the set at key.
func (c *Client) SAdd(ctx context.Context, key string, members ...any) error {
	return c.withRetry(ctx, func() error {
		return c.rdb.SAdd(ctx, key, members...).Err()
	})
}

// SRem removes members from the set at key.
func (c *Client) SRem(ctx context.Context, key string, members ...any) error {
	return c.withRetry(ctx, func() error {
		return c.rdb.SRem(ctx, key, members...).Err()
	})
}

// SMembers returns all members of the set at key.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	var val []string
	err := c.withRetry(ctx, func() error {
		var opErr error
		val, opErr = c.rdb.SMembers(ctx, key).Result()
		return opErr
	})
	return val, err
}

// SIsMember reports whether member is in the set at key.
func (c *Client) SIsMember(ctx context.Context, key string, member any) (bool, error) {
	var ok bool
	err := c.withRetry(ctx, func() error {
		var opErr error
		ok, opErr = c.rdb.SIsMember(ctx, key, member).Result()
		return opErr
	})
	return ok, err
}

// LPush prepends values to the list at key.
func (c *Client) LPush(ctx context.Context, key string, values ...any) error {
	return c.withRetry(ctx, func() error {
		return c.rdb.LPush(ctx, key, values...).Err()
	})
}

// LRange returns the list elements in [start, stop].
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var val []string
	err := c.withRetry(ctx, func() error {
		var opErr error
		val, opErr = c.rdb.LRange(ctx, key, start, stop).Result()
		return opErr
	})
	return val, err
}

// LRem removes count occurrences of value from the list at key.
func (c *Client) LRem(ctx context.Context, key string, count int64, value any) error {
	return c.withRetry(ctx, func() error {
		return c.rdb.LRem(ctx, key, count, value).Err()
	})
}

// Scan iterates keys matching pattern, invoking fn for each batch. Iteration
// stops on the first fn error.
func (c *Client) Scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		var keys []string
		err := c.withRetry(ctx, func() error {
			var opErr error
			keys, cursor, opErr = c.rdb.Scan(ctx, cursor, pattern, 100).Result()
			return opErr
		})
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

// Eval runs a server-side Lua script.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	var val any
	err := c.withRetry(ctx, func() error {
		var opErr error
		val, opErr = c.rdb.Eval(ctx, script, keys, args...).Result()
		return opErr
	})
	return val, err
}

// Pipelined executes fn against a transactional pipeline.
func (c *Client) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	return c.withRetry(ctx, func() error {
		_, err := c.rdb.TxPipelined(ctx, fn)
		return err
	})
}

// Health pings the store and returns connection pool statistics.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	err := c.rdb.Ping(ctx).Err()
	stats := c.rdb.PoolStats()
	info := map[string]any{
		"available":   err == nil,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"hits":        stats.Hits,
		"misses":      stats.Misses,
	}
	if err != nil {
		c.markUnavailable()
		return info, err
	}
	c.available.Store(true)
	return info, nil
}
