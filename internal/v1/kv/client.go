// Package kv wraps the external key-value store (Redis) behind a circuit
// breaker. It is the authoritative store for auth cache/revocation, seat
// state, invite state, participant counters, activity timestamps, and the
// user→room mapping described in the external KV store schema.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Client wraps a Redis connection with circuit-breaker protected operations.
type Client struct {
	rdb *redis.Client
	cb  *gobreaker.CircuitBreaker
}

// Options configures a new Client.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New creates a Client and verifies connectivity immediately.
func New(opts Options) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to KV store: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "kv",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("kv").Set(v)
		},
	}

	return &Client{rdb: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// Raw exposes the underlying client for operations not wrapped here (used by
// the seat subsystem for seat-hash reads and by the rate limiter's store).
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}

func (c *Client) execute(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := c.cb.Execute(fn)
	metrics.KVOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("kv").Inc()
			metrics.KVOperationsTotal.WithLabelValues(op, "breaker_open").Inc()
			return nil, err
		}
		metrics.KVOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.KVOperationsTotal.WithLabelValues(op, "success").Inc()
	return res, nil
}

// Get returns the value at key, redis.Nil if absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	res, err := c.execute(ctx, "get", func() (any, error) { return c.rdb.Get(ctx, key).Result() })
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// Set writes key=value with an optional TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.execute(ctx, "set", func() (any, error) { return nil, c.rdb.Set(ctx, key, value, ttl).Err() })
	return err
}

// SetNX writes key=value only if absent, returning whether it was set.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := c.execute(ctx, "setnx", func() (any, error) { return c.rdb.SetNX(ctx, key, value, ttl).Result() })
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Del removes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	_, err := c.execute(ctx, "del", func() (any, error) { return nil, c.rdb.Del(ctx, keys...).Err() })
	return err
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	res, err := c.execute(ctx, "exists", func() (any, error) { return c.rdb.Exists(ctx, key).Result() })
	if err != nil {
		return false, err
	}
	return res.(int64) > 0, nil
}

// Incr atomically increments key, returning the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	res, err := c.execute(ctx, "incr", func() (any, error) { return c.rdb.Incr(ctx, key).Result() })
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// Decr atomically decrements key, returning the new value.
func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	res, err := c.execute(ctx, "decr", func() (any, error) { return c.rdb.Decr(ctx, key).Result() })
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// Expire sets a TTL on an existing key (used to implement a sliding activity window).
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.execute(ctx, "expire", func() (any, error) { return nil, c.rdb.Expire(ctx, key, ttl).Err() })
	return err
}

// Eval runs a Lua script atomically on the KV store. Used by the seat subsystem
// for its take/leave/assign/setMute/lock/unlock scripts.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return c.execute(ctx, "eval", func() (any, error) { return c.rdb.Eval(ctx, script, keys, args...).Result() })
}

// SAdd adds a member to a set.
func (c *Client) SAdd(ctx context.Context, key, member string) error {
	_, err := c.execute(ctx, "sadd", func() (any, error) { return nil, c.rdb.SAdd(ctx, key, member).Err() })
	return err
}

// SRem removes a member from a set.
func (c *Client) SRem(ctx context.Context, key, member string) error {
	_, err := c.execute(ctx, "srem", func() (any, error) { return nil, c.rdb.SRem(ctx, key, member).Err() })
	return err
}

// SMembers returns all members of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := c.execute(ctx, "smembers", func() (any, error) { return c.rdb.SMembers(ctx, key).Result() })
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, nil
		}
		return nil, err
	}
	return res.([]string), nil
}

// SIsMember reports whether member is present in the set.
func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	res, err := c.execute(ctx, "sismember", func() (any, error) { return c.rdb.SIsMember(ctx, key, member).Result() })
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Ping verifies connectivity, used by the health handler.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.execute(ctx, "ping", func() (any, error) { return nil, c.rdb.Ping(ctx).Err() })
	if err != nil {
		logging.Error(ctx, "kv ping failed", zap.Error(err))
	}
	return err
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
