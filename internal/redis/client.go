package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trogers1052/signal-fanout/internal/config"
)

const keyPrefix = "fanout:ratelimit"

// Client wraps the Redis client with the gate's shared counters
type Client struct {
	rdb *redis.Client
	now func() time.Time
}

// New creates a new Redis client
func New(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb, now: time.Now}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Allow counts one hit against key in the current fixed window and reports
// whether the count is still within limit. All gate instances sharing the
// Redis see the same counter.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, fmt.Errorf("invalid rate window %s", window)
	}
	bucket := windowKey(key, c.now(), window)

	var incr *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, bucket)
		pipe.Expire(ctx, bucket, window+time.Second)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit counter %s: %w", bucket, err)
	}
	return incr.Val() <= int64(limit), nil
}

// windowKey names the counter for the window containing t
func windowKey(key string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("%s:%s:%d", keyPrefix, key, t.UnixNano()/int64(window))
}
