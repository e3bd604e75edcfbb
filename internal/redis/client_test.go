package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/signal-fanout/internal/config"
)

func TestWindowKey_SameWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

	a := windowKey("203.0.113.9", base, time.Minute)
	b := windowKey("203.0.113.9", base.Add(30*time.Second), time.Minute)
	c := windowKey("203.0.113.9", base.Add(time.Minute), time.Minute)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "fanout:ratelimit:203.0.113.9:")
}

func TestWindowKey_SeparatesCallers(t *testing.T) {
	now := time.Now()
	assert.NotEqual(t, windowKey("a", now, time.Minute), windowKey("b", now, time.Minute))
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(config.RedisConfig{Host: "127.0.0.1", Port: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestAllow_RejectsBadWindow(t *testing.T) {
	c := &Client{now: time.Now}
	_, err := c.Allow(context.Background(), "k", 10, 0)
	require.Error(t, err)
}
