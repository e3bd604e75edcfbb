package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// maxLocalKeys bounds the in-process limiter table
const maxLocalKeys = 10000

// Limiter decides whether a caller may push another webhook
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// CounterStore is a shared fixed-window counter (Redis)
type CounterStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimiter enforces limit pushes per window per key. It counts in the
// shared store when one is configured and falls back to an in-process token
// bucket when the store is absent or failing.
type RateLimiter struct {
	shared CounterStore
	limit  int
	window time.Duration
	logger zerolog.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewRateLimiter creates a RateLimiter. shared may be nil. A non-positive
// limit disables limiting.
func NewRateLimiter(shared CounterStore, limit int, window time.Duration, logger zerolog.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		shared: shared,
		limit:  limit,
		window: window,
		logger: logger.With().Str("component", "rate_limiter").Logger(),
		local:  make(map[string]*rate.Limiter),
	}
}

// Allow counts one push for key
func (l *RateLimiter) Allow(ctx context.Context, key string) bool {
	if l.limit <= 0 {
		return true
	}
	if l.shared != nil {
		ok, err := l.shared.Allow(ctx, key, l.limit, l.window)
		if err == nil {
			return ok
		}
		l.logger.Warn().Err(err).Msg("Shared rate limit unavailable, using local limiter")
	}
	return l.localLimiter(key).Allow()
}

func (l *RateLimiter) localLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.local[key]; ok {
		return lim
	}
	if len(l.local) >= maxLocalKeys {
		l.local = make(map[string]*rate.Limiter)
	}
	every := rate.Every(l.window / time.Duration(l.limit))
	lim := rate.NewLimiter(every, l.limit)
	l.local[key] = lim
	return lim
}
