// Package eligibility decides which users may trade a claimed signal.
package eligibility

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/signal-fanout/internal/models"
)

var (
	// ErrLookup wraps any failure of the user directory, including timeouts
	ErrLookup = errors.New("eligibility lookup failed")

	ErrSignalNotClaimed = errors.New("signal is not claimed")
)

// Skip reasons for users the directory returned but the resolver dropped
const (
	SkipBelowMinBalance = "below_min_balance"
	SkipPositionLimit   = "position_limit"
)

// Directory lists users that are active with a validated, active exchange
// credential for a symbol.
type Directory interface {
	ListEligible(ctx context.Context, symbol string) ([]models.EligibleUser, error)
}

// SkipRecorder is notified for every user filtered out
type SkipRecorder interface {
	RecordSkip(reason string)
}

// Config holds the qualification thresholds
type Config struct {
	MinTradeBalance         decimal.Decimal
	DefaultMaxOpenPositions int
}

// Resolver applies balance and position limits on top of the directory
type Resolver struct {
	dir    Directory
	cfg    Config
	skips  SkipRecorder
	logger zerolog.Logger
}

// NewResolver creates a Resolver. skips may be nil.
func NewResolver(dir Directory, cfg Config, skips SkipRecorder, logger zerolog.Logger) *Resolver {
	if cfg.DefaultMaxOpenPositions <= 0 {
		cfg.DefaultMaxOpenPositions = 5
	}
	return &Resolver{
		dir:    dir,
		cfg:    cfg,
		skips:  skips,
		logger: logger.With().Str("component", "eligibility").Logger(),
	}
}

// Resolve returns the users who may receive an order for s. An empty slice
// is a normal outcome. Ordering is unspecified.
func (r *Resolver) Resolve(ctx context.Context, s *models.Signal) ([]models.EligibleUser, error) {
	if s == nil || s.State != models.SignalClaimed {
		return nil, ErrSignalNotClaimed
	}

	candidates, err := r.dir.ListEligible(ctx, s.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLookup, err)
	}
	// A directory that ignores cancellation may still return late
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLookup, err)
	}

	eligible := make([]models.EligibleUser, 0, len(candidates))
	for _, u := range candidates {
		if reason := r.disqualify(u); reason != "" {
			r.logger.Debug().
				Str("signal_id", s.ID).
				Str("user_id", u.UserID).
				Str("reason", reason).
				Msg("user not eligible")
			if r.skips != nil {
				r.skips.RecordSkip(reason)
			}
			continue
		}
		eligible = append(eligible, u)
	}

	return eligible, nil
}

func (r *Resolver) disqualify(u models.EligibleUser) string {
	if !u.AvailableBalance.GreaterThan(r.cfg.MinTradeBalance) {
		return SkipBelowMinBalance
	}
	limit := u.MaxOpenPositions
	if limit <= 0 {
		limit = r.cfg.DefaultMaxOpenPositions
	}
	if u.OpenPositionCount >= limit {
		return SkipPositionLimit
	}
	return ""
}
