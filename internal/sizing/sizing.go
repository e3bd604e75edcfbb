// Package sizing computes per-user position size and take-profit/stop-loss
// thresholds. It performs no I/O.
package sizing

import (
	"github.com/shopspring/decimal"
	"github.com/trogers1052/signal-fanout/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Skip reasons reported when a user cannot trade
const (
	SkipNoBalance        = "no_balance"
	SkipNoBalancePercent = "no_balance_percentage"
)

// Defaults are the platform-wide values used when a user has no setting
type Defaults struct {
	Leverage          decimal.Decimal
	BalancePercentage decimal.Decimal
	TPMultiplier      decimal.Decimal
	SLMultiplier      decimal.Decimal
}

// Input is the sizing request for one user. Null fields take defaults.
type Input struct {
	AvailableBalance  decimal.Decimal
	BalancePercentage decimal.NullDecimal
	Leverage          decimal.NullDecimal
	TPMultiplier      decimal.NullDecimal
	SLMultiplier      decimal.NullDecimal
}

// Result is the computed position. When Tradable is false the user must be
// skipped and the other fields are zero.
type Result struct {
	Tradable          bool
	SkipReason        string
	Notional          decimal.Decimal
	Leverage          decimal.Decimal
	TakeProfitPercent decimal.Decimal
	StopLossPercent   decimal.Decimal
}

// Calculator applies Defaults to Inputs
type Calculator struct {
	defaults Defaults
}

// NewCalculator creates a Calculator. Non-positive defaults fall back to
// leverage 1, 10% of balance, TP x2 and SL x1.
func NewCalculator(d Defaults) *Calculator {
	d.Leverage = positiveOr(d.Leverage, decimal.NewFromInt(1))
	d.BalancePercentage = positiveOr(d.BalancePercentage, decimal.NewFromInt(10))
	d.TPMultiplier = positiveOr(d.TPMultiplier, decimal.NewFromInt(2))
	d.SLMultiplier = positiveOr(d.SLMultiplier, decimal.NewFromInt(1))
	return &Calculator{defaults: d}
}

// Compute sizes a position:
//
//	notional          = availableBalance * balancePercentage / 100
//	takeProfitPercent = leverage * tpMultiplier
//	stopLossPercent   = leverage * slMultiplier
func (c *Calculator) Compute(in Input) Result {
	if !in.AvailableBalance.IsPositive() {
		return Result{SkipReason: SkipNoBalance}
	}

	// An explicit zero or negative percentage is a user opting out, not a missing value
	pct := c.defaults.BalancePercentage
	if in.BalancePercentage.Valid {
		pct = in.BalancePercentage.Decimal
	}
	if !pct.IsPositive() {
		return Result{SkipReason: SkipNoBalancePercent}
	}

	leverage := valueOr(in.Leverage, c.defaults.Leverage)
	tp := valueOr(in.TPMultiplier, c.defaults.TPMultiplier)
	sl := valueOr(in.SLMultiplier, c.defaults.SLMultiplier)

	return Result{
		Tradable:          true,
		Notional:          in.AvailableBalance.Mul(pct).Div(hundred),
		Leverage:          leverage,
		TakeProfitPercent: leverage.Mul(tp),
		StopLossPercent:   leverage.Mul(sl),
	}
}

// ComputeForUser is Compute over an eligibility snapshot
func (c *Calculator) ComputeForUser(u models.EligibleUser) Result {
	return c.Compute(Input{
		AvailableBalance:  u.AvailableBalance,
		BalancePercentage: u.BalancePercentage,
		Leverage:          u.Leverage,
		TPMultiplier:      u.TPMultiplier,
		SLMultiplier:      u.SLMultiplier,
	})
}

func valueOr(v decimal.NullDecimal, fallback decimal.Decimal) decimal.Decimal {
	if v.Valid && v.Decimal.IsPositive() {
		return v.Decimal
	}
	return fallback
}

func positiveOr(v, fallback decimal.Decimal) decimal.Decimal {
	if v.IsPositive() {
		return v
	}
	return fallback
}
