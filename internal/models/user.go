package models

import "github.com/shopspring/decimal"

// EligibleUser is a point-in-time snapshot of one user's tradability.
// Nullable settings fall back to platform defaults during sizing.
type EligibleUser struct {
	UserID            string              `json:"user_id"`
	AvailableBalance  decimal.Decimal     `json:"available_balance"`
	Leverage          decimal.NullDecimal `json:"leverage"`
	BalancePercentage decimal.NullDecimal `json:"balance_percentage"`
	TPMultiplier      decimal.NullDecimal `json:"tp_multiplier"`
	SLMultiplier      decimal.NullDecimal `json:"sl_multiplier"`
	MaxOpenPositions  int                 `json:"max_open_positions"`
	OpenPositionCount int                 `json:"open_position_count"`
}
