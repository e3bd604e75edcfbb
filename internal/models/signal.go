package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SignalState is the processing state of a received signal
type SignalState string

const (
	SignalPending   SignalState = "pending"
	SignalClaimed   SignalState = "claimed"
	SignalProcessed SignalState = "processed"
	SignalFailed    SignalState = "failed"
)

// Valid reports whether s is a known state
func (s SignalState) Valid() bool {
	switch s {
	case SignalPending, SignalClaimed, SignalProcessed, SignalFailed:
		return true
	}
	return false
}

// Action is the trade direction carried by a signal
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Valid reports whether a is one of buy, sell or hold
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	}
	return false
}

// Tradable reports whether the action produces orders
func (a Action) Tradable() bool {
	return a == ActionBuy || a == ActionSell
}

// Signal represents one inbound trading alert
type Signal struct {
	ID          string              `json:"id"`
	Symbol      string              `json:"symbol"`
	Action      Action              `json:"action"`
	Price       decimal.NullDecimal `json:"price"`
	Strategy    string              `json:"strategy,omitempty"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
	Fingerprint string              `json:"fingerprint"`
	ContentHash string              `json:"-"`
	State       SignalState         `json:"state"`
	Error       string              `json:"error,omitempty"`
	ClaimToken  string              `json:"-"`
	ClaimedAt   *time.Time          `json:"claimed_at,omitempty"`
	Attempts    int                 `json:"attempts"`
	ReceivedAt  time.Time           `json:"received_at"`
	ProcessedAt *time.Time          `json:"processed_at,omitempty"`
}

// ReclaimResult reports what a reclaim sweep did
type ReclaimResult struct {
	Requeued  int64 `json:"requeued"`
	Abandoned int64 `json:"abandoned"`
}
