package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the submission status of a fanned-out order
type OrderStatus string

const (
	OrderPendingSubmit OrderStatus = "pending_submit"
	OrderSubmitted     OrderStatus = "submitted"
	OrderRejected      OrderStatus = "rejected"
)

// Valid reports whether s is a known order status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPendingSubmit, OrderSubmitted, OrderRejected:
		return true
	}
	return false
}

// Order is the fan-out result for one (signal, user) pair
type Order struct {
	ID              int64               `json:"id"`
	IdempotencyKey  string              `json:"idempotency_key"`
	UserID          string              `json:"user_id"`
	SignalID        *string             `json:"signal_id,omitempty"`
	Symbol          string              `json:"symbol"`
	Side            Action              `json:"side"`
	Notional        decimal.Decimal     `json:"notional"`
	ReferencePrice  decimal.NullDecimal `json:"reference_price"`
	TakeProfitPct   decimal.Decimal     `json:"take_profit_pct"`
	StopLossPct     decimal.Decimal     `json:"stop_loss_pct"`
	Leverage        decimal.Decimal     `json:"leverage"`
	Status          OrderStatus         `json:"status"`
	StatusReason    string              `json:"status_reason,omitempty"`
	ExchangeOrderID string              `json:"exchange_order_id,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// OrderEvent is published to Kafka when an order row is created
type OrderEvent struct {
	EventType string `json:"event_type"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
	Data      *Order `json:"data"`
}

// OrderStatusEvent is reported by the order executor after submission
type OrderStatusEvent struct {
	EventType string               `json:"event_type"`
	Source    string               `json:"source"`
	Timestamp string               `json:"timestamp"`
	Data      OrderStatusEventData `json:"data"`
}

// OrderStatusEventData carries the executor's outcome for one order
type OrderStatusEventData struct {
	IdempotencyKey  string `json:"idempotency_key"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
}
