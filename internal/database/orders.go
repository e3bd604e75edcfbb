package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trogers1052/signal-fanout/internal/models"
)

const orderColumns = `id, idempotency_key, user_id, signal_id, symbol, side, notional, reference_price,
	take_profit_pct, stop_loss_pct, leverage, status, status_reason, exchange_order_id,
	created_at, updated_at`

// OrderFilter narrows ListOrders
type OrderFilter struct {
	Status   models.OrderStatus
	SignalID string
	UserID   string
	Limit    int
}

// InsertOrder creates the order for its idempotency key. It returns false,
// with no error, when an order with the same key already exists.
func (db *DB) InsertOrder(ctx context.Context, o *models.Order) (bool, error) {
	query := `
		INSERT INTO orders (
			idempotency_key, user_id, signal_id, symbol, side, notional, reference_price,
			take_profit_pct, stop_loss_pct, leverage, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`
	if o.Status == "" {
		o.Status = models.OrderPendingSubmit
	}
	now := time.Now().UTC()

	var signalID sql.NullString
	if o.SignalID != nil {
		signalID = sql.NullString{String: *o.SignalID, Valid: true}
	}

	err := db.conn.QueryRowContext(ctx, query,
		o.IdempotencyKey, o.UserID, signalID, o.Symbol, string(o.Side), o.Notional, o.ReferencePrice,
		o.TakeProfitPct, o.StopLossPct, o.Leverage, string(o.Status), now,
	).Scan(&o.ID)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert order %s: %w", o.IdempotencyKey, classify(err))
	}
	o.CreatedAt = now
	o.UpdatedAt = now
	return true, nil
}

// ListOrders returns orders matching the filter, oldest first
func (db *DB) ListOrders(ctx context.Context, f OrderFilter) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.SignalID != "" {
		query += fmt.Sprintf(" AND signal_id = $%d", argIdx)
		args = append(args, f.SignalID)
		argIdx++
	}
	if f.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, f.UserID)
		argIdx++
	}

	query += " ORDER BY created_at, id"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", classify(err))
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetOrderByKey retrieves an order by its idempotency key
func (db *DB) GetOrderByKey(ctx context.Context, key string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE idempotency_key = $1`
	o, err := scanOrder(db.conn.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, key)
	}
	return o, err
}

// UpdateOrderStatus records the executor's submission outcome. Only
// pending_submit orders move; replaying the same outcome is a no-op.
func (db *DB) UpdateOrderStatus(ctx context.Context, key string, status models.OrderStatus, reason, exchangeOrderID string) error {
	if status != models.OrderSubmitted && status != models.OrderRejected {
		return fmt.Errorf("%w: cannot set order status to %q", ErrInvalidTransition, status)
	}

	query := `
		UPDATE orders
		SET status = $2, status_reason = $3, exchange_order_id = COALESCE($4, exchange_order_id), updated_at = $5
		WHERE idempotency_key = $1 AND status IN ('pending_submit', $2)
	`
	result, err := db.conn.ExecContext(ctx, query,
		key, string(status), nullString(reason), nullString(exchangeOrderID), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", classify(err))
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}
	existing, err := db.GetOrderByKey(ctx, key)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: order %s is already %s", ErrInvalidTransition, key, existing.Status)
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var side, status string
	var signalID, reason, exchangeOrderID sql.NullString

	err := row.Scan(
		&o.ID, &o.IdempotencyKey, &o.UserID, &signalID, &o.Symbol, &side, &o.Notional, &o.ReferencePrice,
		&o.TakeProfitPct, &o.StopLossPct, &o.Leverage, &status, &reason, &exchangeOrderID,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", classify(err))
	}

	o.Side = models.Action(side)
	o.Status = models.OrderStatus(status)
	if signalID.Valid {
		id := signalID.String
		o.SignalID = &id
	}
	if reason.Valid {
		o.StatusReason = reason.String
	}
	if exchangeOrderID.Valid {
		o.ExchangeOrderID = exchangeOrderID.String
	}
	return &o, nil
}
