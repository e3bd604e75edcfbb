package database

import (
	"context"
	"fmt"

	"github.com/trogers1052/signal-fanout/internal/models"
)

// ListEligible returns every active user holding a validated, active
// exchange credential who trades symbol. Balance and position limits are
// left to the caller.
func (db *DB) ListEligible(ctx context.Context, symbol string) ([]models.EligibleUser, error) {
	query := `
		SELECT u.id, s.available_balance, s.leverage, s.balance_percentage,
		       s.tp_multiplier, s.sl_multiplier, COALESCE(s.max_open_positions, 0),
		       (SELECT COUNT(*) FROM user_positions p
		        WHERE p.user_id = u.id AND p.status = 'open') AS open_positions
		FROM users u
		JOIN user_trading_settings s ON s.user_id = u.id
		WHERE u.is_active
		  AND s.trading_enabled
		  AND EXISTS (
		      SELECT 1 FROM exchange_credentials c
		      WHERE c.user_id = u.id AND c.is_valid AND c.is_active
		  )
		  AND (s.symbols IS NULL OR cardinality(s.symbols) = 0 OR $1 = ANY(s.symbols))
	`
	rows, err := db.conn.QueryContext(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible users: %w", classify(err))
	}
	defer rows.Close()

	var users []models.EligibleUser
	for rows.Next() {
		var u models.EligibleUser
		err := rows.Scan(
			&u.UserID, &u.AvailableBalance, &u.Leverage, &u.BalancePercentage,
			&u.TPMultiplier, &u.SLMultiplier, &u.MaxOpenPositions, &u.OpenPositionCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan eligible user: %w", classify(err))
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read eligible users: %w", classify(err))
	}

	return users, nil
}
