package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/trogers1052/signal-fanout/internal/models"
)

const maxErrorLen = 1000

const signalColumns = `id, symbol, action, price, strategy, payload, fingerprint, state,
	error, claim_token, claimed_at, attempts, received_at, processed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const insertSignalQuery = `
	INSERT INTO signals (id, symbol, action, price, strategy, payload, fingerprint, content_hash, state, attempts, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', 0, $9)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// InsertSignal stores a newly admitted signal in the pending state. When
// dedupeWindow is positive and s carries a content hash, the most recent
// signal with the same content received within dedupeWindow before s lends
// s its fingerprint.
func (db *DB) InsertSignal(ctx context.Context, s *models.Signal, dedupeWindow time.Duration) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = time.Now().UTC()
	}

	if dedupeWindow <= 0 || s.ContentHash == "" {
		if err := insertSignal(ctx, db.conn, s); err != nil {
			return err
		}
		s.State = models.SignalPending
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	// Concurrent admissions of the same content queue up here until commit
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.ContentHash); err != nil {
		return fmt.Errorf("failed to lock signal content: %w", classify(err))
	}

	var fingerprint string
	err = tx.QueryRowContext(ctx, `
		SELECT fingerprint FROM signals
		WHERE content_hash = $1 AND received_at >= $2 AND received_at <= $3
		ORDER BY received_at DESC
		LIMIT 1
	`, s.ContentHash, s.ReceivedAt.Add(-dedupeWindow), s.ReceivedAt).Scan(&fingerprint)
	switch {
	case err == nil:
		s.Fingerprint = fingerprint
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("failed to look up recent signal: %w", classify(err))
	}

	if err := insertSignal(ctx, tx, s); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	s.State = models.SignalPending
	return nil
}

func insertSignal(ctx context.Context, ex execer, s *models.Signal) error {
	payload := "{}"
	if len(s.Payload) > 0 {
		payload = string(s.Payload)
	}
	_, err := ex.ExecContext(ctx, insertSignalQuery,
		s.ID, s.Symbol, string(s.Action), s.Price, nullString(s.Strategy), payload,
		s.Fingerprint, nullString(s.ContentHash), s.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", classify(err))
	}
	return nil
}

// ClaimNext moves up to batchSize pending signals to claimed and returns
// them. Rows locked by a concurrent claimer are skipped, so no two callers
// ever receive the same signal.
func (db *DB) ClaimNext(ctx context.Context, batchSize int) ([]*models.Signal, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	query := `
		UPDATE signals s
		SET state = 'claimed', claim_token = $2, claimed_at = $3, attempts = s.attempts + 1
		WHERE s.state = 'pending' AND s.id IN (
			SELECT id FROM signals
			WHERE state = 'pending'
			ORDER BY received_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + signalColumns

	rows, err := db.conn.QueryContext(ctx, query, batchSize, uuid.NewString(), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to claim signals: %w", classify(err))
	}
	defer rows.Close()

	var signals []*models.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed signals: %w", classify(err))
	}

	return signals, nil
}

// CompleteSignal transitions claimed -> processed
func (db *DB) CompleteSignal(ctx context.Context, id, claimToken string) error {
	query := `
		UPDATE signals SET state = 'processed', error = NULL, processed_at = $3
		WHERE id = $1 AND state = 'claimed' AND claim_token = $2
	`
	result, err := db.conn.ExecContext(ctx, query, id, claimToken, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to complete signal %s: %w", id, classify(err))
	}
	return claimResult(result, id)
}

// RenewClaim re-stamps claimed_at on every signal still claimed under
// claimToken and returns their IDs. Signals a worker has yet to reach in its
// batch stay clear of the reclaimer this way.
func (db *DB) RenewClaim(ctx context.Context, claimToken string) (map[string]bool, error) {
	query := `
		UPDATE signals SET claimed_at = $2
		WHERE state = 'claimed' AND claim_token = $1
		RETURNING id
	`
	rows, err := db.conn.QueryContext(ctx, query, claimToken, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to renew claim: %w", classify(err))
	}
	defer rows.Close()

	held := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan renewed signal: %w", classify(err))
		}
		held[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read renewed signals: %w", classify(err))
	}
	return held, nil
}

// FailSignal transitions claimed -> failed and records the reason
func (db *DB) FailSignal(ctx context.Context, id, claimToken, reason string) error {
	reason = truncate(reason, maxErrorLen)
	query := `
		UPDATE signals SET state = 'failed', error = $3, processed_at = $4
		WHERE id = $1 AND state = 'claimed' AND claim_token = $2
	`
	result, err := db.conn.ExecContext(ctx, query, id, claimToken, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to fail signal %s: %w", id, classify(err))
	}
	return claimResult(result, id)
}

// ReclaimAbandoned returns claims older than olderThan to pending. Claims
// that already used maxAttempts are failed instead of requeued.
func (db *DB) ReclaimAbandoned(ctx context.Context, olderThan time.Duration, maxAttempts int) (models.ReclaimResult, error) {
	var res models.ReclaimResult
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	if maxAttempts > 0 {
		result, err := tx.ExecContext(ctx, `
			UPDATE signals SET state = 'failed', error = $3, claim_token = NULL, processed_at = $4
			WHERE state = 'claimed' AND claimed_at < $1 AND attempts >= $2
		`, cutoff, maxAttempts, fmt.Sprintf("claim abandoned after %d attempts", maxAttempts), now)
		if err != nil {
			return res, fmt.Errorf("failed to fail exhausted claims: %w", classify(err))
		}
		res.Abandoned, _ = result.RowsAffected()
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE signals SET state = 'pending', claim_token = NULL, claimed_at = NULL
		WHERE state = 'claimed' AND claimed_at < $1
	`, cutoff)
	if err != nil {
		return res, fmt.Errorf("failed to requeue abandoned claims: %w", classify(err))
	}
	res.Requeued, _ = result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return models.ReclaimResult{}, fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return res, nil
}

// ResetFailedSignal is the operator replay: failed -> pending
func (db *DB) ResetFailedSignal(ctx context.Context, id string) error {
	query := `
		UPDATE signals
		SET state = 'pending', error = NULL, processed_at = NULL,
		    claim_token = NULL, claimed_at = NULL, attempts = 0
		WHERE id = $1 AND state = 'failed'
	`
	result, err := db.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to reset signal %s: %w", id, classify(err))
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}
	if _, err := db.GetSignal(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: only failed signals can be reset", ErrInvalidTransition)
}

// GetSignal retrieves a signal by ID
func (db *DB) GetSignal(ctx context.Context, id string) (*models.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE id = $1`

	s, err := scanSignal(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSignalNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSignals returns the most recent signals, optionally filtered by state
func (db *DB) ListSignals(ctx context.Context, state models.SignalState, limit int) ([]*models.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if state != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(state))
		argIdx++
	}

	query += " ORDER BY received_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", classify(err))
	}
	defer rows.Close()

	var signals []*models.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

func scanSignal(row rowScanner) (*models.Signal, error) {
	var s models.Signal
	var action, state string
	var strategy, errMsg, claimToken sql.NullString
	var claimedAt, processedAt sql.NullTime
	var payload []byte

	err := row.Scan(
		&s.ID, &s.Symbol, &action, &s.Price, &strategy, &payload, &s.Fingerprint, &state,
		&errMsg, &claimToken, &claimedAt, &s.Attempts, &s.ReceivedAt, &processedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan signal: %w", classify(err))
	}

	s.Action = models.Action(action)
	s.State = models.SignalState(state)
	s.Payload = payload
	if strategy.Valid {
		s.Strategy = strategy.String
	}
	if errMsg.Valid {
		s.Error = errMsg.String
	}
	if claimToken.Valid {
		s.ClaimToken = claimToken.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		s.ClaimedAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		s.ProcessedAt = &t
	}
	return &s, nil
}

// claimResult maps a zero-row transition to ErrClaimLost
func claimResult(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrClaimLost, id)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
