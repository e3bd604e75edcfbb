package eligibility

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/signal-fanout/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockDirectory struct {
	users   []models.EligibleUser
	err     error
	block   bool
	symbols []string
}

func (m *mockDirectory) ListEligible(ctx context.Context, symbol string) ([]models.EligibleUser, error) {
	m.symbols = append(m.symbols, symbol)
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.users, m.err
}

type mockSkips struct {
	mu      sync.Mutex
	reasons []string
}

func (m *mockSkips) RecordSkip(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
}

func user(id, balance string, open, max int) models.EligibleUser {
	return models.EligibleUser{
		UserID:            id,
		AvailableBalance:  decimal.RequireFromString(balance),
		OpenPositionCount: open,
		MaxOpenPositions:  max,
	}
}

func claimed(symbol string) *models.Signal {
	return &models.Signal{ID: "sig-1", Symbol: symbol, Action: models.ActionBuy, State: models.SignalClaimed}
}

func newTestResolver(dir Directory, skips SkipRecorder) *Resolver {
	return NewResolver(dir, Config{
		MinTradeBalance:         decimal.NewFromInt(10),
		DefaultMaxOpenPositions: 2,
	}, skips, zerolog.Nop())
}

// ---------------------------------------------------------------------------
// Resolve
// ---------------------------------------------------------------------------

func TestResolve_FiltersBalanceAndPositionLimit(t *testing.T) {
	dir := &mockDirectory{users: []models.EligibleUser{
		user("funded", "1000", 0, 3),
		user("broke", "0", 0, 3),
		user("at-floor", "10", 0, 3),
		user("maxed", "500", 3, 3),
		user("default-limit-ok", "50", 1, 0),
		user("default-limit-hit", "50", 2, 0),
	}}
	skips := &mockSkips{}

	users, err := newTestResolver(dir, skips).Resolve(context.Background(), claimed("BTCUSDT"))
	require.NoError(t, err)

	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	assert.ElementsMatch(t, []string{"funded", "default-limit-ok"}, ids)
	assert.ElementsMatch(t, []string{
		SkipBelowMinBalance, SkipBelowMinBalance, SkipPositionLimit, SkipPositionLimit,
	}, skips.reasons)
	assert.Equal(t, []string{"BTCUSDT"}, dir.symbols)
}

func TestResolve_NoUsersIsNotAnError(t *testing.T) {
	users, err := newTestResolver(&mockDirectory{}, nil).Resolve(context.Background(), claimed("ETHUSDT"))
	require.NoError(t, err)
	assert.NotNil(t, users)
	assert.Empty(t, users)
}

func TestResolve_RequiresClaimedSignal(t *testing.T) {
	dir := &mockDirectory{users: []models.EligibleUser{user("u", "100", 0, 1)}}
	r := newTestResolver(dir, nil)

	for _, state := range []models.SignalState{models.SignalPending, models.SignalProcessed, models.SignalFailed} {
		s := claimed("BTCUSDT")
		s.State = state
		_, err := r.Resolve(context.Background(), s)
		assert.True(t, errors.Is(err, ErrSignalNotClaimed), "state %s", state)
	}
	_, err := r.Resolve(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrSignalNotClaimed))
	assert.Empty(t, dir.symbols, "directory must not be queried")
}

func TestResolve_DirectoryErrorIsLookupError(t *testing.T) {
	dir := &mockDirectory{err: assert.AnError}

	_, err := newTestResolver(dir, nil).Resolve(context.Background(), claimed("BTCUSDT"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLookup))
	assert.True(t, errors.Is(err, assert.AnError))
}

func TestResolve_TimeoutIsLookupError(t *testing.T) {
	dir := &mockDirectory{block: true}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestResolver(dir, nil).Resolve(ctx, claimed("BTCUSDT"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLookup))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
