package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trogers1052/signal-fanout/internal/database"
	"github.com/trogers1052/signal-fanout/internal/models"
)

// ---------------------------------------------------------------------------
// Mock store
// ---------------------------------------------------------------------------

type mockStore struct {
	mu        sync.Mutex
	signals   map[string]*models.Signal
	inserted  []*models.Signal
	orders    []*models.Order
	insertErr error
	pingErr   error
	listErr   error

	lastFilter database.OrderFilter
}

func newMockStore() *mockStore {
	return &mockStore{signals: make(map[string]*models.Signal)}
}

func (m *mockStore) InsertSignal(ctx context.Context, s *models.Signal, dedupeWindow time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if dedupeWindow > 0 && s.ContentHash != "" {
		var recent *models.Signal
		for _, prev := range m.inserted {
			if prev.ContentHash != s.ContentHash || prev.ReceivedAt.After(s.ReceivedAt) ||
				prev.ReceivedAt.Before(s.ReceivedAt.Add(-dedupeWindow)) {
				continue
			}
			if recent == nil || prev.ReceivedAt.After(recent.ReceivedAt) {
				recent = prev
			}
		}
		if recent != nil {
			s.Fingerprint = recent.Fingerprint
		}
	}
	cp := *s
	m.inserted = append(m.inserted, &cp)
	m.signals[s.ID] = &cp
	return nil
}

func (m *mockStore) Inserted() []*models.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Signal, len(m.inserted))
	copy(out, m.inserted)
	return out
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockStore) GetSignal(ctx context.Context, id string) (*models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", database.ErrSignalNotFound, id)
	}
	cp := *s
	return &cp, nil
}

func (m *mockStore) ListSignals(ctx context.Context, state models.SignalState, limit int) ([]*models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*models.Signal
	for _, s := range m.signals {
		if state != "" && s.State != state {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) ResetFailedSignal(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return fmt.Errorf("%w: %s", database.ErrSignalNotFound, id)
	}
	if s.State != models.SignalFailed {
		return fmt.Errorf("%w: only failed signals can be reset", database.ErrInvalidTransition)
	}
	s.State = models.SignalPending
	s.Error = ""
	s.Attempts = 0
	return nil
}

func (m *mockStore) ListOrders(ctx context.Context, f database.OrderFilter) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = f
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*models.Order
	for _, o := range m.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.SignalID != "" && (o.SignalID == nil || *o.SignalID != f.SignalID) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (m *mockStore) addSignal(id string, state models.SignalState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[id] = &models.Signal{
		ID:         id,
		Symbol:     "BTCUSDT",
		Action:     models.ActionBuy,
		State:      state,
		ReceivedAt: time.Now(),
	}
}

type mockPinger struct{ err error }

func (p mockPinger) Ping(ctx context.Context) error { return p.err }

// ---------------------------------------------------------------------------
// Counter store for rate limiting
// ---------------------------------------------------------------------------

type mockCounter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
	calls  int
}

func (c *mockCounter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return false, c.err
	}
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[key]++
	return c.counts[key] <= limit, nil
}
