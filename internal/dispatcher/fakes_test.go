package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trogers1052/signal-fanout/internal/database"
	"github.com/trogers1052/signal-fanout/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory Store with the same transition rules as the SQL store
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu        sync.Mutex
	signals   map[string]*models.Signal
	ids       []string
	orders    map[string]models.Order
	claims    map[string]int
	completes map[string]int
	tokens    int
	offset    time.Duration

	insertErr   func(o *models.Order) error
	completeErr error
	renewErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		signals:   make(map[string]*models.Signal),
		orders:    make(map[string]models.Order),
		claims:    make(map[string]int),
		completes: make(map[string]int),
	}
}

func (f *fakeStore) now() time.Time {
	return time.Now().Add(f.offset)
}

// advance moves the store clock forward
func (f *fakeStore) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset += d
}

func (f *fakeStore) add(s *models.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	cp.State = models.SignalPending
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = f.now()
	}
	f.signals[cp.ID] = &cp
	f.ids = append(f.ids, cp.ID)
}

func (f *fakeStore) ClaimNext(ctx context.Context, batchSize int) ([]*models.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tokens++
	token := fmt.Sprintf("tok-%d", f.tokens)
	now := f.now()

	var out []*models.Signal
	for _, id := range f.ids {
		if len(out) >= batchSize {
			break
		}
		s := f.signals[id]
		if s.State != models.SignalPending {
			continue
		}
		s.State = models.SignalClaimed
		s.ClaimToken = token
		claimedAt := now
		s.ClaimedAt = &claimedAt
		s.Attempts++
		f.claims[id]++
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) RenewClaim(ctx context.Context, claimToken string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renewErr != nil {
		return nil, f.renewErr
	}
	held := make(map[string]bool)
	now := f.now()
	for id, s := range f.signals {
		if s.State == models.SignalClaimed && s.ClaimToken == claimToken {
			claimedAt := now
			s.ClaimedAt = &claimedAt
			held[id] = true
		}
	}
	return held, nil
}

func (f *fakeStore) CompleteSignal(ctx context.Context, id, claimToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	s, ok := f.signals[id]
	if !ok || s.State != models.SignalClaimed || s.ClaimToken != claimToken {
		return fmt.Errorf("%w: %s", database.ErrClaimLost, id)
	}
	s.State = models.SignalProcessed
	now := f.now()
	s.ProcessedAt = &now
	f.completes[id]++
	return nil
}

func (f *fakeStore) FailSignal(ctx context.Context, id, claimToken, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.signals[id]
	if !ok || s.State != models.SignalClaimed || s.ClaimToken != claimToken {
		return fmt.Errorf("%w: %s", database.ErrClaimLost, id)
	}
	s.State = models.SignalFailed
	s.Error = reason
	now := f.now()
	s.ProcessedAt = &now
	return nil
}

func (f *fakeStore) ReclaimAbandoned(ctx context.Context, olderThan time.Duration, maxAttempts int) (models.ReclaimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res models.ReclaimResult
	cutoff := f.now().Add(-olderThan)
	for _, s := range f.signals {
		if s.State != models.SignalClaimed || s.ClaimedAt == nil || !s.ClaimedAt.Before(cutoff) {
			continue
		}
		if maxAttempts > 0 && s.Attempts >= maxAttempts {
			s.State = models.SignalFailed
			s.Error = fmt.Sprintf("claim abandoned after %d attempts", maxAttempts)
			s.ClaimToken = ""
			res.Abandoned++
			continue
		}
		s.State = models.SignalPending
		s.ClaimToken = ""
		s.ClaimedAt = nil
		res.Requeued++
	}
	return res, nil
}

func (f *fakeStore) InsertOrder(ctx context.Context, o *models.Order) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		if err := f.insertErr(o); err != nil {
			return false, err
		}
	}
	if _, exists := f.orders[o.IdempotencyKey]; exists {
		return false, nil
	}
	f.orders[o.IdempotencyKey] = *o
	return true, nil
}

func (f *fakeStore) signal(id string) models.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.signals[id]
}

func (f *fakeStore) allOrders() []models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Order, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o)
	}
	return out
}

func (f *fakeStore) countState(state models.SignalState) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.signals {
		if s.State == state {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Directory and notifier fakes
// ---------------------------------------------------------------------------

type staticDirectory struct {
	mu    sync.Mutex
	users []models.EligibleUser
	err   error
	calls int
}

func (d *staticDirectory) ListEligible(ctx context.Context, symbol string) ([]models.EligibleUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	out := make([]models.EligibleUser, len(d.users))
	copy(out, d.users)
	return out, d.err
}

func (d *staticDirectory) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// hookDirectory runs onCall before answering, standing in for a slow lookup
type hookDirectory struct {
	users  []models.EligibleUser
	onCall func()

	mu    sync.Mutex
	calls int
}

func (d *hookDirectory) ListEligible(ctx context.Context, symbol string) ([]models.EligibleUser, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.onCall != nil {
		d.onCall()
	}
	out := make([]models.EligibleUser, len(d.users))
	copy(out, d.users)
	return out, nil
}

func (d *hookDirectory) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type blockingDirectory struct{}

func (blockingDirectory) ListEligible(ctx context.Context, symbol string) ([]models.EligibleUser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type recordingNotifier struct {
	mu     sync.Mutex
	orders []models.Order
	err    error
}

func (n *recordingNotifier) PublishOrderCreated(ctx context.Context, o *models.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, *o)
	return n.err
}

func (n *recordingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.orders)
}
