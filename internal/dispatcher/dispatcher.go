// Package dispatcher claims pending signals and fans each one out into one
// order per eligible user.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/trogers1052/signal-fanout/internal/database"
	"github.com/trogers1052/signal-fanout/internal/idempotency"
	"github.com/trogers1052/signal-fanout/internal/metrics"
	"github.com/trogers1052/signal-fanout/internal/models"
	"github.com/trogers1052/signal-fanout/internal/sizing"
	"golang.org/x/sync/errgroup"
)

// SignalStore is the claim/complete/fail contract of the signal table
type SignalStore interface {
	ClaimNext(ctx context.Context, batchSize int) ([]*models.Signal, error)
	RenewClaim(ctx context.Context, claimToken string) (map[string]bool, error)
	CompleteSignal(ctx context.Context, id, claimToken string) error
	FailSignal(ctx context.Context, id, claimToken, reason string) error
	ReclaimAbandoned(ctx context.Context, olderThan time.Duration, maxAttempts int) (models.ReclaimResult, error)
}

// OrderStore creates order rows keyed by idempotency key
type OrderStore interface {
	InsertOrder(ctx context.Context, o *models.Order) (bool, error)
}

// Store is everything the dispatcher persists through
type Store interface {
	SignalStore
	OrderStore
}

// Resolver returns the users eligible for a claimed signal
type Resolver interface {
	Resolve(ctx context.Context, s *models.Signal) ([]models.EligibleUser, error)
}

// Sizer computes a user's position for a signal
type Sizer interface {
	ComputeForUser(u models.EligibleUser) sizing.Result
}

// OrderNotifier announces new orders to the order executor
type OrderNotifier interface {
	PublishOrderCreated(ctx context.Context, o *models.Order) error
}

// Config holds loop parameters
type Config struct {
	Workers           int
	BatchSize         int
	PollInterval      time.Duration
	SignalTimeout     time.Duration
	TransitionTimeout time.Duration
	ClaimTimeout      time.Duration
	ReclaimInterval   time.Duration
	MaxAttempts       int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = 15 * time.Second
	}
	if c.TransitionTimeout <= 0 {
		c.TransitionTimeout = 10 * time.Second
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 2 * time.Minute
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
	return c
}

// Validate checks that a claim cannot expire while its worker is still
// allowed to be working on it. The claim is renewed before each signal, so
// one signal's renewal, fan-out and final transition must fit in
// ClaimTimeout.
func (c Config) Validate() error {
	c = c.withDefaults()
	if budget := c.SignalTimeout + 2*c.TransitionTimeout; c.ClaimTimeout <= budget {
		return fmt.Errorf("claim timeout %s must exceed signal timeout plus two transition timeouts (%s)", c.ClaimTimeout, budget)
	}
	return nil
}

// Outcome is where a processed signal ended up
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeRetry leaves the signal claimed for the reclaimer
	OutcomeRetry Outcome = "retry"
	// OutcomeLost means another worker owns the signal now
	OutcomeLost Outcome = "lost"
)

// Result summarises one Process call
type Result struct {
	Outcome    Outcome
	Created    int
	Duplicates int
	Skipped    int
	Err        error
}

// Dispatcher runs the fan-out loop
type Dispatcher struct {
	store    Store
	resolver Resolver
	sizer    Sizer
	notifier OrderNotifier
	metrics  *metrics.Metrics
	cfg      Config
	logger   zerolog.Logger
}

// New creates a Dispatcher. notifier may be nil.
func New(store Store, resolver Resolver, sizer Sizer, notifier OrderNotifier, m *metrics.Metrics, cfg Config, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		sizer:    sizer,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Run starts the claim workers and the reclaim sweeper and blocks until ctx
// is cancelled. In-flight signals are finished before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.cfg.Validate(); err != nil {
		return err
	}
	d.logger.Info().
		Int("workers", d.cfg.Workers).
		Int("batch_size", d.cfg.BatchSize).
		Dur("poll_interval", d.cfg.PollInterval).
		Msg("Starting dispatcher")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			d.workerLoop(ctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		d.reclaimLoop(ctx)
		return nil
	})

	err := g.Wait()
	d.logger.Info().Msg("Dispatcher stopped")
	return err
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int) {
	logger := d.logger.With().Int("worker", worker).Logger()
	logger.Debug().Msg("worker started")

	for {
		if ctx.Err() != nil {
			return
		}
		// Keep draining while there is work
		if n := d.RunOnce(ctx); n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// RunOnce claims one batch and processes it, returning the batch size
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	signals, err := d.store.ClaimNext(ctx, d.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error().Err(err).Bool("transient", database.IsTransient(err)).Msg("Error claiming signals")
		}
		return 0
	}
	if len(signals) == 0 {
		return 0
	}
	d.metrics.SignalsClaimed.Add(float64(len(signals)))

	for i, s := range signals {
		held, err := d.renew(ctx, s.ClaimToken)
		if err != nil {
			// Left claimed, the rest of the batch goes back out via the reclaimer
			remaining := len(signals) - i
			d.metrics.SignalsFinished.WithLabelValues(string(OutcomeRetry)).Add(float64(remaining))
			d.logger.Warn().Err(err).Int("remaining", remaining).Msg("Could not renew batch claim")
			break
		}
		if !held[s.ID] {
			d.metrics.SignalsFinished.WithLabelValues(string(OutcomeLost)).Inc()
			d.logger.Warn().Str("signal_id", s.ID).Msg("Claim lost before processing")
			continue
		}
		d.Process(ctx, s)
	}
	return len(signals)
}

func (d *Dispatcher) renew(ctx context.Context, claimToken string) (map[string]bool, error) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.TransitionTimeout)
	defer cancel()
	return d.store.RenewClaim(tctx, claimToken)
}

// Process fans out one claimed signal and moves it to processed or failed.
// Cancelling ctx does not interrupt a fan-out already under way.
func (d *Dispatcher) Process(ctx context.Context, s *models.Signal) Result {
	start := time.Now()
	logger := d.logger.With().
		Str("signal_id", s.ID).
		Str("symbol", s.Symbol).
		Str("action", string(s.Action)).
		Int("attempt", s.Attempts).
		Logger()

	res := d.fanOut(ctx, s, logger)

	d.metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	d.metrics.SignalsFinished.WithLabelValues(string(res.Outcome)).Inc()

	var event *zerolog.Event
	if res.Outcome == OutcomeProcessed {
		event = logger.Info()
	} else {
		event = logger.Warn().Err(res.Err)
	}
	event.
		Str("outcome", string(res.Outcome)).
		Int("orders_created", res.Created).
		Int("orders_duplicate", res.Duplicates).
		Int("users_skipped", res.Skipped).
		Dur("elapsed", time.Since(start)).
		Msg("Signal fan-out finished")

	return res
}

func (d *Dispatcher) fanOut(ctx context.Context, s *models.Signal, logger zerolog.Logger) Result {
	var res Result

	if !s.Action.Tradable() {
		logger.Debug().Msg("non-trading action, nothing to fan out")
		return d.complete(ctx, s, res)
	}

	fanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SignalTimeout)
	defer cancel()

	users, err := d.resolver.Resolve(fanCtx, s)
	if err != nil {
		return d.fail(ctx, s, err, res)
	}

	fingerprint := s.Fingerprint
	if fingerprint == "" {
		fingerprint = s.ID
	}

	for _, u := range users {
		size := d.sizer.ComputeForUser(u)
		if !size.Tradable {
			res.Skipped++
			d.metrics.RecordSkip(size.SkipReason)
			logger.Debug().Str("user_id", u.UserID).Str("reason", size.SkipReason).Msg("user skipped by sizing")
			continue
		}

		signalID := s.ID
		order := &models.Order{
			IdempotencyKey: idempotency.Key(fingerprint, u.UserID),
			UserID:         u.UserID,
			SignalID:       &signalID,
			Symbol:         s.Symbol,
			Side:           s.Action,
			Notional:       size.Notional,
			ReferencePrice: s.Price,
			TakeProfitPct:  size.TakeProfitPercent,
			StopLossPct:    size.StopLossPercent,
			Leverage:       size.Leverage,
			Status:         models.OrderPendingSubmit,
		}

		created, err := d.store.InsertOrder(fanCtx, order)
		if err != nil {
			if database.IsTransient(err) {
				// Orders written so far are keyed and safe to leave; the
				// reclaimer hands the signal back out after the claim timeout.
				res.Outcome = OutcomeRetry
				res.Err = err
				return res
			}
			return d.fail(ctx, s, err, res)
		}
		if !created {
			res.Duplicates++
			d.metrics.OrdersDuplicate.Inc()
			logger.Debug().Str("user_id", u.UserID).Str("idempotency_key", order.IdempotencyKey).Msg("order already exists")
			continue
		}

		res.Created++
		d.metrics.OrdersCreated.WithLabelValues(order.Symbol, string(order.Side)).Inc()
		d.notify(fanCtx, order, logger)
	}

	return d.complete(ctx, s, res)
}

func (d *Dispatcher) notify(ctx context.Context, o *models.Order, logger zerolog.Logger) {
	if d.notifier == nil {
		return
	}
	// The executor can still find the order by polling pending_submit
	if err := d.notifier.PublishOrderCreated(ctx, o); err != nil {
		logger.Warn().Err(err).Str("idempotency_key", o.IdempotencyKey).Msg("Failed to publish order created event")
	}
}

func (d *Dispatcher) complete(ctx context.Context, s *models.Signal, res Result) Result {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.TransitionTimeout)
	defer cancel()

	if err := d.store.CompleteSignal(tctx, s.ID, s.ClaimToken); err != nil {
		res.Err = err
		res.Outcome = transitionOutcome(err)
		return res
	}
	res.Outcome = OutcomeProcessed
	return res
}

func (d *Dispatcher) fail(ctx context.Context, s *models.Signal, cause error, res Result) Result {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.TransitionTimeout)
	defer cancel()

	res.Err = cause
	if err := d.store.FailSignal(tctx, s.ID, s.ClaimToken, cause.Error()); err != nil {
		res.Err = errors.Join(cause, err)
		res.Outcome = transitionOutcome(err)
		return res
	}
	res.Outcome = OutcomeFailed
	return res
}

func transitionOutcome(err error) Outcome {
	if errors.Is(err, database.ErrClaimLost) {
		return OutcomeLost
	}
	return OutcomeRetry
}

func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Reclaim(ctx)
		}
	}
}

// Reclaim returns abandoned claims to pending (or fails exhausted ones)
func (d *Dispatcher) Reclaim(ctx context.Context) models.ReclaimResult {
	res, err := d.store.ReclaimAbandoned(ctx, d.cfg.ClaimTimeout, d.cfg.MaxAttempts)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("Error reclaiming abandoned signals")
		}
		return res
	}

	if res.Requeued > 0 || res.Abandoned > 0 {
		d.metrics.SignalsReclaimed.WithLabelValues("requeued").Add(float64(res.Requeued))
		d.metrics.SignalsReclaimed.WithLabelValues("abandoned").Add(float64(res.Abandoned))
		d.logger.Warn().
			Int64("requeued", res.Requeued).
			Int64("abandoned", res.Abandoned).
			Msg("Reclaimed abandoned signals")
	}
	return res
}
