/*
scheduler.go - Reconciliation scheduler

PURPOSE:
  Periodically sweeps all transactions still awaiting external
  confirmation and drives them through the state machine's public
  operations. Holds no private ledger access: everything it does, the
  force-verify endpoint could do too, through the same Engine methods.

EACH CYCLE:
  1. Enumerate non-terminal transactions older than the minimum age.
  2. Deposits with a claimed reference  -> AttemptVerify
     Deposits with no reference, aged  -> Expire
     Submitted withdrawals             -> RecheckSubmitted
     Stuck eligible_checked records    -> ProcessWithdrawal
  3. Outcomes are logged per item; one item's failure never aborts the
     cycle for the rest.

CONCURRENCY:
  Items are processed by a bounded worker pool; each item gets its own
  timeout so one slow rail cannot stall the cycle. Stop() cancels the
  loop and waits for in-flight items to finish - a mutation is never
  abandoned halfway.
*/
package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SchedulerConfig tunes the reconciliation loop. Zero values fall back to
// the documented defaults.
type SchedulerConfig struct {
	// Interval between cycles (default 30s).
	Interval time.Duration
	// MinAge a transaction must reach before the scheduler picks it up, to
	// avoid racing an inline verification of a just-created record
	// (default 1m).
	MinAge time.Duration
	// Concurrency bounds the number of items processed at once (default 4).
	Concurrency int
	// ItemTimeout bounds the processing of a single item (default 45s).
	ItemTimeout time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MinAge <= 0 {
		c.MinAge = time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 45 * time.Second
	}
	return c
}

// Scheduler is the background reconciliation loop.
type Scheduler struct {
	engine *Engine
	store  Store
	cfg    SchedulerConfig
	log    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler builds a scheduler over the engine's public operations.
func NewScheduler(engine *Engine, store Store, cfg SchedulerConfig, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{engine: engine, store: store, cfg: cfg.withDefaults(), log: log}
}

// Start launches the loop. Safe to call once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info("reconciliation scheduler started",
		"interval", s.cfg.Interval, "concurrency", s.cfg.Concurrency)
}

// Stop cancels the loop and blocks until in-flight items have finished.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("reconciliation scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// First sweep immediately on start.
	s.RunCycle(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunCycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunCycle performs one reconciliation sweep. Exported so the admin API can
// trigger an immediate pass.
func (s *Scheduler) RunCycle(ctx context.Context) {
	cutoff := s.engine.now().Add(-s.cfg.MinAge)
	items, err := s.store.ListUnsettled(ctx, cutoff)
	if err != nil {
		s.log.Error("listing unsettled transactions", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	s.log.Debug("reconciliation cycle", "candidates", len(items))

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	settled, retried, failures := 0, 0, 0

	for _, tx := range items {
		if ctx.Err() != nil {
			break // stopping; in-flight items still drain below
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(tx Transaction) {
			defer wg.Done()
			defer func() { <-sem }()

			// Per-item timeout: one slow rail must not stall the cycle.
			itemCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ItemTimeout)
			defer cancel()

			out, err := s.reconcileOne(itemCtx, tx)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && IsRetryable(err):
				retried++
			case err != nil:
				failures++
				s.log.Error("reconciling transaction", "id", tx.ID, "state", tx.State, "error", err)
			case out.State.Terminal():
				settled++
				s.log.Info("reconciled", "id", out.ID, "state", out.State, "reason", out.Reason)
			default:
				retried++
			}
		}(tx)
	}

	wg.Wait()
	s.log.Info("cycle complete", "settled", settled, "pending", retried, "errors", failures)
}

// reconcileOne routes one item to the right state machine operation.
func (s *Scheduler) reconcileOne(ctx context.Context, tx Transaction) (Transaction, error) {
	switch {
	case tx.Direction == Deposit && tx.ExternalRef != "":
		return s.engine.AttemptVerify(ctx, tx.ID, tx.ExternalRef)

	case tx.Direction == Deposit:
		// Nothing claimed yet; the only progress available is expiry.
		return s.engine.Expire(ctx, tx.ID)

	case tx.State == StateSubmitted:
		return s.engine.RecheckSubmitted(ctx, tx.ID)

	case tx.State == StateEligibleChecked:
		// A withdrawal whose inline processing never happened or crashed
		// before the reservation; drive it forward.
		return s.engine.ProcessWithdrawal(ctx, tx.ID)

	default:
		return tx, nil
	}
}
