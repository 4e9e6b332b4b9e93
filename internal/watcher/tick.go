package watcher

import (
	"MarginWatch/internal/event"
	"MarginWatch/internal/ledger"
	"MarginWatch/internal/risk"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RunTick scans all at-risk accounts once. It returns ErrTickInProgress when
// another tick holds the in-progress flag and ErrNotRunning when the watcher
// is stopped. Per-account failures are recorded in the report, never
// returned.
//
// Account work runs on a context detached from ctx's cancellation, so a
// caller giving up (or the loop stopping) never aborts a half-processed
// account.
func (w *Watcher) RunTick(ctx context.Context) (*TickReport, error) {
	return w.runTick(ctx, nil)
}

// runTick is RunTick for a tick fired by a loop. A non-nil stop belongs to
// that loop; once it is closed, or ctx is done, the tick is refused even if
// a later Start has the watcher running again.
func (w *Watcher) runTick(ctx context.Context, stop <-chan struct{}) (*TickReport, error) {
	if !w.ticking.CompareAndSwap(false, true) {
		if w.metrics != nil {
			w.metrics.Ticks.WithLabelValues("skipped_overlap").Inc()
		}
		return nil, ErrTickInProgress
	}
	defer w.ticking.Store(false)

	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	rt := w.rt.Load()
	if w.State() != StateRunning || rt == nil {
		return nil, ErrNotRunning
	}
	if stop != nil && loopEnded(ctx, stop) {
		return nil, ErrNotRunning
	}

	work := context.WithoutCancel(ctx)
	report := &TickReport{
		TickID:    uuid.New(),
		StartedAt: w.now(),
	}
	log := w.log.With().Str("tick_id", report.TickID.String()).Logger()

	accounts, err := w.store.ListAtRiskAccounts(work)
	if err != nil {
		w.storeError("list_at_risk_accounts", err)
		report.ListError = err.Error()
		report.FinishedAt = w.now()
		w.last.Store(report)
		if w.metrics != nil {
			w.metrics.Ticks.WithLabelValues("failed").Inc()
		}
		log.Error().Err(err).Msg("list at-risk accounts failed")
		return report, nil
	}

	report.Accounts = len(accounts)
	report.Results = w.fanOut(work, rt, report.TickID, accounts)
	report.FinishedAt = w.now()
	w.last.Store(report)

	if w.metrics != nil {
		w.metrics.Ticks.WithLabelValues("completed").Inc()
		w.metrics.TickDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
		w.metrics.AccountsScanned.Add(float64(len(accounts)))
		w.metrics.LastTickUnix.Set(float64(report.FinishedAt.Unix()))
	}

	summary := log.Info()
	for name, n := range report.Summary() {
		summary = summary.Int(name, n)
	}
	summary.Int("accounts", report.Accounts).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("tick completed")

	return report, nil
}

// fanOut processes accounts on a bounded pool of workers. Each account is
// handled by exactly one worker; results keep the input order.
func (w *Watcher) fanOut(ctx context.Context, rt *runtime, tickID uuid.UUID, accounts []ledger.Account) []AccountResult {
	results := make([]AccountResult, len(accounts))
	if len(accounts) == 0 {
		return results
	}

	workers := rt.cfg.Workers
	if workers > len(accounts) {
		workers = len(accounts)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = w.processAccount(ctx, rt, tickID, accounts[idx])
			}
		}()
	}

	for i := range accounts {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

func (w *Watcher) processAccount(ctx context.Context, rt *runtime, tickID uuid.UUID, acct ledger.Account) (res AccountResult) {
	start := time.Now()
	res.OwnerID = acct.OwnerID
	log := w.log.With().
		Str("tick_id", tickID.String()).
		Str("owner_id", acct.OwnerID.String()).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("panic: %v", r)
			log.Error().Interface("panic", r).Msg("account processing panicked")
		}
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		res.Duration = time.Since(start)
		if w.metrics != nil {
			w.metrics.AccountResults.WithLabelValues(res.Outcome.String()).Inc()
		}
	}()

	var open []ledger.Position
	err := w.timed("list_open_positions", func() (err error) {
		open, err = w.store.ListOpenPositions(ctx, acct.OwnerID)
		return err
	})
	if err != nil {
		return w.classify(log, res, "list_open_positions", err)
	}

	dec, err := rt.evaluator.Evaluate(acct, open, w.now())
	if err != nil {
		return w.classify(log, res, "evaluate", err)
	}

	a := dec.Assessment
	res.Action = dec.Action
	res.MarginLevel = a.MarginLevelString()
	res.Equity = a.Equity
	w.observeAssessment(log, a)

	switch dec.Action {
	case risk.ActionNoOp:
		res.Outcome = OutcomeNoOp
		log.Debug().Str("margin_level", res.MarginLevel).Msg("account healthy")
		return res

	case risk.ActionRevokeCredit:
		if err := w.timed("apply_revoke", func() error {
			return w.store.ApplyRevoke(ctx, acct.OwnerID, acct.Version)
		}); err != nil {
			return w.classify(log, res, "apply_revoke", err)
		}
		res.Outcome = OutcomeRevoked
		log.Warn().
			Str("margin_level", res.MarginLevel).
			Str("credit_revoked", acct.ExtendedCredit.String()).
			Msg("extended credit revoked")

	case risk.ActionLiquidate:
		if err := w.timed("apply_liquidation", func() error {
			return w.store.ApplyLiquidation(ctx, dec.LiquidationRequest(acct.Version))
		}); err != nil {
			return w.classify(log, res, "apply_liquidation", err)
		}
		res.Outcome = OutcomeLiquidated
		res.PositionsClosed = len(dec.Closures)
		if w.metrics != nil {
			w.metrics.PositionsLiquidated.Add(float64(len(dec.Closures)))
		}
		log.Warn().
			Str("margin_level", res.MarginLevel).
			Int("positions_closed", len(dec.Closures)).
			Str("realized_total", dec.RealizedTotal.String()).
			Str("released_margin", dec.ReleasedMargin.String()).
			Msg("account liquidated")
	}

	w.deliver(ctx, log, newRiskEvent(tickID, acct, dec, w.now()))
	return res
}

// classify maps err to an outcome: stale snapshots and inconsistent data
// are skipped, everything else fails. Either way the account is retried on
// the next tick.
func (w *Watcher) classify(log zerolog.Logger, res AccountResult, op string, err error) AccountResult {
	res.Err = err
	switch {
	case errors.Is(err, ledger.ErrStaleSnapshot):
		res.Outcome = OutcomeSkipped
		log.Info().Str("op", op).Msg("account changed since snapshot, deferring to next tick")
	case ledger.IsInconsistent(err):
		res.Outcome = OutcomeSkipped
		log.Warn().Err(err).Str("op", op).Msg("inconsistent account state, skipping")
	default:
		res.Outcome = OutcomeFailed
		log.Error().Err(err).Str("op", op).Bool("transient", ledger.IsTransient(err)).Msg("account processing failed")
	}
	if op != "evaluate" {
		w.storeError(op, err)
	}
	return res
}

func (w *Watcher) timed(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if w.metrics != nil {
		w.metrics.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return err
}

func (w *Watcher) storeError(op string, err error) {
	if w.metrics == nil {
		return
	}
	kind := "other"
	switch {
	case errors.Is(err, ledger.ErrStaleSnapshot):
		kind = "stale"
	case ledger.IsInconsistent(err):
		kind = "inconsistent"
	case ledger.IsTransient(err):
		kind = "transient"
	}
	w.metrics.StoreErrors.WithLabelValues(op, kind).Inc()
}

func (w *Watcher) observeAssessment(log zerolog.Logger, a risk.Assessment) {
	if a.ReservedMismatch {
		log.Warn().
			Str("positions_reserved", a.PositionReserved.String()).
			Msg("account reserved margin differs from open positions")
	}
	if a.UnknownSides > 0 {
		log.Warn().Int("positions", a.UnknownSides).Msg("unrecognized side labels treated as long")
	}
	if w.metrics == nil {
		return
	}
	if a.Bounded {
		w.metrics.MarginLevel.Observe(a.MarginLevel.InexactFloat64())
	}
	if a.ReservedMismatch {
		w.metrics.ReservedMismatch.Inc()
	}
	w.metrics.UnknownSides.Add(float64(a.UnknownSides))
}

// deliver hands evt to every sink. Failures are logged and counted only.
func (w *Watcher) deliver(ctx context.Context, log zerolog.Logger, evt *event.RiskEvent) {
	for _, s := range w.sinks {
		if err := s.Deliver(ctx, evt); err != nil {
			log.Warn().Err(err).Str("sink", s.Name()).Str("event", string(evt.Type)).Msg("sink delivery failed")
			if w.metrics != nil {
				w.metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
			}
		}
	}
}

func newRiskEvent(tickID uuid.UUID, acct ledger.Account, dec risk.Decision, now time.Time) *event.RiskEvent {
	evt := &event.RiskEvent{
		EventID:        uuid.New(),
		TickID:         tickID,
		OwnerID:        acct.OwnerID,
		AccountVersion: acct.Version,
		MarginLevel:    dec.Assessment.MarginLevelString(),
		Equity:         dec.Assessment.Equity,
		UnrealizedPnl:  dec.Assessment.UnrealizedPnl,
		OccurredAt:     now,
	}

	if dec.Action == risk.ActionRevokeCredit {
		evt.Type = event.TypeCreditRevoked
		return evt
	}

	evt.Type = event.TypeAccountLiquidated
	evt.ReleasedMargin = dec.ReleasedMargin
	evt.RealizedTotal = dec.RealizedTotal
	evt.OccurredAt = dec.ClosedAt
	evt.Closures = make([]event.ClosedPosition, len(dec.Closures))
	for i, c := range dec.Closures {
		evt.Closures[i] = event.ClosedPosition{
			PositionID:     c.PositionID,
			RealizedPnl:    c.RealizedPnl,
			ReleasedMargin: c.ReleasedMargin,
		}
	}
	return evt
}
