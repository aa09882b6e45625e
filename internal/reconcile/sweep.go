package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clashout/settlement-engine/internal/betting"
	"github.com/clashout/settlement-engine/internal/escrow"
	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/settlement"
	"github.com/clashout/settlement-engine/internal/store"
)

// DefaultGrace is how old a PENDING escrow must be before the sweep asks
// the provider about it.
const DefaultGrace = 10 * time.Minute

// Summary reports one sweep.
type Summary struct {
	Reconciled     int                     `json:"reconciled"`
	Refunded       int                     `json:"refunded"`
	LosersReleased int                     `json:"losers_released"`
	Stragglers     int                     `json:"stragglers"`
	Errors         int                     `json:"errors"`
	Payouts        settlement.RetrySummary `json:"payouts"`
}

// Sweeper polls providers for transactions the webhooks did not resolve
// and retries custody operations that failed earlier.
type Sweeper struct {
	store     store.Store
	custodian *escrow.Custodian
	bets      *betting.Service
	engine    *settlement.Engine
	grace     time.Duration
}

// NewSweeper creates a sweeper. A zero grace uses DefaultGrace.
func NewSweeper(st store.Store, custodian *escrow.Custodian, bets *betting.Service, engine *settlement.Engine, grace time.Duration) *Sweeper {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Sweeper{store: st, custodian: custodian, bets: bets, engine: engine, grace: grace}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("reconciliation sweep", "err", err)
			}
		}
	}
}

// Sweep runs one reconciliation pass:
//   - PENDING escrows past the grace period are reconciled against the
//     provider and their bets activated or aborted;
//   - FUNDED escrows whose bet was cancelled or refunded are refunded;
//   - FUNDED escrows of settled losing bets are released to the platform;
//   - ACTIVE bets on disputes that already have a report are settled;
//   - failed payouts are retried.
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	var sum Summary
	cutoff := time.Now().UTC().Add(-s.grace)

	pending, err := s.store.ListEscrowsByStatus(ctx, model.EscrowPending, cutoff)
	if err != nil {
		return sum, err
	}
	for _, e := range pending {
		if e.ProviderTxID == "" {
			continue
		}
		acct, err := s.custodian.Reconcile(ctx, e.ID)
		if err != nil {
			slog.Warn("reconcile pending escrow", "escrow_id", e.ID, "provider", e.Provider, "err", err)
			sum.Errors++
			continue
		}
		if acct.Status != model.EscrowPending {
			sum.Reconciled++
		}
		if err := followUp(ctx, s.store, s.bets, acct); err != nil {
			slog.Warn("follow up reconciled escrow", "escrow_id", e.ID, "err", err)
			sum.Errors++
		}
	}

	funded, err := s.store.ListEscrowsByStatus(ctx, model.EscrowFunded, cutoff)
	if err != nil {
		return sum, err
	}
	for _, e := range funded {
		if e.BetID == "" {
			continue
		}
		if err := s.settleFunded(ctx, &e, &sum); err != nil {
			slog.Warn("sweep funded escrow", "escrow_id", e.ID, "bet_id", e.BetID, "err", err)
			sum.Errors++
		}
	}

	sum.Payouts, err = s.engine.RetryPayouts(ctx)
	if err != nil {
		return sum, err
	}
	slog.Info("reconciliation sweep",
		"reconciled", sum.Reconciled, "refunded", sum.Refunded,
		"losers_released", sum.LosersReleased, "stragglers", sum.Stragglers, "errors", sum.Errors)
	return sum, nil
}

// settleFunded finishes custody for a FUNDED escrow whose bet has moved on.
// Winning escrows are left to the payout retry.
func (s *Sweeper) settleFunded(ctx context.Context, e *model.EscrowAccount, sum *Summary) error {
	bet, err := s.store.GetBet(ctx, e.BetID)
	if err != nil {
		return err
	}
	switch bet.Status {
	case model.BetCancelled, model.BetRefunded:
		if _, err := s.custodian.Refund(ctx, e.ID); err != nil {
			return err
		}
		sum.Refunded++
	case model.BetPending:
		// Funded but the webhook never activated it.
		return followUp(ctx, s.store, s.bets, e)
	case model.BetActive:
		// Activated after settlement listed the dispute's bets.
		report, err := s.engine.GetReport(ctx, bet.DisputeID)
		if errors.Is(err, settlement.ErrReportNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := s.engine.SettleDispute(ctx, bet.DisputeID, report.WinningSide); err != nil {
			return err
		}
		sum.Stragglers++
	case model.BetSettled:
		report, err := s.engine.GetReport(ctx, bet.DisputeID)
		if errors.Is(err, settlement.ErrReportNotFound) {
			// Settlement still running.
			return nil
		}
		if err != nil {
			return err
		}
		if bet.PredictedWinner == report.WinningSide {
			return nil
		}
		if _, err := s.engine.ReleaseLosingEscrow(ctx, e.ID); err != nil {
			return err
		}
		sum.LosersReleased++
	}
	return nil
}
