package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clashout/settlement-engine/internal/betting"
	"github.com/clashout/settlement-engine/internal/escrow"
	"github.com/clashout/settlement-engine/internal/metrics"
	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/store"
	"github.com/clashout/settlement-engine/internal/wallet"
)

const defaultBatch = 100

// Worker applies inbox events. Run exactly one per deployment so events
// for one transaction are applied in arrival order.
type Worker struct {
	store     store.Store
	custodian *escrow.Custodian
	bets      *betting.Service
	ledger    *wallet.Ledger
	batch     int
}

// NewWorker creates an inbox worker.
func NewWorker(st store.Store, custodian *escrow.Custodian, bets *betting.Service, ledger *wallet.Ledger) *Worker {
	return &Worker{store: st, custodian: custodian, bets: bets, ledger: ledger, batch: defaultBatch}
}

// Run drains the inbox every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.ProcessPending(ctx); err != nil && ctx.Err() == nil {
			slog.Error("process inbox", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessPending handles one batch of unprocessed events and returns how
// many were applied successfully. Failed events stay in the inbox until
// their attempts run out.
func (w *Worker) ProcessPending(ctx context.Context) (int, error) {
	evs, err := w.store.ListUnprocessedEvents(ctx, w.batch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, ev := range evs {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		herr := w.handle(ctx, ev)
		if err := w.store.MarkEventProcessed(ctx, ev.ID, herr); err != nil {
			slog.Error("mark provider event", "event_id", ev.EventID, "err", err)
		}
		if herr != nil {
			metrics.InboxEvents.WithLabelValues(ev.Provider, "failed").Inc()
			slog.Warn("provider event failed",
				"provider", ev.Provider, "event_id", ev.EventID, "attempt", ev.Attempts+1, "err", herr)
			continue
		}
		metrics.InboxEvents.WithLabelValues(ev.Provider, "processed").Inc()
		done++
	}
	return done, nil
}

func (w *Worker) handle(ctx context.Context, ev model.ProviderEvent) error {
	p, err := w.custodian.Registry().Get(ev.Provider)
	if err != nil {
		return err
	}
	parsed, err := escrow.ParseEvent(p, ev.Payload)
	if err != nil {
		return err
	}
	if obs, ok := p.(escrow.Observer); ok {
		if err := obs.Observe(ctx, parsed); err != nil {
			return fmt.Errorf("observe: %w", err)
		}
	}

	acct, err := w.custodian.ApplyProviderStatus(ctx, ev.Provider, parsed.ProviderTxID, parsed.Status, parsed.Amount)
	if errors.Is(err, store.ErrNotFound) {
		return w.handleDeposit(ctx, parsed)
	}
	if err != nil {
		return err
	}
	return followUp(ctx, w.store, w.bets, acct)
}

// handleDeposit settles a wallet deposit keyed by the provider transaction.
func (w *Worker) handleDeposit(ctx context.Context, ev *escrow.Event) error {
	var funded bool
	switch ev.Status {
	case escrow.RemoteFunded, escrow.RemoteReleased:
		funded = true
	case escrow.RemoteFailed, escrow.RemoteRefunded:
	default:
		return nil
	}
	_, err := w.ledger.CompleteDeposit(ctx, ev.ProviderTxID, funded)
	return err
}

// followUp moves the escrow's bet along after its custody state changed:
// funded stakes activate PENDING bets, and refunded or failed stakes abort
// them.
func followUp(ctx context.Context, st store.Store, bets *betting.Service, acct *model.EscrowAccount) error {
	if acct.BetID == "" {
		return nil
	}
	bet, err := st.GetBet(ctx, acct.BetID)
	if err != nil {
		return err
	}
	if bet.Status != model.BetPending {
		if acct.Status == model.EscrowRefunded && bet.Status == model.BetActive {
			slog.Error("provider refunded the escrow of an active bet",
				"bet_id", bet.ID, "escrow_id", acct.ID, "provider", acct.Provider)
		}
		return nil
	}

	switch acct.Status {
	case model.EscrowFunded:
		_, err := bets.Activate(ctx, bet.ID)
		if errors.Is(err, betting.ErrPoolClosed) {
			// Too late for the pool; Activate already aborted and refunded it.
			return nil
		}
		return err
	case model.EscrowRefunded:
		_, err := bets.Abort(ctx, bet.ID, betting.ReasonProviderRefund)
		return err
	}
	return nil
}
