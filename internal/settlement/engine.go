// Package settlement closes a resolved dispute's pool and settles every
// outstanding bet exactly once. Wager outcomes are final as soon as a bet
// is marked SETTLED; money movement is tracked per winning bet in a Payout
// row and retried separately when a provider fails.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/betting"
	"github.com/clashout/settlement-engine/internal/escrow"
	"github.com/clashout/settlement-engine/internal/events"
	"github.com/clashout/settlement-engine/internal/metrics"
	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/store"
	"github.com/clashout/settlement-engine/internal/wallet"
)

var (
	// ErrWinnerMismatch is returned when a dispute is settled again with a
	// different winner.
	ErrWinnerMismatch = errors.New("settlement: dispute already settled with a different winner")

	// ErrReportNotFound is returned for disputes that have not been settled.
	ErrReportNotFound = errors.New("settlement: report not found")

	// ErrAlreadySettled is returned when voiding a settled dispute.
	ErrAlreadySettled = errors.New("settlement: dispute already settled")
)

// DefaultMaxPayoutRetries is the number of failed attempts after which a
// payout is flagged for manual review.
const DefaultMaxPayoutRetries = 5

// staleProcessing is how long a payout may sit in PROCESSING before the
// retry sweep assumes its worker died.
const staleProcessing = 5 * time.Minute

var errSkipBet = errors.New("settlement: bet left the active state")

// Config holds settlement settings.
type Config struct {
	MaxPayoutRetries int
	PlatformAccount  string
}

// Engine settles disputes.
type Engine struct {
	store     store.Store
	ledger    *wallet.Ledger
	custodian *escrow.Custodian
	bets      *betting.Service
	publisher events.Publisher
	notifier  betting.PoolNotifier
	cfg       Config
}

// NewEngine creates a settlement engine. publisher and notifier may be nil.
func NewEngine(
	st store.Store,
	ledger *wallet.Ledger,
	custodian *escrow.Custodian,
	bets *betting.Service,
	publisher events.Publisher,
	notifier betting.PoolNotifier,
	cfg Config,
) *Engine {
	if cfg.MaxPayoutRetries <= 0 {
		cfg.MaxPayoutRetries = DefaultMaxPayoutRetries
	}
	if cfg.PlatformAccount == "" {
		cfg.PlatformAccount = wallet.DefaultPlatformAccount
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Engine{
		store:     st,
		ledger:    ledger,
		custodian: custodian,
		bets:      bets,
		publisher: publisher,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// tally accumulates the outcome of one settlement pass.
type tally struct {
	winners, losers, cancelled int
	staked, payout, fee        decimal.Decimal
	payoutIDs                  []string
	pending                    int
}

// SettleDispute closes the dispute's pool and settles every bet on it.
// The winner is pinned on the pool in the same update that closes it, so
// of two concurrent calls with different winners exactly one proceeds.
// Repeated calls with the same winner return the stored report without
// moving money again; a different winner fails with ErrWinnerMismatch.
func (e *Engine) SettleDispute(ctx context.Context, disputeID string, winner model.Side) (*model.SettlementReport, error) {
	if !winner.Valid() {
		return nil, betting.ErrInvalidSide
	}

	pool, err := e.closePool(ctx, disputeID, winner)
	if err != nil {
		return nil, err
	}
	winner = pool.WinningSide

	if report, err := e.store.GetSettlementReport(ctx, disputeID); err == nil {
		if report.WinningSide != winner {
			return nil, fmt.Errorf("%w: settled for %s", ErrWinnerMismatch, report.WinningSide)
		}
		// Pick up bets that raced the original run; the report stays as recorded.
		if _, err := e.settleBets(ctx, disputeID, winner); err != nil {
			slog.Warn("settle stragglers", "dispute_id", disputeID, "err", err)
		}
		metrics.Settlements.WithLabelValues("replayed").Inc()
		return report, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	t, err := e.settleBets(ctx, disputeID, winner)
	if err != nil {
		return nil, err
	}

	pool, err = e.store.UpdatePool(ctx, disputeID, nil, func(p *model.BettingPool) error {
		p.PlatformFeeCollected = t.fee
		return nil
	})
	if err != nil {
		slog.Error("record platform fee", "dispute_id", disputeID, "err", err)
	} else {
		e.notify(pool)
	}

	report, err := e.store.SaveSettlementReport(ctx, &model.SettlementReport{
		DisputeID:      disputeID,
		WinningSide:    winner,
		SettledBets:    t.winners + t.losers,
		Winners:        t.winners,
		Losers:         t.losers,
		Cancelled:      t.cancelled,
		TotalStaked:    t.staked,
		TotalPayout:    t.payout,
		PlatformFee:    t.fee,
		PayoutIDs:      t.payoutIDs,
		PendingPayouts: t.pending,
		SettledAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("save settlement report: %w", err)
	}
	if report.WinningSide != winner {
		return nil, fmt.Errorf("%w: settled for %s", ErrWinnerMismatch, report.WinningSide)
	}

	metrics.Settlements.WithLabelValues("settled").Inc()
	events.Emit(ctx, e.publisher, events.TopicDisputeSettled, disputeID, events.DisputeSettled{
		DisputeID:   disputeID,
		WinningSide: string(winner),
		Winners:     report.Winners,
		Losers:      report.Losers,
		TotalPayout: report.TotalPayout,
		PlatformFee: report.PlatformFee,
		Ts:          report.SettledAt,
	})
	slog.Info("dispute settled",
		"dispute_id", disputeID,
		"winner", winner,
		"winners", report.Winners,
		"losers", report.Losers,
		"total_payout", report.TotalPayout,
		"pending_payouts", report.PendingPayouts,
	)
	return report, nil
}

// closePool marks the pool closed, creating a closed pool if no bet was
// ever placed. Placements fail from this point on. A non-empty winner is
// pinned on the pool; a pool already pinned to the other side fails with
// ErrWinnerMismatch and an empty winner (a void) fails with
// ErrAlreadySettled once any winner is pinned.
func (e *Engine) closePool(ctx context.Context, disputeID string, winner model.Side) (*model.BettingPool, error) {
	now := time.Now().UTC()
	return e.store.UpdatePool(ctx, disputeID, func() *model.BettingPool {
		return &model.BettingPool{
			DisputeID:             disputeID,
			TotalPoolAmount:       decimal.Zero,
			PartyAAmount:          decimal.Zero,
			PartyBAmount:          decimal.Zero,
			PartyAOdds:            decimal.Zero,
			PartyBOdds:            decimal.Zero,
			PlatformFeePercentage: betting.DefaultPlatformFee,
			PlatformFeeCollected:  decimal.Zero,
			CreatedAt:             now,
		}
	}, func(p *model.BettingPool) error {
		switch {
		case p.WinningSide != "" && winner == "":
			return fmt.Errorf("%w: settled for %s", ErrAlreadySettled, p.WinningSide)
		case p.WinningSide != "" && p.WinningSide != winner:
			return fmt.Errorf("%w: settled for %s", ErrWinnerMismatch, p.WinningSide)
		}
		p.WinningSide = winner
		if p.IsActive || p.ClosedAt == nil {
			p.IsActive = false
			p.ClosedAt = &now
		}
		return nil
	})
}

// settleBets processes every PENDING, ACTIVE or already SETTLED bet on the
// dispute. SETTLED bets are revisited so an interrupted run completes; all
// money movement is keyed per bet.
func (e *Engine) settleBets(ctx context.Context, disputeID string, winner model.Side) (*tally, error) {
	bets, err := e.store.ListBetsByDispute(ctx, disputeID, model.BetPending, model.BetActive, model.BetSettled)
	if err != nil {
		return nil, fmt.Errorf("list bets: %w", err)
	}

	t := &tally{staked: decimal.Zero, payout: decimal.Zero, fee: decimal.Zero, payoutIDs: []string{}}
	for i := range bets {
		bet := &bets[i]
		if bet.Status == model.BetPending {
			// Never funded in time: not a wager.
			if _, err := e.bets.Abort(ctx, bet.ID, betting.ReasonPoolClosed); err == nil {
				t.cancelled++
				continue
			}
			// Activated meanwhile; settle it below.
			fresh, err := e.store.GetBet(ctx, bet.ID)
			if err != nil || fresh.Status != model.BetActive {
				t.cancelled++
				continue
			}
			bet = fresh
		}

		settled, err := e.claim(ctx, bet.ID)
		if errors.Is(err, errSkipBet) {
			t.cancelled++
			continue
		}
		if err != nil {
			slog.Error("claim bet for settlement", "bet_id", bet.ID, "err", err)
			continue
		}

		t.staked = t.staked.Add(settled.Amount)
		if settled.PredictedWinner != winner {
			t.losers++
			e.settleLoser(ctx, settled)
			continue
		}

		t.winners++
		t.payout = t.payout.Add(settled.PotentialPayout)
		t.fee = t.fee.Add(settled.Amount.Mul(settled.Odds).Sub(settled.PotentialPayout))
		p, err := e.settleWinner(ctx, settled)
		if err != nil {
			slog.Error("create payout", "bet_id", settled.ID, "err", err)
			t.pending++
			continue
		}
		t.payoutIDs = append(t.payoutIDs, p.ID)
		if p.Status != model.PayoutCompleted {
			t.pending++
		}
	}
	return t, nil
}

// claim moves an ACTIVE bet to SETTLED. A bet that is already SETTLED is
// returned as is; anything else was cancelled concurrently.
func (e *Engine) claim(ctx context.Context, betID string) (*model.Bet, error) {
	return e.store.UpdateBet(ctx, betID, func(b *model.Bet) error {
		switch b.Status {
		case model.BetSettled:
			return nil
		case model.BetActive:
			now := time.Now().UTC()
			b.SettledAt = &now
			return model.TransitionBet(b, model.BetSettled)
		default:
			return errSkipBet
		}
	})
}

// settleLoser releases the losing stake from the pending balance and sends
// the escrowed funds to the platform.
func (e *Engine) settleLoser(ctx context.Context, bet *model.Bet) {
	if err := e.releaseStake(ctx, bet); err != nil {
		slog.Error("release losing stake", "bet_id", bet.ID, "user_id", bet.UserID, "err", err)
	}
	if bet.EscrowID == "" {
		return
	}
	if _, err := e.custodian.Release(ctx, bet.EscrowID, e.cfg.PlatformAccount); err != nil {
		// The reconciliation sweep retries losing escrows left FUNDED.
		slog.Warn("release losing escrow deferred", "bet_id", bet.ID, "escrow_id", bet.EscrowID, "err", err)
	}
}

// ReleaseLosingEscrow sends a settled losing bet's escrow to the platform.
func (e *Engine) ReleaseLosingEscrow(ctx context.Context, escrowID string) (*model.EscrowAccount, error) {
	return e.custodian.Release(ctx, escrowID, e.cfg.PlatformAccount)
}

// releaseStake drops a losing stake from the pending balance.
func (e *Engine) releaseStake(ctx context.Context, bet *model.Bet) error {
	held, err := e.store.HasTransaction(ctx, "hold:"+bet.ID)
	if err != nil {
		return err
	}
	if !held {
		metrics.InvariantViolations.WithLabelValues("missing_hold").Inc()
		return fmt.Errorf("bet %s settled without a stake hold", bet.ID)
	}
	_, err = e.ledger.Apply(ctx, bet.UserID, settleKey(bet.ID), wallet.Op{
		Kind:        wallet.ReleaseFromPending,
		Amount:      bet.Amount,
		Type:        model.TxRelease,
		BetID:       bet.ID,
		EscrowID:    bet.EscrowID,
		Description: "losing stake released",
	})
	return err
}

// settleWinner creates the bet's payout (once) and tries to pay it.
func (e *Engine) settleWinner(ctx context.Context, bet *model.Bet) (*model.Payout, error) {
	p, created, err := e.store.CreatePayout(ctx, &model.Payout{
		ID:            uuid.New().String(),
		BetID:         bet.ID,
		UserID:        bet.UserID,
		DisputeID:     bet.DisputeID,
		Amount:        bet.PotentialPayout,
		PaymentMethod: bet.PaymentMethod,
		Status:        model.PayoutPending,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if created {
		metrics.Payouts.WithLabelValues(string(model.PayoutPending)).Inc()
	}
	if p.Status == model.PayoutCompleted || p.NeedsManualReview {
		return p, nil
	}
	return e.processPayout(ctx, p, bet)
}

// processPayout runs one payment attempt: the wallet release and credit
// (idempotent by the settle key) and then the escrow release to the winner.
func (e *Engine) processPayout(ctx context.Context, p *model.Payout, bet *model.Bet) (*model.Payout, error) {
	claimed, err := e.store.UpdatePayout(ctx, p.ID, func(po *model.Payout) error {
		if po.Status == model.PayoutProcessing && po.ProcessedAt != nil && time.Since(*po.ProcessedAt) > staleProcessing {
			// Previous worker died mid-attempt.
			if err := model.TransitionPayout(po, model.PayoutFailed); err != nil {
				return err
			}
		}
		if err := model.TransitionPayout(po, model.PayoutProcessing); err != nil {
			return err
		}
		now := time.Now().UTC()
		po.ProcessedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrIllegalTransition) {
			// Completed or in flight elsewhere.
			return e.store.GetPayout(ctx, p.ID)
		}
		return nil, err
	}

	payErr := e.pay(ctx, claimed, bet)

	final, err := e.store.UpdatePayout(ctx, p.ID, func(po *model.Payout) error {
		now := time.Now().UTC()
		if payErr == nil {
			po.ErrorMessage = ""
			po.CompletedAt = &now
			return model.TransitionPayout(po, model.PayoutCompleted)
		}
		po.RetryCount++
		po.ErrorMessage = payErr.Error()
		if po.RetryCount >= e.cfg.MaxPayoutRetries {
			po.NeedsManualReview = true
		}
		return model.TransitionPayout(po, model.PayoutFailed)
	})
	if err != nil {
		return nil, fmt.Errorf("record payout result: %w", err)
	}

	metrics.Payouts.WithLabelValues(string(final.Status)).Inc()
	if final.NeedsManualReview {
		metrics.PayoutsManualReview.Inc()
		slog.Error("payout needs manual review",
			"payout_id", final.ID, "bet_id", final.BetID, "retries", final.RetryCount, "err", final.ErrorMessage)
	} else if payErr != nil {
		slog.Warn("payout attempt failed", "payout_id", final.ID, "bet_id", final.BetID, "retries", final.RetryCount, "err", payErr)
	}
	events.Emit(ctx, e.publisher, events.TopicPayoutUpdated, final.DisputeID, events.PayoutUpdated{
		PayoutID:          final.ID,
		BetID:             final.BetID,
		UserID:            final.UserID,
		DisputeID:         final.DisputeID,
		Amount:            final.Amount,
		Status:            string(final.Status),
		RetryCount:        final.RetryCount,
		NeedsManualReview: final.NeedsManualReview,
		Ts:                time.Now().UTC(),
	})
	return final, nil
}

func (e *Engine) pay(ctx context.Context, p *model.Payout, bet *model.Bet) error {
	ops := []wallet.Op{{
		Kind:   wallet.ReleaseFromPending,
		Amount: bet.Amount,
		Type:   model.TxRelease,
		BetID:  bet.ID,
	}}
	if bet.WalletFunded() {
		ops = append(ops, wallet.Op{
			Kind:        wallet.Credit,
			Amount:      p.Amount,
			Type:        model.TxPayout,
			BetID:       bet.ID,
			PayoutID:    p.ID,
			Description: "winnings on dispute " + bet.DisputeID,
		})
	}
	if _, err := e.ledger.Apply(ctx, bet.UserID, settleKey(bet.ID), ops...); err != nil {
		return fmt.Errorf("wallet: %w", err)
	}

	if bet.EscrowID == "" {
		return nil
	}
	if _, err := e.custodian.Release(ctx, bet.EscrowID, bet.UserID); err != nil {
		return fmt.Errorf("escrow release: %w", err)
	}
	return nil
}

// RetrySummary reports one payout retry sweep.
type RetrySummary struct {
	Attempted    int `json:"attempted"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	ManualReview int `json:"manual_review"`
}

// RetryPayouts retries every PENDING or FAILED payout below the retry cap,
// plus PROCESSING payouts abandoned by a dead worker. Payouts at the cap
// stay FAILED and flagged for manual review.
func (e *Engine) RetryPayouts(ctx context.Context) (RetrySummary, error) {
	var sum RetrySummary
	payouts, err := e.store.ListPayoutsByStatus(ctx, model.PayoutPending, model.PayoutFailed, model.PayoutProcessing)
	if err != nil {
		return sum, err
	}
	for i := range payouts {
		p := &payouts[i]
		if p.NeedsManualReview {
			sum.ManualReview++
			continue
		}
		if p.Status == model.PayoutProcessing && (p.ProcessedAt == nil || time.Since(*p.ProcessedAt) <= staleProcessing) {
			continue
		}
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		bet, err := e.store.GetBet(ctx, p.BetID)
		if err != nil {
			slog.Error("load bet for payout retry", "payout_id", p.ID, "err", err)
			continue
		}
		sum.Attempted++
		out, err := e.processPayout(ctx, p, bet)
		switch {
		case err != nil:
			slog.Error("retry payout", "payout_id", p.ID, "err", err)
			sum.Failed++
		case out.Status == model.PayoutCompleted:
			sum.Completed++
		default:
			sum.Failed++
			if out.NeedsManualReview {
				sum.ManualReview++
			}
		}
	}
	if sum.Attempted > 0 {
		slog.Info("payout retry sweep", "attempted", sum.Attempted, "completed", sum.Completed, "failed", sum.Failed)
	}
	return sum, nil
}

// GetReport returns the stored settlement report for a dispute.
func (e *Engine) GetReport(ctx context.Context, disputeID string) (*model.SettlementReport, error) {
	r, err := e.store.GetSettlementReport(ctx, disputeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, disputeID)
	}
	return r, err
}

// VoidResult reports a voided dispute.
type VoidResult struct {
	DisputeID string `json:"dispute_id"`
	Refunded  int    `json:"refunded"`
}

// VoidDispute closes the pool of a cancelled dispute and refunds every
// outstanding bet. It is safe to repeat.
func (e *Engine) VoidDispute(ctx context.Context, disputeID string) (*VoidResult, error) {
	if _, err := e.store.GetSettlementReport(ctx, disputeID); err == nil {
		return nil, ErrAlreadySettled
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	pool, err := e.closePool(ctx, disputeID, "")
	if err != nil {
		return nil, err
	}
	e.notify(pool)

	bets, err := e.store.ListBetsByDispute(ctx, disputeID, model.BetPending, model.BetActive)
	if err != nil {
		return nil, err
	}
	res := &VoidResult{DisputeID: disputeID}
	for _, b := range bets {
		if _, err := e.bets.Refund(ctx, b.ID, betting.ReasonDisputeVoided); err != nil {
			slog.Error("refund bet on voided dispute", "bet_id", b.ID, "err", err)
			continue
		}
		res.Refunded++
	}
	slog.Info("dispute voided", "dispute_id", disputeID, "refunded", res.Refunded)
	return res, nil
}

func (e *Engine) notify(pool *model.BettingPool) {
	if e.notifier != nil && pool != nil {
		e.notifier.PoolUpdated(pool)
	}
}

func settleKey(betID string) string { return "settle:" + betID }
