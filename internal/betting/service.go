// Package betting runs the bet lifecycle: placement against the shared
// pool, activation once the stake is in custody, and cancellation. Each
// step touches one aggregate atomically; failures after the pool step are
// compensated so no stake is left debited without a live bet or a refund.
package betting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/dispute"
	"github.com/clashout/settlement-engine/internal/escrow"
	"github.com/clashout/settlement-engine/internal/events"
	"github.com/clashout/settlement-engine/internal/limits"
	"github.com/clashout/settlement-engine/internal/metrics"
	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/odds"
	"github.com/clashout/settlement-engine/internal/store"
	"github.com/clashout/settlement-engine/internal/wallet"
)

var (
	// ErrInvalidSide is returned when the predicted winner is not a party.
	ErrInvalidSide = errors.New("betting: predicted winner must be partyA or partyB")

	// ErrPoolClosed is returned once the dispute's pool has been closed.
	ErrPoolClosed = errors.New("betting: pool is closed")

	// ErrBetNotFound is returned for unknown bets.
	ErrBetNotFound = errors.New("betting: bet not found")

	// ErrNotOwner is returned when a user acts on someone else's bet.
	ErrNotOwner = errors.New("betting: bet belongs to another user")

	// ErrNotCancellable is returned for bets that are already final.
	ErrNotCancellable = errors.New("betting: bet can no longer be cancelled")

	// ErrNotPending is returned when activating or aborting a bet that has
	// left the pending state.
	ErrNotPending = errors.New("betting: bet is not pending")
)

// DefaultPlatformFee is the share of a winning payout kept by the platform.
var DefaultPlatformFee = decimal.RequireFromString("0.05")

// Cancellation reasons.
const (
	ReasonUserCancelled  = "user_cancelled"
	ReasonFundingFailed  = "funding_failed"
	ReasonEscrowFailed   = "escrow_failed"
	ReasonWalletFailed   = "wallet_failed"
	ReasonLimitExceeded  = "limit_exceeded"
	ReasonPoolClosed     = "pool_closed"
	ReasonDisputeVoided  = "dispute_voided"
	ReasonProviderRefund = "provider_refunded"
)

// PoolNotifier is told about every committed pool change.
type PoolNotifier interface {
	PoolUpdated(pool *model.BettingPool)
}

// Config holds the betting rules.
type Config struct {
	PlatformFee     decimal.Decimal
	PlatformAccount string
}

// Service manages bets and their pools.
type Service struct {
	store     store.Store
	disputes  *dispute.Directory
	ledger    *wallet.Ledger
	custodian *escrow.Custodian
	limiter   *limits.Limiter
	publisher events.Publisher
	notifier  PoolNotifier
	cfg       Config
}

// NewService wires the bet lifecycle. publisher and notifier may be nil.
func NewService(
	st store.Store,
	disputes *dispute.Directory,
	ledger *wallet.Ledger,
	custodian *escrow.Custodian,
	limiter *limits.Limiter,
	publisher events.Publisher,
	notifier PoolNotifier,
	cfg Config,
) *Service {
	if cfg.PlatformFee.IsZero() {
		cfg.PlatformFee = DefaultPlatformFee
	}
	if cfg.PlatformAccount == "" {
		cfg.PlatformAccount = wallet.DefaultPlatformAccount
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		store:     st,
		disputes:  disputes,
		ledger:    ledger,
		custodian: custodian,
		limiter:   limiter,
		publisher: publisher,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// PlaceBetRequest is a user's wager.
type PlaceBetRequest struct {
	UserID          string
	DisputeID       string
	Amount          decimal.Decimal
	PredictedWinner model.Side
	PaymentMethod   string
	EscrowProvider  string
}

// PlaceBetResult is the outcome of a placement. PoolOdds are the odds a
// next bettor on the same side would get.
type PlaceBetResult struct {
	Bet             *model.Bet
	EscrowStatus    model.EscrowStatus
	PaymentRequired bool
	PaymentURL      string
	PoolOdds        decimal.Decimal
}

// PlaceBet validates and places a wager. Wallet-funded bets come back
// ACTIVE; externally funded bets stay PENDING until the provider confirms
// payment, and a provider timeout leaves the bet PENDING for reconciliation.
func (s *Service) PlaceBet(ctx context.Context, req PlaceBetRequest) (*PlaceBetResult, error) {
	start := time.Now()
	if req.PaymentMethod == "" {
		req.PaymentMethod = model.PaymentWallet
	}

	if err := s.validate(ctx, req); err != nil {
		metrics.BetRejections.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	betID := uuid.New().String()

	// Step 1: lock odds against the pool as it stands, then add the stake.
	var locked, payout decimal.Decimal
	pool, err := s.store.UpdatePool(ctx, req.DisputeID, s.newPool(req.DisputeID), func(p *model.BettingPool) error {
		if !p.IsActive {
			return ErrPoolClosed
		}
		locked = odds.ForSide(p, req.PredictedWinner)
		var err error
		payout, err = odds.PotentialPayout(req.Amount, locked, p.PlatformFeePercentage)
		if err != nil {
			return err
		}
		p.AddStake(req.PredictedWinner, req.Amount)
		odds.Refresh(p)
		return nil
	})
	if err != nil {
		metrics.BetRejections.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	// Step 2: record the bet.
	bet := &model.Bet{
		ID:              betID,
		UserID:          req.UserID,
		DisputeID:       req.DisputeID,
		Amount:          req.Amount,
		PredictedWinner: req.PredictedWinner,
		Odds:            locked,
		PotentialPayout: payout,
		Status:          model.BetPending,
		PaymentMethod:   req.PaymentMethod,
		PlacedAt:        time.Now().UTC(),
	}
	if err := s.store.CreateBet(ctx, bet); err != nil {
		s.reversePool(ctx, bet)
		return nil, fmt.Errorf("create bet: %w", err)
	}

	// Step 3: commit the stake against the limits. Wallet stakes move into
	// the pending balance; external stakes are reserved until funded.
	if err := s.stake(ctx, bet); err != nil {
		metrics.BetRejections.WithLabelValues(rejectReason(err)).Inc()
		reason := ReasonWalletFailed
		if errors.Is(err, limits.ErrDailyLimitExceeded) || errors.Is(err, limits.ErrMonthlyLimitExceeded) {
			reason = ReasonLimitExceeded
		}
		s.abort(ctx, bet.ID, reason)
		return nil, err
	}

	// Step 4: custody.
	acct, err := s.custodian.Open(ctx, escrow.OpenRequest{
		DisputeID:     bet.DisputeID,
		BetID:         bet.ID,
		PayerUserID:   bet.UserID,
		PayeeRef:      s.cfg.PlatformAccount,
		Amount:        bet.Amount,
		PaymentMethod: bet.PaymentMethod,
		Provider:      req.EscrowProvider,
	})
	if err != nil {
		s.abort(ctx, bet.ID, ReasonEscrowFailed)
		return nil, err
	}
	bet, err = s.store.UpdateBet(ctx, bet.ID, func(b *model.Bet) error {
		b.EscrowID = acct.ID
		b.EscrowProvider = acct.Provider
		return nil
	})
	if err != nil {
		s.abort(ctx, betID, ReasonEscrowFailed)
		if _, rerr := s.custodian.Refund(ctx, acct.ID); rerr != nil {
			slog.Warn("escrow refund deferred", "bet_id", betID, "escrow_id", acct.ID, "err", rerr)
		}
		return nil, fmt.Errorf("link escrow: %w", err)
	}

	result := &PlaceBetResult{Bet: bet, EscrowStatus: acct.Status, PoolOdds: odds.ForSide(pool, req.PredictedWinner)}
	out, err := s.custodian.Fund(ctx, acct.ID, bet.PaymentMethod)
	switch {
	case errors.Is(err, escrow.ErrProviderTimeout):
		slog.Warn("escrow funding outcome unknown, bet left pending", "bet_id", bet.ID, "escrow_id", acct.ID)
	case err != nil:
		s.abort(ctx, bet.ID, ReasonFundingFailed)
		return nil, err
	case out.Escrow.Status == model.EscrowFunded:
		bet, err = s.Activate(ctx, bet.ID)
		if err != nil {
			return nil, err
		}
		result.Bet = bet
		result.EscrowStatus = model.EscrowFunded
	default:
		result.PaymentRequired = out.PaymentURL != ""
		result.PaymentURL = out.PaymentURL
		if out.PaymentURL != "" {
			if bet, err = s.store.UpdateBet(ctx, bet.ID, func(b *model.Bet) error {
				b.PaymentURL = out.PaymentURL
				return nil
			}); err != nil {
				return nil, err
			}
			result.Bet = bet
		}
	}

	metrics.BetsPlaced.WithLabelValues(string(bet.PredictedWinner), bet.PaymentMethod).Inc()
	metrics.PoolVolume.WithLabelValues(bet.DisputeID, string(bet.PredictedWinner)).Add(bet.Amount.InexactFloat64())
	metrics.BetPlacementLatency.WithLabelValues(bet.PaymentMethod).Observe(time.Since(start).Seconds())
	events.Emit(ctx, s.publisher, events.TopicBetPlaced, bet.DisputeID, events.BetPlaced{
		BetID:           bet.ID,
		UserID:          bet.UserID,
		DisputeID:       bet.DisputeID,
		Side:            string(bet.PredictedWinner),
		Amount:          bet.Amount,
		Odds:            bet.Odds,
		PotentialPayout: bet.PotentialPayout,
		Status:          string(bet.Status),
		PaymentMethod:   bet.PaymentMethod,
		Ts:              time.Now().UTC(),
	})
	s.notify(pool)

	slog.Info("bet placed",
		"bet_id", bet.ID,
		"dispute_id", bet.DisputeID,
		"user_id", bet.UserID,
		"side", bet.PredictedWinner,
		"amount", bet.Amount,
		"odds", bet.Odds,
		"status", bet.Status,
	)
	return result, nil
}

// validate runs every check that needs no mutation. The limit check here
// only turns away obvious overruns early; stake repeats it under the
// wallet lock.
func (s *Service) validate(ctx context.Context, req PlaceBetRequest) error {
	if !req.PredictedWinner.Valid() {
		return ErrInvalidSide
	}
	if err := s.limiter.CheckStake(req.Amount); err != nil {
		return err
	}
	if err := s.disputes.CheckAcceptingBets(ctx, req.DisputeID); err != nil {
		return err
	}

	w, err := s.ledger.Ensure(ctx, req.UserID)
	if err != nil {
		return err
	}
	if !w.IsActive {
		return wallet.ErrInactive
	}
	if req.PaymentMethod == model.PaymentWallet && w.Balance.LessThan(req.Amount) {
		return fmt.Errorf("%w: balance %s, stake %s", wallet.ErrInsufficientFunds, w.Balance, req.Amount)
	}

	now := time.Now().UTC()
	daily, err := s.store.SumStaked(ctx, req.UserID, now.Add(-limits.DailyWindow))
	if err != nil {
		return err
	}
	monthly, err := s.store.SumStaked(ctx, req.UserID, now.Add(-limits.MonthlyWindow))
	if err != nil {
		return err
	}
	return s.limiter.CheckLimit(req.Amount, w.DailyLimit, w.MonthlyLimit, limits.Window{Daily: daily, Monthly: monthly})
}

func (s *Service) newPool(disputeID string) func() *model.BettingPool {
	return func() *model.BettingPool {
		p := &model.BettingPool{
			DisputeID:             disputeID,
			TotalPoolAmount:       decimal.Zero,
			PartyAAmount:          decimal.Zero,
			PartyBAmount:          decimal.Zero,
			PlatformFeePercentage: s.cfg.PlatformFee,
			PlatformFeeCollected:  decimal.Zero,
			IsActive:              true,
			CreatedAt:             time.Now().UTC(),
		}
		odds.Refresh(p)
		return p
	}
}

// Activate moves a PENDING bet to ACTIVE once its stake is in custody.
// Externally funded stakes are recorded as a wallet hold first. Activating
// an ACTIVE bet only re-applies the (idempotent) hold.
func (s *Service) Activate(ctx context.Context, betID string) (*model.Bet, error) {
	bet, err := s.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	switch bet.Status {
	case model.BetActive:
		if err := s.hold(ctx, bet); err != nil {
			return nil, err
		}
		return bet, nil
	case model.BetPending:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, betID, bet.Status)
	}

	// Read under the pool lock: a cached copy may still show a pool that
	// settlement has closed.
	_, err = s.store.UpdatePool(ctx, bet.DisputeID, nil, func(p *model.BettingPool) error {
		if !p.IsActive {
			return ErrPoolClosed
		}
		return nil
	})
	if errors.Is(err, ErrPoolClosed) {
		s.abort(ctx, betID, ReasonPoolClosed)
		return nil, ErrPoolClosed
	}
	if err != nil {
		return nil, err
	}

	if err := s.hold(ctx, bet); err != nil {
		return nil, err
	}
	bet, err = s.store.UpdateBet(ctx, betID, func(b *model.Bet) error {
		if b.Status == model.BetActive {
			return nil
		}
		if b.Status != model.BetPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, b.ID, b.Status)
		}
		return model.TransitionBet(b, model.BetActive)
	})
	if err != nil {
		if errors.Is(err, ErrNotPending) {
			// Cancelled while the hold was being taken.
			s.releaseHold(ctx, bet)
		}
		return nil, err
	}
	slog.Info("bet activated", "bet_id", bet.ID, "escrow_id", bet.EscrowID)
	return bet, nil
}

// stake writes the bet's limit-checked stake row.
func (s *Service) stake(ctx context.Context, bet *model.Bet) error {
	op := wallet.Op{
		Kind:          wallet.Reserve,
		Amount:        bet.Amount,
		BetID:         bet.ID,
		PaymentMethod: bet.PaymentMethod,
		Description:   "stake reserved on dispute " + bet.DisputeID,
	}
	key := reserveKey(bet.ID)
	if bet.WalletFunded() {
		op.Kind = wallet.MoveToPending
		op.Description = "stake on dispute " + bet.DisputeID
		key = holdKey(bet.ID)
	}
	_, err := s.ledger.ApplyStake(ctx, bet.UserID, key, op, func(w *model.Wallet, staked store.StakeTotals) error {
		return s.limiter.CheckLimit(bet.Amount, w.DailyLimit, w.MonthlyLimit, limits.Window{
			Daily:   staked.Daily,
			Monthly: staked.Monthly,
		})
	})
	return err
}

// hold records an externally funded stake in the pending balance. Its
// limit was already taken by the reservation.
func (s *Service) hold(ctx context.Context, bet *model.Bet) error {
	if bet.WalletFunded() {
		return nil
	}
	_, err := s.ledger.Apply(ctx, bet.UserID, holdKey(bet.ID), wallet.Op{
		Kind:          wallet.Hold,
		Amount:        bet.Amount,
		BetID:         bet.ID,
		EscrowID:      bet.EscrowID,
		PaymentMethod: bet.PaymentMethod,
		Description:   "stake held in " + bet.EscrowProvider,
	})
	return err
}

// Abort cancels a PENDING bet that never became a wager and compensates
// every step taken so far. Aborting a cancelled bet is a no-op.
func (s *Service) Abort(ctx context.Context, betID, reason string) (*model.Bet, error) {
	return s.abort(ctx, betID, reason)
}

func (s *Service) abort(ctx context.Context, betID, reason string) (*model.Bet, error) {
	var already bool
	bet, err := s.store.UpdateBet(ctx, betID, func(b *model.Bet) error {
		if b.Status == model.BetCancelled {
			already = true
			return nil
		}
		if b.Status != model.BetPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, b.ID, b.Status)
		}
		b.CancelReason = reason
		return model.TransitionBet(b, model.BetCancelled)
	})
	if err != nil {
		slog.Error("abort bet", "bet_id", betID, "reason", reason, "err", err)
		return nil, err
	}
	if already {
		return bet, nil
	}
	s.reversePool(ctx, bet)
	s.unwind(ctx, bet, reason)
	return bet, nil
}

// CancelBet cancels the user's PENDING or ACTIVE bet while the pool is
// open, reversing the pool contribution and the wallet hold and refunding
// the escrow.
func (s *Service) CancelBet(ctx context.Context, userID, betID string) (*model.Bet, error) {
	bet, err := s.GetBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.UserID != userID {
		return nil, ErrNotOwner
	}
	if bet.Status != model.BetPending && bet.Status != model.BetActive {
		return nil, fmt.Errorf("%w: bet is %s", ErrNotCancellable, bet.Status)
	}

	// The pool step fails once settlement has closed the pool.
	pool, err := s.store.UpdatePool(ctx, bet.DisputeID, nil, func(p *model.BettingPool) error {
		if !p.IsActive {
			return ErrPoolClosed
		}
		p.AddStake(bet.PredictedWinner, bet.Amount.Neg())
		odds.Refresh(p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	cancelled, err := s.store.UpdateBet(ctx, betID, func(b *model.Bet) error {
		if b.Status != model.BetPending && b.Status != model.BetActive {
			return fmt.Errorf("%w: bet is %s", ErrNotCancellable, b.Status)
		}
		b.CancelReason = ReasonUserCancelled
		return model.TransitionBet(b, model.BetCancelled)
	})
	if err != nil {
		// Lost a race with settlement or another cancel: put the stake back.
		if _, perr := s.store.UpdatePool(ctx, pool.DisputeID, nil, func(p *model.BettingPool) error {
			p.AddStake(bet.PredictedWinner, bet.Amount)
			odds.Refresh(p)
			return nil
		}); perr != nil {
			slog.Error("restore pool after failed cancel", "bet_id", betID, "err", perr)
		}
		return nil, err
	}

	s.unwind(ctx, cancelled, ReasonUserCancelled)
	s.notify(pool)
	slog.Info("bet cancelled", "bet_id", cancelled.ID, "user_id", userID, "amount", cancelled.Amount)
	return cancelled, nil
}

// Refund voids a bet on a cancelled dispute: ACTIVE bets become REFUNDED,
// PENDING bets are aborted. The pool contribution is reversed either way.
func (s *Service) Refund(ctx context.Context, betID, reason string) (*model.Bet, error) {
	var pending, already bool
	bet, err := s.store.UpdateBet(ctx, betID, func(b *model.Bet) error {
		switch b.Status {
		case model.BetRefunded, model.BetCancelled:
			already = true
			return nil
		case model.BetPending:
			pending = true
			return nil
		}
		b.CancelReason = reason
		return model.TransitionBet(b, model.BetRefunded)
	})
	if err != nil {
		return nil, err
	}
	if already {
		return bet, nil
	}
	if pending {
		return s.abort(ctx, betID, reason)
	}
	s.reversePool(ctx, bet)
	s.unwind(ctx, bet, reason)
	return bet, nil
}

// unwind returns a cancelled bet's money: the wallet hold is released (and
// credited back for wallet stakes) and the escrow is refunded.
func (s *Service) unwind(ctx context.Context, bet *model.Bet, reason string) {
	s.releaseHold(ctx, bet)

	if bet.EscrowID != "" {
		if _, err := s.custodian.Refund(ctx, bet.EscrowID); err != nil {
			// Left FUNDED or PENDING; the reconciliation sweep retries.
			slog.Warn("escrow refund deferred", "bet_id", bet.ID, "escrow_id", bet.EscrowID, "err", err)
		}
	}

	metrics.BetsCancelled.WithLabelValues(reason).Inc()
	events.Emit(ctx, s.publisher, events.TopicBetCancelled, bet.DisputeID, events.BetCancelled{
		BetID:     bet.ID,
		UserID:    bet.UserID,
		DisputeID: bet.DisputeID,
		Amount:    bet.Amount,
		Status:    string(bet.Status),
		Reason:    reason,
		Ts:        time.Now().UTC(),
	})
}

// releaseHold reverses the stake hold if one was taken. The refund key
// makes concurrent or repeated calls apply it once.
func (s *Service) releaseHold(ctx context.Context, bet *model.Bet) {
	held, err := s.store.HasTransaction(ctx, holdKey(bet.ID))
	if err != nil {
		slog.Error("check stake hold", "bet_id", bet.ID, "err", err)
		return
	}
	if !held {
		return
	}
	ops := []wallet.Op{{
		Kind:   wallet.ReleaseFromPending,
		Amount: bet.Amount,
		Type:   model.TxRefund,
		BetID:  bet.ID,
	}}
	if bet.WalletFunded() {
		ops = append(ops, wallet.Op{
			Kind:        wallet.Credit,
			Amount:      bet.Amount,
			Type:        model.TxRefund,
			BetID:       bet.ID,
			Description: "stake returned",
		})
	}
	if _, err := s.ledger.Apply(ctx, bet.UserID, refundKey(bet.ID), ops...); err != nil {
		slog.Error("release stake hold", "bet_id", bet.ID, "user_id", bet.UserID, "err", err)
	}
}

// reversePool removes a bet's stake from its pool, open or closed.
func (s *Service) reversePool(ctx context.Context, bet *model.Bet) {
	pool, err := s.store.UpdatePool(ctx, bet.DisputeID, nil, func(p *model.BettingPool) error {
		p.AddStake(bet.PredictedWinner, bet.Amount.Neg())
		odds.Refresh(p)
		return nil
	})
	if err != nil {
		slog.Error("reverse pool contribution", "bet_id", bet.ID, "dispute_id", bet.DisputeID, "err", err)
		return
	}
	s.notify(pool)
}

// GetBet returns a bet.
func (s *Service) GetBet(ctx context.Context, betID string) (*model.Bet, error) {
	b, err := s.store.GetBet(ctx, betID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBetNotFound, betID)
	}
	return b, err
}

// ListBets returns a user's bets, newest first, optionally filtered by status.
func (s *Service) ListBets(ctx context.Context, userID string, status model.BetStatus) ([]model.Bet, error) {
	return s.store.ListBetsByUser(ctx, userID, status)
}

// GetPool returns the dispute's pool, or an open zero-state pool if no bet
// has been placed yet.
func (s *Service) GetPool(ctx context.Context, disputeID string) (*model.BettingPool, error) {
	p, err := s.store.GetPool(ctx, disputeID)
	if errors.Is(err, store.ErrNotFound) {
		return s.newPool(disputeID)(), nil
	}
	return p, err
}

func (s *Service) notify(pool *model.BettingPool) {
	if s.notifier != nil && pool != nil {
		s.notifier.PoolUpdated(pool)
	}
}

func holdKey(betID string) string    { return "hold:" + betID }
func reserveKey(betID string) string { return "reserve:" + betID }
func refundKey(betID string) string  { return "refund:" + betID }

// rejectReason labels a rejection for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSide), errors.Is(err, limits.ErrInvalidAmount):
		return "validation"
	case errors.Is(err, limits.ErrBetCapExceeded):
		return "bet_cap"
	case errors.Is(err, limits.ErrDailyLimitExceeded), errors.Is(err, limits.ErrMonthlyLimitExceeded):
		return "limit"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, wallet.ErrInactive):
		return "inactive_wallet"
	case errors.Is(err, dispute.ErrNotFound), errors.Is(err, dispute.ErrNotAcceptingBets), errors.Is(err, ErrPoolClosed):
		return "dispute_closed"
	default:
		return "internal"
	}
}
