// Package wallet is the only writer of wallet balances. Every balance change
// is one atomic store update that also appends the ledger rows describing
// it, so a wallet can always be recomputed from its transaction log.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/limits"
	"github.com/clashout/settlement-engine/internal/metrics"
	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a debit would overdraw the balance.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")

	// ErrPendingUnderflow means a release would take more out of the
	// pending balance than was held. It indicates a ledger bug.
	ErrPendingUnderflow = errors.New("wallet: pending balance underflow")

	// ErrInvalidAmount is returned for non-positive operation amounts.
	ErrInvalidAmount = errors.New("wallet: amount must be positive")

	// ErrInactive is returned when money is taken from a deactivated wallet.
	ErrInactive = errors.New("wallet: wallet is inactive")

	// ErrUnverified is returned for withdrawals from unverified wallets.
	ErrUnverified = errors.New("wallet: wallet is not verified")

	// ErrInvalidLevel is returned for verification levels outside 0..2.
	ErrInvalidLevel = errors.New("wallet: verification level must be 0, 1 or 2")
)

// OpKind selects how an operation moves money.
type OpKind string

const (
	// Debit takes money out of the balance.
	Debit OpKind = "debit"
	// Credit adds money to the balance.
	Credit OpKind = "credit"
	// MoveToPending moves money from the balance into the pending balance.
	MoveToPending OpKind = "move_to_pending"
	// ReleaseFromPending drops money from the pending balance.
	ReleaseFromPending OpKind = "release_from_pending"
	// Hold adds to the pending balance a stake funded outside the wallet.
	Hold OpKind = "hold"
	// Reserve counts an externally funded stake toward the betting limits
	// before the provider confirms it. No balance moves.
	Reserve OpKind = "reserve"
)

// StakeGuard vets a stake against the wallet and the stake the user has
// already committed. It runs under the wallet lock.
type StakeGuard func(w *model.Wallet, staked store.StakeTotals) error

// Op is one balance movement and the ledger row that records it.
type Op struct {
	Kind          OpKind
	Amount        decimal.Decimal
	Type          model.TxType // defaults per kind when empty
	BetID         string
	PayoutID      string
	EscrowID      string
	ExternalID    string
	PaymentMethod string
	Description   string
}

// Config holds the ledger's defaults.
type Config struct {
	// DailyLimit and MonthlyLimit are given to newly created wallets.
	DailyLimit   decimal.Decimal
	MonthlyLimit decimal.Decimal

	// PlatformAccount is the counterparty reference used with providers
	// for deposits and withdrawals.
	PlatformAccount string
}

// Default limits and platform account used when the config sets none.
var (
	DefaultDailyLimit      = decimal.NewFromInt(1000)
	DefaultMonthlyLimit    = decimal.NewFromInt(10000)
	DefaultPlatformAccount = "platform"
)

// Ledger applies balance operations to wallets.
type Ledger struct {
	store   store.Store
	cfg     Config
	gateway Gateway
}

// NewLedger creates a wallet ledger. gw may be nil when deposits and
// withdrawals are not offered.
func NewLedger(st store.Store, cfg Config, gw Gateway) *Ledger {
	if !cfg.DailyLimit.IsPositive() {
		cfg.DailyLimit = DefaultDailyLimit
	}
	if !cfg.MonthlyLimit.IsPositive() {
		cfg.MonthlyLimit = DefaultMonthlyLimit
	}
	if cfg.PlatformAccount == "" {
		cfg.PlatformAccount = DefaultPlatformAccount
	}
	return &Ledger{store: st, cfg: cfg, gateway: gw}
}

// Ensure returns the user's wallet, creating an empty one on first touch.
func (l *Ledger) Ensure(ctx context.Context, userID string) (*model.Wallet, error) {
	now := time.Now().UTC()
	return l.store.EnsureWallet(ctx, &model.Wallet{
		UserID:         userID,
		Balance:        decimal.Zero,
		PendingBalance: decimal.Zero,
		TotalDeposited: decimal.Zero,
		TotalWithdrawn: decimal.Zero,
		TotalBet:       decimal.Zero,
		TotalWon:       decimal.Zero,
		IsActive:       true,
		DailyLimit:     l.cfg.DailyLimit,
		MonthlyLimit:   l.cfg.MonthlyLimit,
		CreatedAt:      now,
		LastActivity:   now,
	})
}

// Get returns the user's wallet.
func (l *Ledger) Get(ctx context.Context, userID string) (*model.Wallet, error) {
	return l.store.GetWallet(ctx, userID)
}

// Transactions returns the user's ledger rows, oldest first.
func (l *Ledger) Transactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return l.store.ListTransactions(ctx, userID)
}

// Apply runs ops against the user's wallet in one atomic update. key makes
// the call idempotent: the first op's row carries key and later rows
// key#2, key#3 and so on. Replaying a key is a no-op that returns the
// current wallet. On any error nothing is written.
func (l *Ledger) Apply(ctx context.Context, userID, key string, ops ...Op) (*model.Wallet, error) {
	return l.run(ctx, userID, key, ops, func(fn store.WalletMutation) (*model.Wallet, error) {
		return l.store.UpdateWallet(ctx, userID, fn)
	})
}

// ApplyStake is Apply for a stake that counts toward the rolling betting
// limits (MoveToPending or Reserve). guard sees the daily and monthly
// totals read under the same lock that writes the stake, so concurrent
// stakes cannot all pass against the same total.
func (l *Ledger) ApplyStake(ctx context.Context, userID, key string, op Op, guard StakeGuard) (*model.Wallet, error) {
	if op.Kind != MoveToPending && op.Kind != Reserve {
		return nil, fmt.Errorf("wallet: %s does not stake", op.Kind)
	}
	now := time.Now().UTC()
	windows := store.StakeWindows{Daily: now.Add(-limits.DailyWindow), Monthly: now.Add(-limits.MonthlyWindow)}
	return l.run(ctx, userID, key, []Op{op}, func(fn store.WalletMutation) (*model.Wallet, error) {
		return l.store.UpdateWalletStaked(ctx, userID, windows, func(w *model.Wallet, staked store.StakeTotals) ([]model.Transaction, error) {
			if err := guard(w, staked); err != nil {
				return nil, err
			}
			return fn(w)
		})
	})
}

// run validates ops, skips an applied key and hands update the mutation
// that applies them.
func (l *Ledger) run(ctx context.Context, userID, key string, ops []Op, update func(fn store.WalletMutation) (*model.Wallet, error)) (*model.Wallet, error) {
	for _, op := range ops {
		if !op.Amount.IsPositive() {
			return nil, fmt.Errorf("%s %s: %w", op.Kind, op.Amount, ErrInvalidAmount)
		}
	}

	if done, err := l.applied(ctx, key); err != nil {
		return nil, err
	} else if done {
		return l.store.GetWallet(ctx, userID)
	}

	w, err := update(func(w *model.Wallet) ([]model.Transaction, error) {
		now := time.Now().UTC()
		txs := make([]model.Transaction, 0, len(ops))
		for i, op := range ops {
			tx, err := apply(w, op)
			if err != nil {
				return nil, err
			}
			tx.UserID = userID
			tx.IdempotencyKey = opKey(key, i)
			tx.Status = model.TxStatusCompleted
			tx.CreatedAt = now
			txs = append(txs, tx)
		}
		w.LastActivity = now
		return txs, nil
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		// A concurrent call with the same key may have won; its effects
		// can make ours fail the balance checks.
		if done, _ := l.applied(ctx, key); done {
			err = store.ErrDuplicate
		}
	}
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return l.store.GetWallet(ctx, userID)
	case errors.Is(err, ErrPendingUnderflow):
		metrics.InvariantViolations.WithLabelValues("pending_underflow").Inc()
		slog.Error("wallet operation aborted", "user_id", userID, "key", key, "err", err)
		return nil, err
	case err != nil:
		return nil, err
	}
	return w, nil
}

func (l *Ledger) applied(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	return l.store.HasTransaction(ctx, key)
}

func opKey(key string, i int) string {
	if key == "" {
		return ""
	}
	if i == 0 {
		return key
	}
	return key + "#" + strconv.Itoa(i+1)
}

// apply mutates w for one op and returns the row describing the change.
func apply(w *model.Wallet, op Op) (model.Transaction, error) {
	tx := model.Transaction{
		Type:          op.Type,
		Amount:        decimal.Zero,
		PendingDelta:  decimal.Zero,
		Stake:         decimal.Zero,
		BetID:         op.BetID,
		PayoutID:      op.PayoutID,
		EscrowID:      op.EscrowID,
		ExternalID:    op.ExternalID,
		PaymentMethod: op.PaymentMethod,
		Description:   op.Description,
	}
	n := op.Amount

	switch op.Kind {
	case Debit:
		if !w.IsActive {
			return tx, ErrInactive
		}
		if w.Balance.LessThan(n) {
			return tx, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, w.Balance, n)
		}
		w.Balance = w.Balance.Sub(n)
		tx.Amount = n.Neg()
		if tx.Type == "" {
			tx.Type = model.TxWithdrawal
		}
		if tx.Type == model.TxWithdrawal {
			w.TotalWithdrawn = w.TotalWithdrawn.Add(n)
		}

	case Credit:
		w.Balance = w.Balance.Add(n)
		tx.Amount = n
		if tx.Type == "" {
			tx.Type = model.TxDeposit
		}
		switch tx.Type {
		case model.TxDeposit:
			w.TotalDeposited = w.TotalDeposited.Add(n)
		case model.TxPayout:
			w.TotalWon = w.TotalWon.Add(n)
		}

	case MoveToPending:
		if !w.IsActive {
			return tx, ErrInactive
		}
		if w.Balance.LessThan(n) {
			return tx, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, w.Balance, n)
		}
		w.Balance = w.Balance.Sub(n)
		w.PendingBalance = w.PendingBalance.Add(n)
		w.TotalBet = w.TotalBet.Add(n)
		tx.Amount = n.Neg()
		tx.PendingDelta = n
		tx.Stake = n
		tx.Type = model.TxBet

	case Hold:
		// The money is already in custody, so an inactive wallet still
		// records the hold.
		w.PendingBalance = w.PendingBalance.Add(n)
		w.TotalBet = w.TotalBet.Add(n)
		tx.PendingDelta = n
		tx.Type = model.TxBet

	case Reserve:
		if !w.IsActive {
			return tx, ErrInactive
		}
		tx.Stake = n
		tx.Type = model.TxReserve

	case ReleaseFromPending:
		if w.PendingBalance.LessThan(n) {
			return tx, fmt.Errorf("%w: pending %s, release %s", ErrPendingUnderflow, w.PendingBalance, n)
		}
		w.PendingBalance = w.PendingBalance.Sub(n)
		tx.PendingDelta = n.Neg()
		if tx.Type == "" {
			tx.Type = model.TxRelease
		}

	default:
		return tx, fmt.Errorf("wallet: unknown op kind %q", op.Kind)
	}
	return tx, nil
}

// SetVerification records the user's KYC level; level 1 and above count
// as verified.
func (l *Ledger) SetVerification(ctx context.Context, userID string, level int) (*model.Wallet, error) {
	if level < 0 || level > 2 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	return l.store.UpdateWallet(ctx, userID, func(w *model.Wallet) ([]model.Transaction, error) {
		w.VerificationLevel = level
		w.IsVerified = level >= 1
		return nil, nil
	})
}

// ReconcileReport compares a wallet with the totals recomputed from its log.
type ReconcileReport struct {
	UserID         string          `json:"user_id"`
	Balance        decimal.Decimal `json:"balance"`
	PendingBalance decimal.Decimal `json:"pending_balance"`
	LedgerBalance  decimal.Decimal `json:"ledger_balance"`
	LedgerPending  decimal.Decimal `json:"ledger_pending"`
	Transactions   int             `json:"transactions"`
	Consistent     bool            `json:"consistent"`
}

// Reconcile recomputes the user's balances from completed ledger rows.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*ReconcileReport, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	txs, err := l.store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}

	r := &ReconcileReport{
		UserID:         userID,
		Balance:        w.Balance,
		PendingBalance: w.PendingBalance,
		LedgerBalance:  decimal.Zero,
		LedgerPending:  decimal.Zero,
	}
	for _, tx := range txs {
		if tx.Status != model.TxStatusCompleted {
			continue
		}
		r.Transactions++
		r.LedgerBalance = r.LedgerBalance.Add(tx.Amount)
		r.LedgerPending = r.LedgerPending.Add(tx.PendingDelta)
	}
	r.Consistent = r.LedgerBalance.Equal(w.Balance) && r.LedgerPending.Equal(w.PendingBalance)
	if !r.Consistent {
		metrics.InvariantViolations.WithLabelValues("wallet_drift").Inc()
		slog.Error("wallet drifted from ledger",
			"user_id", userID,
			"balance", w.Balance, "ledger_balance", r.LedgerBalance,
			"pending", w.PendingBalance, "ledger_pending", r.LedgerPending)
	}
	return r, nil
}
