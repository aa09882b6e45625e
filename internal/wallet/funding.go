package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/escrow"
	"github.com/clashout/settlement-engine/internal/model"
)

var (
	// ErrNoGateway is returned when deposits or withdrawals are not configured.
	ErrNoGateway = errors.New("wallet: no payment gateway configured")

	// ErrInvalidPaymentMethod is returned when a deposit or withdrawal
	// names the wallet itself as the payment method.
	ErrInvalidPaymentMethod = errors.New("wallet: invalid payment method")

	// ErrNotDeposit is returned when a provider reference belongs to a
	// ledger row that is not a deposit.
	ErrNotDeposit = errors.New("wallet: transaction is not a deposit")
)

// errAlreadyFinal aborts a deposit completion that has already happened.
var errAlreadyFinal = errors.New("wallet: deposit already final")

// Gateway reaches the external providers that move money in and out of
// the platform. *escrow.Custodian satisfies it.
type Gateway interface {
	ProviderFor(method, requested string) (escrow.Provider, error)
	Call(ctx context.Context, provider, op string, fn func(ctx context.Context) error) error
}

// DepositRequest asks for money to be paid into a wallet.
type DepositRequest struct {
	UserID        string
	Amount        decimal.Decimal
	PaymentMethod string
	Provider      string
}

// DepositResult describes a started deposit. A pending deposit completes
// when the provider confirms payment.
type DepositResult struct {
	Transaction *model.Transaction
	Wallet      *model.Wallet
	PaymentURL  string
}

// Deposit starts a provider payment into the user's wallet. The balance is
// credited once the provider reports the payment funded, either
// immediately or later through CompleteDeposit.
func (l *Ledger) Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if l.gateway == nil {
		return nil, ErrNoGateway
	}
	if req.PaymentMethod == "" || req.PaymentMethod == escrow.MethodWallet {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, req.PaymentMethod)
	}
	w, err := l.Ensure(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !w.IsActive {
		return nil, ErrInactive
	}
	p, err := l.gateway.ProviderFor(req.PaymentMethod, req.Provider)
	if err != nil {
		return nil, err
	}

	var txID string
	err = l.gateway.Call(ctx, p.Name(), "deposit_create", func(ctx context.Context) error {
		var err error
		txID, err = p.CreateTransaction(ctx, req.Amount, req.UserID, l.cfg.PlatformAccount,
			map[string]string{"purpose": "deposit", "user_id": req.UserID})
		return err
	})
	if err != nil {
		return nil, err
	}

	pending := &model.Transaction{
		UserID:         req.UserID,
		Type:           model.TxDeposit,
		Amount:         req.Amount,
		PendingDelta:   decimal.Zero,
		ExternalID:     txID,
		PaymentMethod:  req.PaymentMethod,
		Status:         model.TxStatusPending,
		IdempotencyKey: "deposit:" + txID,
		Description:    "deposit via " + p.Name(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := l.store.AppendTransaction(ctx, pending); err != nil {
		return nil, fmt.Errorf("record deposit: %w", err)
	}

	var res *escrow.FundingResult
	err = l.gateway.Call(ctx, p.Name(), "deposit_fund", func(ctx context.Context) error {
		var err error
		res, err = p.FundTransaction(ctx, txID, req.PaymentMethod)
		return err
	})
	switch {
	case errors.Is(err, escrow.ErrProviderTimeout):
		// Outcome unknown; the webhook or the sweep settles the row.
		slog.Warn("deposit funding timed out", "user_id", req.UserID, "provider_tx_id", txID)
		return &DepositResult{Transaction: pending, Wallet: w}, nil
	case err != nil:
		if _, ferr := l.CompleteDeposit(ctx, txID, false); ferr != nil {
			slog.Error("mark deposit failed", "provider_tx_id", txID, "err", ferr)
		}
		return nil, err
	}

	out := &DepositResult{Transaction: pending, Wallet: w, PaymentURL: res.PaymentURL}
	switch res.Status {
	case escrow.RemoteFunded:
		w, err = l.CompleteDeposit(ctx, txID, true)
		if err != nil {
			return nil, err
		}
		out.Wallet = w
		out.Transaction.Status = model.TxStatusCompleted
	case escrow.RemoteFailed, escrow.RemoteRefunded:
		if _, err := l.CompleteDeposit(ctx, txID, false); err != nil {
			return nil, err
		}
		return nil, escrow.ErrFundingFailed
	}
	return out, nil
}

// CompleteDeposit finalises the pending deposit with the given provider
// reference, crediting the wallet when funded is true. Completing an
// already final deposit returns the current wallet.
func (l *Ledger) CompleteDeposit(ctx context.Context, providerTxID string, funded bool) (*model.Wallet, error) {
	tx, err := l.store.GetTransactionByExternalID(ctx, providerTxID)
	if err != nil {
		return nil, err
	}
	if tx.Type != model.TxDeposit {
		return nil, fmt.Errorf("%w: %s", ErrNotDeposit, tx.ID)
	}

	w, err := l.store.CompletePendingTransaction(ctx, tx.ID, func(w *model.Wallet, t *model.Transaction) error {
		if t.Status != model.TxStatusPending {
			return errAlreadyFinal
		}
		if !funded {
			t.Status = model.TxStatusFailed
			return nil
		}
		t.Status = model.TxStatusCompleted
		w.Balance = w.Balance.Add(t.Amount)
		w.TotalDeposited = w.TotalDeposited.Add(t.Amount)
		w.LastActivity = time.Now().UTC()
		return nil
	})
	if errors.Is(err, errAlreadyFinal) {
		return l.store.GetWallet(ctx, tx.UserID)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("deposit completed", "user_id", tx.UserID, "provider_tx_id", providerTxID, "funded", funded)
	return w, nil
}

// WithdrawRequest asks for money to be paid out of a wallet.
type WithdrawRequest struct {
	UserID        string
	Amount        decimal.Decimal
	PaymentMethod string
	Provider      string
}

// WithdrawResult describes a completed withdrawal.
type WithdrawResult struct {
	WithdrawalID string
	ProviderTxID string
	Wallet       *model.Wallet
}

// Withdraw debits a verified wallet and pays the amount out through the
// provider. A definite provider failure is compensated with a credit; a
// timeout leaves the debit in place for manual reconciliation.
func (l *Ledger) Withdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResult, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if l.gateway == nil {
		return nil, ErrNoGateway
	}
	if req.PaymentMethod == "" || req.PaymentMethod == escrow.MethodWallet {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, req.PaymentMethod)
	}
	w, err := l.store.GetWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !w.IsVerified {
		return nil, ErrUnverified
	}
	p, err := l.gateway.ProviderFor(req.PaymentMethod, req.Provider)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	if _, err := l.Apply(ctx, req.UserID, "withdraw:"+id, Op{
		Kind:          Debit,
		Amount:        req.Amount,
		Type:          model.TxWithdrawal,
		ExternalID:    id,
		PaymentMethod: req.PaymentMethod,
		Description:   "withdrawal via " + p.Name(),
	}); err != nil {
		return nil, err
	}

	var txID string
	err = l.gateway.Call(ctx, p.Name(), "withdraw", func(ctx context.Context) error {
		var err error
		txID, err = p.CreateTransaction(ctx, req.Amount, l.cfg.PlatformAccount, req.UserID,
			map[string]string{"purpose": "withdrawal", "withdrawal_id": id})
		if err != nil {
			return err
		}
		_, err = p.ReleaseFunds(ctx, txID, req.UserID)
		return err
	})
	if errors.Is(err, escrow.ErrProviderTimeout) {
		slog.Error("withdrawal outcome unknown, needs reconciliation",
			"user_id", req.UserID, "withdrawal_id", id, "provider", p.Name())
		return nil, err
	}
	if err != nil {
		if _, cerr := l.Apply(ctx, req.UserID, "withdraw-reversal:"+id, Op{
			Kind:          Credit,
			Amount:        req.Amount,
			Type:          model.TxRefund,
			ExternalID:    id,
			PaymentMethod: req.PaymentMethod,
			Description:   "withdrawal reversed",
		}); cerr != nil {
			slog.Error("withdrawal compensation failed", "user_id", req.UserID, "withdrawal_id", id, "err", cerr)
		}
		return nil, err
	}

	w, err = l.store.GetWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return &WithdrawResult{WithdrawalID: id, ProviderTxID: txID, Wallet: w}, nil
}
