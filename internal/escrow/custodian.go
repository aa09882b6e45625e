package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/metrics"
	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/store"
)

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 10 * time.Second

// Custodian drives escrow records through their state machine and delegates
// fund movement to the record's provider. No store update is ever held open
// across a provider call: the record is read, the provider is called, and
// the result is applied with a fresh atomic update.
type Custodian struct {
	store    store.Store
	registry *Registry
	timeout  time.Duration
}

// NewCustodian creates a custodian. A zero timeout uses DefaultTimeout.
func NewCustodian(st store.Store, reg *Registry, timeout time.Duration) *Custodian {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Custodian{store: st, registry: reg, timeout: timeout}
}

// Registry returns the provider registry the custodian resolves against.
func (c *Custodian) Registry() *Registry {
	return c.registry
}

// ProviderFor resolves the provider for a payment method.
func (c *Custodian) ProviderFor(method, requested string) (Provider, error) {
	return c.registry.ForPaymentMethod(method, requested)
}

// OpenRequest describes the custody record to create for a bet.
type OpenRequest struct {
	DisputeID     string
	BetID         string
	PayerUserID   string
	PayeeRef      string
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod string
	Provider      string // requested provider, may be empty
}

// FundOutcome is the result of a funding attempt. A PENDING escrow with a
// PaymentURL is waiting for the payer.
type FundOutcome struct {
	Escrow     *model.EscrowAccount
	PaymentURL string
}

// Open records a PENDING escrow and creates the provider transaction. If the
// provider call fails the record is voided and the error returned.
func (c *Custodian) Open(ctx context.Context, req OpenRequest) (*model.EscrowAccount, error) {
	p, err := c.registry.ForPaymentMethod(req.PaymentMethod, req.Provider)
	if err != nil {
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	acct := &model.EscrowAccount{
		ID:           uuid.New().String(),
		DisputeID:    req.DisputeID,
		BetID:        req.BetID,
		Provider:     p.Name(),
		TotalAmount:  req.Amount,
		FundedAmount: decimal.Zero,
		Currency:     currency,
		Status:       model.EscrowPending,
		PayerUserID:  req.PayerUserID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.store.CreateEscrow(ctx, acct); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	metadata := map[string]string{
		"dispute_id":  req.DisputeID,
		"bet_id":      req.BetID,
		"escrow_id":   acct.ID,
		MetaReference: acct.ID,
	}
	var txID string
	err = c.Call(ctx, p.Name(), "create", func(ctx context.Context) error {
		var err error
		txID, err = p.CreateTransaction(ctx, req.Amount, req.PayerUserID, req.PayeeRef, metadata)
		return err
	})
	if err != nil {
		// Nothing can have been funded yet; void so the record never looks open.
		// After a timeout the provider may still hold a transaction tagged
		// with the reference.
		if errors.Is(err, ErrProviderTimeout) {
			slog.Warn("escrow create outcome unknown, voiding", "escrow_id", acct.ID, "provider", p.Name(), "reference", acct.ID)
		}
		if _, verr := c.void(ctx, acct.ID); verr != nil {
			slog.Error("void escrow after failed create", "escrow_id", acct.ID, "err", verr)
		}
		return nil, err
	}

	return c.store.UpdateEscrow(ctx, acct.ID, func(e *model.EscrowAccount) error {
		e.ProviderTxID = txID
		return nil
	})
}

// Fund asks the provider to collect the stake. Immediate funding marks the
// escrow FUNDED; otherwise it stays PENDING and the outcome carries the
// payer's PaymentURL. ErrProviderTimeout leaves the escrow PENDING for
// reconciliation.
func (c *Custodian) Fund(ctx context.Context, escrowID, paymentMethod string) (*FundOutcome, error) {
	acct, err := c.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if acct.Status != model.EscrowPending {
		return &FundOutcome{Escrow: acct}, nil
	}
	p, err := c.registry.Get(acct.Provider)
	if err != nil {
		return nil, err
	}

	var res *FundingResult
	err = c.Call(ctx, p.Name(), "fund", func(ctx context.Context) error {
		var err error
		res, err = p.FundTransaction(ctx, acct.ProviderTxID, paymentMethod)
		return err
	})
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case RemoteFunded:
		acct, err = c.MarkFunded(ctx, escrowID, acct.TotalAmount)
		if err != nil {
			return nil, err
		}
	case RemoteFailed, RemoteRefunded:
		return nil, fmt.Errorf("escrow %s: %w", escrowID, ErrFundingFailed)
	}
	return &FundOutcome{Escrow: acct, PaymentURL: res.PaymentURL}, nil
}

// MarkFunded moves a PENDING escrow to FUNDED. Any other status is left as
// is so redelivered confirmations are no-ops.
func (c *Custodian) MarkFunded(ctx context.Context, escrowID string, amount decimal.Decimal) (*model.EscrowAccount, error) {
	return c.store.UpdateEscrow(ctx, escrowID, func(e *model.EscrowAccount) error {
		if e.Status != model.EscrowPending {
			return nil
		}
		if err := model.TransitionEscrow(e, model.EscrowFunded); err != nil {
			return err
		}
		if !amount.IsPositive() {
			amount = e.TotalAmount
		}
		now := time.Now().UTC()
		e.FundedAmount = amount
		e.FundedAt = &now
		return nil
	})
}

// Release pays the escrowed funds out to recipientUserID. Releasing an
// already RELEASED escrow returns the stored record.
func (c *Custodian) Release(ctx context.Context, escrowID, recipientUserID string) (*model.EscrowAccount, error) {
	acct, err := c.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if acct.Status == model.EscrowReleased {
		return acct, nil
	}
	next := *acct
	if err := model.TransitionEscrow(&next, model.EscrowReleased); err != nil {
		return nil, err
	}
	p, err := c.registry.Get(acct.Provider)
	if err != nil {
		return nil, err
	}

	err = c.Call(ctx, p.Name(), "release", func(ctx context.Context) error {
		_, err := p.ReleaseFunds(ctx, acct.ProviderTxID, recipientUserID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return c.store.UpdateEscrow(ctx, escrowID, func(e *model.EscrowAccount) error {
		if e.Status == model.EscrowReleased {
			return nil
		}
		if err := model.TransitionEscrow(e, model.EscrowReleased); err != nil {
			return err
		}
		now := time.Now().UTC()
		e.RecipientUserID = recipientUserID
		e.ReleasedAt = &now
		return nil
	})
}

// Refund returns the funds to the payer, or voids an unfunded escrow.
// Refunding a REFUNDED escrow returns the stored record.
func (c *Custodian) Refund(ctx context.Context, escrowID string) (*model.EscrowAccount, error) {
	acct, err := c.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if acct.Status == model.EscrowRefunded {
		return acct, nil
	}
	next := *acct
	if err := model.TransitionEscrow(&next, model.EscrowRefunded); err != nil {
		return nil, err
	}

	if acct.ProviderTxID != "" {
		p, err := c.registry.Get(acct.Provider)
		if err != nil {
			return nil, err
		}
		err = c.Call(ctx, p.Name(), "refund", func(ctx context.Context) error {
			_, err := p.RefundTransaction(ctx, acct.ProviderTxID)
			return err
		})
		if err != nil {
			if acct.Status == model.EscrowFunded {
				return nil, err
			}
			// Unfunded: there is nothing to return. A late payment is caught
			// by ApplyProviderStatus.
			slog.Warn("provider refund of unfunded escrow failed", "escrow_id", escrowID, "err", err)
		}
	}

	return c.void(ctx, escrowID)
}

// MarkDisputed freezes a FUNDED escrow.
func (c *Custodian) MarkDisputed(ctx context.Context, escrowID string) (*model.EscrowAccount, error) {
	return c.store.UpdateEscrow(ctx, escrowID, func(e *model.EscrowAccount) error {
		if e.Status == model.EscrowDisputed {
			return nil
		}
		return model.TransitionEscrow(e, model.EscrowDisputed)
	})
}

// Get returns an escrow record.
func (c *Custodian) Get(ctx context.Context, escrowID string) (*model.EscrowAccount, error) {
	return c.store.GetEscrow(ctx, escrowID)
}

// Reconcile asks the provider for the transaction's status and applies it.
func (c *Custodian) Reconcile(ctx context.Context, escrowID string) (*model.EscrowAccount, error) {
	acct, err := c.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if acct.ProviderTxID == "" {
		return acct, nil
	}
	p, err := c.registry.Get(acct.Provider)
	if err != nil {
		return nil, err
	}

	var st *ProviderStatus
	err = c.Call(ctx, p.Name(), "status", func(ctx context.Context) error {
		var err error
		st, err = p.GetTransactionStatus(ctx, acct.ProviderTxID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.apply(ctx, acct, st.Status, st.Amount)
}

// ApplyProviderStatus maps a provider notification onto the escrow state
// machine. Redelivered or stale notifications leave the record unchanged.
func (c *Custodian) ApplyProviderStatus(ctx context.Context, provider, providerTxID string, status RemoteStatus, amount decimal.Decimal) (*model.EscrowAccount, error) {
	acct, err := c.store.GetEscrowByProviderTx(ctx, provider, providerTxID)
	if err != nil {
		return nil, err
	}
	return c.apply(ctx, acct, status, amount)
}

func (c *Custodian) apply(ctx context.Context, acct *model.EscrowAccount, status RemoteStatus, amount decimal.Decimal) (*model.EscrowAccount, error) {
	var target model.EscrowStatus
	switch status {
	case RemotePending:
		return acct, nil
	case RemoteFunded:
		if acct.Status == model.EscrowRefunded && acct.FundedAt == nil {
			c.returnLatePayment(ctx, acct)
			return acct, nil
		}
		return c.MarkFunded(ctx, acct.ID, amount)
	case RemoteReleased:
		target = model.EscrowReleased
	case RemoteRefunded, RemoteFailed:
		target = model.EscrowRefunded
	case RemoteDisputed:
		target = model.EscrowDisputed
	default:
		return nil, fmt.Errorf("escrow %s: unknown provider status %q", acct.ID, status)
	}

	return c.store.UpdateEscrow(ctx, acct.ID, func(e *model.EscrowAccount) error {
		if e.Status == target {
			return nil
		}
		if e.Status.Terminal() {
			slog.Warn("provider status conflicts with terminal escrow",
				"escrow_id", e.ID, "local", e.Status, "remote", status)
			return nil
		}
		if err := model.TransitionEscrow(e, target); err != nil {
			return err
		}
		if target == model.EscrowReleased {
			now := time.Now().UTC()
			e.ReleasedAt = &now
		}
		return nil
	})
}

// returnLatePayment handles money that arrived after the escrow was voided.
func (c *Custodian) returnLatePayment(ctx context.Context, acct *model.EscrowAccount) {
	slog.Warn("payment arrived for voided escrow, refunding", "escrow_id", acct.ID, "provider", acct.Provider)
	p, err := c.registry.Get(acct.Provider)
	if err != nil {
		slog.Error("late payment refund", "escrow_id", acct.ID, "err", err)
		return
	}
	err = c.Call(ctx, p.Name(), "refund", func(ctx context.Context) error {
		_, err := p.RefundTransaction(ctx, acct.ProviderTxID)
		return err
	})
	if err != nil {
		slog.Error("late payment refund failed", "escrow_id", acct.ID, "err", err)
	}
}

func (c *Custodian) void(ctx context.Context, escrowID string) (*model.EscrowAccount, error) {
	return c.store.UpdateEscrow(ctx, escrowID, func(e *model.EscrowAccount) error {
		if e.Status == model.EscrowRefunded {
			return nil
		}
		return model.TransitionEscrow(e, model.EscrowRefunded)
	})
}

// Call runs one provider operation under the custodian's timeout and maps
// the error: deadline exceeded becomes ErrProviderTimeout, anything else
// ErrProviderUnavailable unless the provider already classified it.
func (c *Custodian) Call(ctx context.Context, provider, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	switch {
	case err == nil:
		metrics.ObserveProvider(provider, op, "ok", start)
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrProviderTimeout):
		metrics.ObserveProvider(provider, op, "timeout", start)
		slog.Warn("provider call timed out", "provider", provider, "op", op)
		return fmt.Errorf("%s %s: %w", provider, op, ErrProviderTimeout)
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrFundingFailed):
		metrics.ObserveProvider(provider, op, "error", start)
		return fmt.Errorf("%s %s: %w", provider, op, err)
	default:
		metrics.ObserveProvider(provider, op, "error", start)
		return fmt.Errorf("%s %s: %w: %w", provider, op, ErrProviderUnavailable, err)
	}
}
