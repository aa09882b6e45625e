// Package escrowtest provides a scriptable escrow.Provider for tests.
package escrowtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/escrow"
)

// Operation names accepted by FailOn and HangOn.
const (
	OpCreate  = "create"
	OpFund    = "fund"
	OpRelease = "release"
	OpRefund  = "refund"
	OpStatus  = "status"
)

// Provider is an in-memory escrow.Provider. By default every call succeeds
// and funding completes immediately.
type Provider struct {
	mu         sync.Mutex
	name       string
	fundStatus escrow.RemoteStatus
	paymentURL string
	errs       map[string]error
	hang       map[string]bool
	status     map[string]escrow.RemoteStatus
	amounts    map[string]decimal.Decimal
	calls      map[string]int
	refs       map[string]string
	seq        int
}

// New creates a provider registered under name.
func New(name string) *Provider {
	return &Provider{
		name:       name,
		fundStatus: escrow.RemoteFunded,
		errs:       make(map[string]error),
		hang:       make(map[string]bool),
		status:     make(map[string]escrow.RemoteStatus),
		amounts:    make(map[string]decimal.Decimal),
		calls:      make(map[string]int),
		refs:       make(map[string]string),
	}
}

// RequirePayment makes FundTransaction return PENDING with a payment URL.
func (p *Provider) RequirePayment(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fundStatus = escrow.RemotePending
	p.paymentURL = url
}

// FailOn makes op return err until cleared with a nil err.
func (p *Provider) FailOn(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, op)
		return
	}
	p.errs[op] = err
}

// HangOn makes op block until its context is done.
func (p *Provider) HangOn(op string, hang bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hang[op] = hang
}

// SetStatus overrides what GetTransactionStatus reports for txID.
func (p *Provider) SetStatus(txID string, st escrow.RemoteStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[txID] = st
}

// Calls returns how many times op was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *Provider) enter(ctx context.Context, op string) error {
	p.mu.Lock()
	p.calls[op]++
	err := p.errs[op]
	hang := p.hang[op]
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) CreateTransaction(ctx context.Context, amount decimal.Decimal, payerRef, payeeRef string, metadata map[string]string) (string, error) {
	if err := p.enter(ctx, OpCreate); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("%s-tx-%d", p.name, p.seq)
	p.status[id] = escrow.RemotePending
	p.amounts[id] = amount
	if ref := metadata[escrow.MetaReference]; ref != "" {
		p.refs[ref] = id
	}
	return id, nil
}

// Lookup returns the transaction created with reference ref.
func (p *Provider) Lookup(ref string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.refs[ref]
	return id, ok
}

func (p *Provider) FundTransaction(ctx context.Context, providerTxID, paymentMethod string) (*escrow.FundingResult, error) {
	if err := p.enter(ctx, OpFund); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fundStatus == escrow.RemoteFunded {
		p.status[providerTxID] = escrow.RemoteFunded
	}
	return &escrow.FundingResult{Status: p.fundStatus, PaymentURL: p.paymentURL}, nil
}

func (p *Provider) ReleaseFunds(ctx context.Context, providerTxID, recipientRef string) (*escrow.ReleaseResult, error) {
	if err := p.enter(ctx, OpRelease); err != nil {
		return nil, err
	}
	p.SetStatus(providerTxID, escrow.RemoteReleased)
	return &escrow.ReleaseResult{Status: escrow.RemoteReleased, ProviderRef: providerTxID}, nil
}

func (p *Provider) RefundTransaction(ctx context.Context, providerTxID string) (*escrow.RefundResult, error) {
	if err := p.enter(ctx, OpRefund); err != nil {
		return nil, err
	}
	p.SetStatus(providerTxID, escrow.RemoteRefunded)
	return &escrow.RefundResult{Status: escrow.RemoteRefunded, ProviderRef: providerTxID}, nil
}

func (p *Provider) GetTransactionStatus(ctx context.Context, providerTxID string) (*escrow.ProviderStatus, error) {
	if err := p.enter(ctx, OpStatus); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.status[providerTxID]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", providerTxID)
	}
	return &escrow.ProviderStatus{Status: st, Amount: p.amounts[providerTxID]}, nil
}
