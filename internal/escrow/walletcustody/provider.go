// Package walletcustody is the in-house custody provider used for bets paid
// from the platform wallet. The stake is already held in the payer's pending
// balance, so the provider only issues references and reports the local
// escrow status.
package walletcustody

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/escrow"
	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/store"
)

// Provider implements escrow.Provider over the wallet ledger.
type Provider struct {
	store store.Store
}

// New creates the wallet custody provider.
func New(st store.Store) *Provider {
	return &Provider{store: st}
}

func (p *Provider) Name() string { return escrow.ProviderWallet }

func (p *Provider) CreateTransaction(_ context.Context, _ decimal.Decimal, _, _ string, _ map[string]string) (string, error) {
	return "wallet-" + uuid.New().String(), nil
}

// FundTransaction succeeds immediately: the wallet hold was taken before
// the escrow was opened.
func (p *Provider) FundTransaction(_ context.Context, _ string, _ string) (*escrow.FundingResult, error) {
	return &escrow.FundingResult{Status: escrow.RemoteFunded}, nil
}

func (p *Provider) ReleaseFunds(_ context.Context, providerTxID, _ string) (*escrow.ReleaseResult, error) {
	return &escrow.ReleaseResult{Status: escrow.RemoteReleased, ProviderRef: providerTxID}, nil
}

func (p *Provider) RefundTransaction(_ context.Context, providerTxID string) (*escrow.RefundResult, error) {
	return &escrow.RefundResult{Status: escrow.RemoteRefunded, ProviderRef: providerTxID}, nil
}

// GetTransactionStatus reports the local escrow status; there is no remote
// side to disagree with it.
func (p *Provider) GetTransactionStatus(ctx context.Context, providerTxID string) (*escrow.ProviderStatus, error) {
	acct, err := p.store.GetEscrowByProviderTx(ctx, escrow.ProviderWallet, providerTxID)
	if err != nil {
		return nil, err
	}
	return &escrow.ProviderStatus{Status: remoteStatus(acct.Status), Amount: acct.FundedAmount}, nil
}

func remoteStatus(s model.EscrowStatus) escrow.RemoteStatus {
	switch s {
	case model.EscrowFunded:
		return escrow.RemoteFunded
	case model.EscrowReleased:
		return escrow.RemoteReleased
	case model.EscrowRefunded:
		return escrow.RemoteRefunded
	case model.EscrowDisputed:
		return escrow.RemoteDisputed
	default:
		return escrow.RemotePending
	}
}
