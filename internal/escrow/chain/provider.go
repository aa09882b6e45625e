// Package chain is the smart-contract custody provider. Payers fund a
// contract address on chain; a chain watcher reports deposits, releases
// and refunds back through the provider webhook.
package chain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/escrow"
)

var weiPerUnit = decimal.New(1, 18)

// Provider implements escrow.Provider over a deployed escrow contract.
type Provider struct {
	address string
	state   ContractState
}

// New creates a chain provider for the contract at address.
func New(address string, state ContractState) *Provider {
	return &Provider{address: address, state: state}
}

func (p *Provider) Name() string { return escrow.ProviderChain }

func (p *Provider) CreateTransaction(ctx context.Context, amount decimal.Decimal, payerRef, payeeRef string, metadata map[string]string) (string, error) {
	txID, err := newTxID()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	c := &Contract{
		TxID:      txID,
		Address:   p.address,
		Payer:     payerRef,
		Payee:     payeeRef,
		Amount:    amount,
		AmountWei: amount.Mul(weiPerUnit).Truncate(0).String(),
		Status:    escrow.RemotePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.state.Create(ctx, c); err != nil {
		return "", err
	}
	return txID, nil
}

// FundTransaction returns the EIP-681 payment link for the contract; the
// deposit is confirmed later by the chain watcher.
func (p *Provider) FundTransaction(ctx context.Context, providerTxID, paymentMethod string) (*escrow.FundingResult, error) {
	c, err := p.state.Get(ctx, providerTxID)
	if err != nil {
		return nil, err
	}
	if c.Status != escrow.RemotePending {
		return &escrow.FundingResult{Status: c.Status}, nil
	}
	url := fmt.Sprintf("ethereum:%s?value=%s&data=%s", c.Address, c.AmountWei, c.TxID)
	return &escrow.FundingResult{Status: escrow.RemotePending, PaymentURL: url}, nil
}

func (p *Provider) ReleaseFunds(ctx context.Context, providerTxID, recipientRef string) (*escrow.ReleaseResult, error) {
	_, err := p.state.Update(ctx, providerTxID, func(c *Contract) error {
		switch c.Status {
		case escrow.RemoteReleased:
			return nil
		case escrow.RemoteFunded:
			c.Status = escrow.RemoteReleased
			c.Recipient = recipientRef
			return nil
		default:
			return fmt.Errorf("%w: contract %s is %s", escrow.ErrProviderUnavailable, c.TxID, c.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	return &escrow.ReleaseResult{Status: escrow.RemoteReleased, ProviderRef: providerTxID}, nil
}

func (p *Provider) RefundTransaction(ctx context.Context, providerTxID string) (*escrow.RefundResult, error) {
	_, err := p.state.Update(ctx, providerTxID, func(c *Contract) error {
		switch c.Status {
		case escrow.RemoteRefunded:
			return nil
		case escrow.RemotePending, escrow.RemoteFunded:
			c.Status = escrow.RemoteRefunded
			return nil
		default:
			return fmt.Errorf("%w: contract %s is %s", escrow.ErrProviderUnavailable, c.TxID, c.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	return &escrow.RefundResult{Status: escrow.RemoteRefunded, ProviderRef: providerTxID}, nil
}

func (p *Provider) GetTransactionStatus(ctx context.Context, providerTxID string) (*escrow.ProviderStatus, error) {
	c, err := p.state.Get(ctx, providerTxID)
	if err != nil {
		return nil, err
	}
	return &escrow.ProviderStatus{Status: c.Status, Amount: c.Amount}, nil
}

type watcherEvent struct {
	TxHash     string              `json:"tx_hash"`
	ContractTx string              `json:"contract_tx_id"`
	Event      string              `json:"event"`
	Status     escrow.RemoteStatus `json:"status"`
	Amount     decimal.Decimal     `json:"amount"`
}

// ParseEvent decodes a chain watcher notification. The on-chain tx hash is
// unique per delivery.
func (p *Provider) ParseEvent(body []byte) (*escrow.Event, error) {
	var we watcherEvent
	if err := json.Unmarshal(body, &we); err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrMalformedEvent, err)
	}
	ev := &escrow.Event{
		EventID:      we.TxHash,
		ProviderTxID: we.ContractTx,
		EventType:    we.Event,
		Status:       we.Status,
		Amount:       we.Amount,
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Observe records a watcher-reported state change so later status reads
// agree with the chain.
func (p *Provider) Observe(ctx context.Context, ev *escrow.Event) error {
	_, err := p.state.Update(ctx, ev.ProviderTxID, func(c *Contract) error {
		c.Status = ev.Status
		return nil
	})
	return err
}

func newTxID() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate contract tx id: %w", err)
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}
