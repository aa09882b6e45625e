// Package escrow owns the escrow-account state machine and the uniform
// interface over external custody providers.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Provider names.
const (
	ProviderEscrowCom = "escrow.com"
	ProviderChain     = "smart_contract"
	ProviderWallet    = "wallet"
)

// MetaReference is the CreateTransaction metadata key carrying the escrow
// id. Providers attach it to the remote transaction so one orphaned by a
// timed-out create can still be matched to its record.
const MetaReference = "reference"

// Payment methods with a fixed provider.
const (
	MethodWallet = "wallet"
	MethodCrypto = "crypto"
)

var (
	// ErrProviderTimeout means the call hit its deadline and the outcome
	// is unknown. The aggregate stays in its transitional state.
	ErrProviderTimeout = errors.New("escrow: provider timeout, outcome unknown")

	// ErrProviderUnavailable is a definite provider failure (rejected or
	// unreachable before anything was accepted).
	ErrProviderUnavailable = errors.New("escrow: provider unavailable")

	// ErrFundingFailed is returned when the provider declined the payment.
	ErrFundingFailed = errors.New("escrow: funding failed")

	// ErrUnknownProvider is returned for an unregistered provider name.
	ErrUnknownProvider = errors.New("escrow: unknown provider")
)

// RemoteStatus is a provider's view of a transaction.
type RemoteStatus string

const (
	RemotePending  RemoteStatus = "pending"
	RemoteFunded   RemoteStatus = "funded"
	RemoteReleased RemoteStatus = "released"
	RemoteRefunded RemoteStatus = "refunded"
	RemoteDisputed RemoteStatus = "disputed"
	RemoteFailed   RemoteStatus = "failed"
)

// FundingResult is returned by FundTransaction. A PENDING status with a
// PaymentURL means the payer must complete payment out of band.
type FundingResult struct {
	Status     RemoteStatus
	PaymentURL string
}

// ReleaseResult is returned by ReleaseFunds.
type ReleaseResult struct {
	Status      RemoteStatus
	ProviderRef string
}

// RefundResult is returned by RefundTransaction.
type RefundResult struct {
	Status      RemoteStatus
	ProviderRef string
}

// ProviderStatus is returned by GetTransactionStatus.
type ProviderStatus struct {
	Status RemoteStatus
	Amount decimal.Decimal
}

// Provider moves money between custodial accounts. Implementations must
// honour ctx cancellation; the Custodian bounds every call with a timeout.
type Provider interface {
	Name() string
	CreateTransaction(ctx context.Context, amount decimal.Decimal, payerRef, payeeRef string, metadata map[string]string) (string, error)
	FundTransaction(ctx context.Context, providerTxID, paymentMethod string) (*FundingResult, error)
	ReleaseFunds(ctx context.Context, providerTxID, recipientRef string) (*ReleaseResult, error)
	RefundTransaction(ctx context.Context, providerTxID string) (*RefundResult, error)
	GetTransactionStatus(ctx context.Context, providerTxID string) (*ProviderStatus, error)
}

// Registry resolves providers by name. Selection is a configuration lookup.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates a registry; defaultName is used when a bet names no provider.
func NewRegistry(defaultName string, providers ...Provider) *Registry {
	r := &Registry{
		providers:   make(map[string]Provider, len(providers)),
		defaultName: defaultName,
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// ForPaymentMethod picks the provider for a payment: wallet payments stay
// in-house, crypto goes on chain, anything else uses the requested provider
// or the configured default.
func (r *Registry) ForPaymentMethod(method, requested string) (Provider, error) {
	switch method {
	case MethodWallet:
		return r.Get(ProviderWallet)
	case MethodCrypto:
		return r.Get(ProviderChain)
	}
	if requested != "" {
		return r.Get(requested)
	}
	return r.Get(r.defaultName)
}

// Names lists registered providers.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
