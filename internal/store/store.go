// Package store defines the Ledger Store for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for immutable or derived reads), and in-memory (for testing).
//
// Every Update* method is a single atomic read-modify-write on one
// aggregate: the callback receives a copy of the current state and the
// store commits it only if the callback returns nil. Callbacks must not
// perform I/O; provider calls happen outside of them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested aggregate does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique key (idempotency key, bet
	// payout, inbox event) already exists. Nothing is written.
	ErrDuplicate = errors.New("store: duplicate")
)

// WalletMutation mutates a wallet and returns the transaction rows that
// record the change.
type WalletMutation func(w *model.Wallet) ([]model.Transaction, error)

// StakeWindows holds the cutoffs of the rolling betting limits.
type StakeWindows struct {
	Daily   time.Time
	Monthly time.Time
}

// StakeTotals is the stake a user committed since each cutoff.
type StakeTotals struct {
	Daily   decimal.Decimal
	Monthly decimal.Decimal
}

// StakeMutation is a WalletMutation that also sees the user's stake totals.
type StakeMutation func(w *model.Wallet, staked StakeTotals) ([]model.Transaction, error)

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	// --- Wallets ---

	// GetWallet retrieves a wallet by user ID.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// EnsureWallet creates w if no wallet exists for w.UserID and returns
	// the stored wallet either way.
	EnsureWallet(ctx context.Context, w *model.Wallet) (*model.Wallet, error)

	// UpdateWallet atomically applies fn and appends the returned
	// transactions. If any returned idempotency key already exists the
	// whole mutation is discarded and ErrDuplicate is returned.
	UpdateWallet(ctx context.Context, userID string, fn WalletMutation) (*model.Wallet, error)

	// UpdateWalletStaked is UpdateWallet with the stake totals summed under
	// the same wallet lock, so a limit check and the stake it admits
	// commit together.
	UpdateWalletStaked(ctx context.Context, userID string, windows StakeWindows, fn StakeMutation) (*model.Wallet, error)

	// --- Append-only transaction log ---

	// AppendTransaction records a transaction that does not (yet) move
	// balances, such as a deposit awaiting provider confirmation.
	AppendTransaction(ctx context.Context, tx *model.Transaction) error

	// CompletePendingTransaction atomically flips a pending transaction to
	// a final status and applies fn to the owning wallet in the same unit.
	CompletePendingTransaction(ctx context.Context, txID string, fn func(w *model.Wallet, tx *model.Transaction) error) (*model.Wallet, error)

	// GetTransactionByExternalID finds a transaction by provider reference.
	GetTransactionByExternalID(ctx context.Context, externalID string) (*model.Transaction, error)

	// HasTransaction reports whether an idempotency key has been recorded.
	HasTransaction(ctx context.Context, idempotencyKey string) (bool, error)

	// ListTransactions returns a user's log, oldest first.
	ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error)

	// SumStaked sums the Stake of completed rows since a time. Feeds the
	// rolling betting limits.
	SumStaked(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)

	// --- Pools ---

	// GetPool retrieves the pool for a dispute.
	GetPool(ctx context.Context, disputeID string) (*model.BettingPool, error)

	// UpdatePool atomically applies fn to the dispute's pool. When no pool
	// exists and init is non-nil, init() seeds it; otherwise ErrNotFound.
	UpdatePool(ctx context.Context, disputeID string, init func() *model.BettingPool, fn func(p *model.BettingPool) error) (*model.BettingPool, error)

	// --- Bets ---

	CreateBet(ctx context.Context, b *model.Bet) error
	GetBet(ctx context.Context, id string) (*model.Bet, error)
	UpdateBet(ctx context.Context, id string, fn func(b *model.Bet) error) (*model.Bet, error)

	// ListBetsByDispute returns bets on a dispute in any of the given
	// statuses (all bets if none given), ordered by placement.
	ListBetsByDispute(ctx context.Context, disputeID string, statuses ...model.BetStatus) ([]model.Bet, error)

	// ListBetsByUser returns a user's bets, newest first, optionally by status.
	ListBetsByUser(ctx context.Context, userID string, status model.BetStatus) ([]model.Bet, error)

	// --- Escrow ---

	CreateEscrow(ctx context.Context, e *model.EscrowAccount) error
	GetEscrow(ctx context.Context, id string) (*model.EscrowAccount, error)
	GetEscrowByProviderTx(ctx context.Context, provider, providerTxID string) (*model.EscrowAccount, error)
	UpdateEscrow(ctx context.Context, id string, fn func(e *model.EscrowAccount) error) (*model.EscrowAccount, error)

	// ListEscrowsByStatus returns escrows in status created before the cutoff.
	ListEscrowsByStatus(ctx context.Context, status model.EscrowStatus, createdBefore time.Time) ([]model.EscrowAccount, error)

	// --- Payouts ---

	// CreatePayout inserts p unless a payout for p.BetID exists, in which
	// case the existing row is returned with created=false.
	CreatePayout(ctx context.Context, p *model.Payout) (stored *model.Payout, created bool, err error)
	GetPayout(ctx context.Context, id string) (*model.Payout, error)
	UpdatePayout(ctx context.Context, id string, fn func(p *model.Payout) error) (*model.Payout, error)
	ListPayoutsByStatus(ctx context.Context, statuses ...model.PayoutStatus) ([]model.Payout, error)

	// --- Settlement reports ---

	GetSettlementReport(ctx context.Context, disputeID string) (*model.SettlementReport, error)

	// SaveSettlementReport stores r unless a report for the dispute exists;
	// the stored report is returned either way.
	SaveSettlementReport(ctx context.Context, r *model.SettlementReport) (*model.SettlementReport, error)

	// --- Disputes ---

	GetDispute(ctx context.Context, id string) (*model.Dispute, error)
	UpsertDispute(ctx context.Context, d *model.Dispute) error

	// --- Provider event inbox ---

	// AppendProviderEvent enqueues e; a redelivered (provider, event_id)
	// returns ErrDuplicate.
	AppendProviderEvent(ctx context.Context, e *model.ProviderEvent) error

	// ListUnprocessedEvents returns up to limit pending events, oldest first.
	ListUnprocessedEvents(ctx context.Context, limit int) ([]model.ProviderEvent, error)

	// MarkEventProcessed records the outcome of handling an event. A nil
	// procErr marks it done; otherwise the attempt is counted.
	MarkEventProcessed(ctx context.Context, id string, procErr error) error
}
