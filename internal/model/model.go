// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is one of the two possible outcomes of a dispute.
type Side string

const (
	PartyA Side = "partyA"
	PartyB Side = "partyB"
)

// Valid reports whether s names one of the two parties.
func (s Side) Valid() bool {
	return s == PartyA || s == PartyB
}

// Opposite returns the other party.
func (s Side) Opposite() Side {
	if s == PartyA {
		return PartyB
	}
	return PartyA
}

// PaymentWallet is the payment method for bets funded from the user's wallet.
const PaymentWallet = "wallet"

// Wallet holds one user's balances. Only the wallet ledger mutates the
// numeric fields; wallets are deactivated, never deleted.
type Wallet struct {
	UserID            string          `json:"user_id"`
	Balance           decimal.Decimal `json:"balance"`
	PendingBalance    decimal.Decimal `json:"pending_balance"` // committed to ACTIVE bets
	TotalDeposited    decimal.Decimal `json:"total_deposited"`
	TotalWithdrawn    decimal.Decimal `json:"total_withdrawn"`
	TotalBet          decimal.Decimal `json:"total_bet"`
	TotalWon          decimal.Decimal `json:"total_won"`
	IsActive          bool            `json:"is_active"`
	IsVerified        bool            `json:"is_verified"`
	VerificationLevel int             `json:"verification_level"` // 0=unverified, 1=basic, 2=full
	DailyLimit        decimal.Decimal `json:"daily_limit"`
	MonthlyLimit      decimal.Decimal `json:"monthly_limit"`
	CreatedAt         time.Time       `json:"created_at"`
	LastActivity      time.Time       `json:"last_activity"`
}

// BettingPool aggregates every stake placed on one dispute.
// Invariant: TotalPoolAmount == PartyAAmount + PartyBAmount.
type BettingPool struct {
	DisputeID             string          `json:"dispute_id"`
	TotalPoolAmount       decimal.Decimal `json:"total_pool"`
	PartyAAmount          decimal.Decimal `json:"party_a_pool"`
	PartyBAmount          decimal.Decimal `json:"party_b_pool"`
	PartyAOdds            decimal.Decimal `json:"party_a_odds"`
	PartyBOdds            decimal.Decimal `json:"party_b_odds"`
	PlatformFeePercentage decimal.Decimal `json:"platform_fee"`
	PlatformFeeCollected  decimal.Decimal `json:"platform_fee_collected"`
	IsActive              bool            `json:"is_active"`
	WinningSide           Side            `json:"winning_side,omitempty"` // pinned when settlement closes the pool
	ClosedAt              *time.Time      `json:"closed_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}

// SideAmount returns the accumulated stake on one side.
func (p *BettingPool) SideAmount(s Side) decimal.Decimal {
	if s == PartyA {
		return p.PartyAAmount
	}
	return p.PartyBAmount
}

// AddStake applies a signed stake change to one side and the total.
func (p *BettingPool) AddStake(s Side, amount decimal.Decimal) {
	if s == PartyA {
		p.PartyAAmount = p.PartyAAmount.Add(amount)
	} else {
		p.PartyBAmount = p.PartyBAmount.Add(amount)
	}
	p.TotalPoolAmount = p.TotalPoolAmount.Add(amount)
}

// Bet is a single wager. Odds and PotentialPayout are locked at placement
// and never change afterwards.
type Bet struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	DisputeID       string          `json:"dispute_id"`
	Amount          decimal.Decimal `json:"amount"`
	PredictedWinner Side            `json:"predicted_winner"`
	Odds            decimal.Decimal `json:"odds"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	Status          BetStatus       `json:"status"`
	PaymentMethod   string          `json:"payment_method"`
	EscrowID        string          `json:"escrow_id,omitempty"`
	EscrowProvider  string          `json:"escrow_provider,omitempty"`
	PaymentURL      string          `json:"payment_url,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	PlacedAt        time.Time       `json:"placed_at"`
	SettledAt       *time.Time      `json:"settled_at,omitempty"`
}

// WalletFunded reports whether the stake was taken from the user's wallet.
func (b *Bet) WalletFunded() bool {
	return b.PaymentMethod == PaymentWallet
}

// EscrowAccount is the custody record for one funded bet.
type EscrowAccount struct {
	ID              string          `json:"id"`
	DisputeID       string          `json:"dispute_id"`
	BetID           string          `json:"bet_id,omitempty"`
	Provider        string          `json:"provider"`
	ProviderTxID    string          `json:"provider_tx_id,omitempty"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	FundedAmount    decimal.Decimal `json:"funded_amount"`
	Currency        string          `json:"currency"`
	Status          EscrowStatus    `json:"status"`
	PayerUserID     string          `json:"payer_user_id"`
	RecipientUserID string          `json:"recipient_user_id,omitempty"` // set at release
	CreatedAt       time.Time       `json:"created_at"`
	FundedAt        *time.Time      `json:"funded_at,omitempty"`
	ReleasedAt      *time.Time      `json:"released_at,omitempty"`
}

// Payout is the unit of idempotency for paying one winning bet.
type Payout struct {
	ID                string          `json:"id"`
	BetID             string          `json:"bet_id"`
	UserID            string          `json:"user_id"`
	DisputeID         string          `json:"dispute_id"`
	Amount            decimal.Decimal `json:"amount"`
	PaymentMethod     string          `json:"payment_method"`
	Status            PayoutStatus    `json:"status"`
	RetryCount        int             `json:"retry_count"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	NeedsManualReview bool            `json:"needs_manual_review"`
	CreatedAt         time.Time       `json:"created_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// TxType classifies ledger entries.
type TxType string

const (
	TxDeposit    TxType = "deposit"
	TxWithdrawal TxType = "withdrawal"
	TxBet        TxType = "bet"
	TxPayout     TxType = "payout"
	TxFee        TxType = "fee"
	TxRelease    TxType = "release"
	TxRefund     TxType = "refund"
	TxReserve    TxType = "reserve"
)

// Transaction statuses.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// Transaction is an immutable, append-only ledger entry. Amount is the
// signed change to Balance and PendingDelta the signed change to
// PendingBalance, so wallets can be recomputed from the log.
type Transaction struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Type           TxType          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	PendingDelta   decimal.Decimal `json:"pending_delta"`
	Stake          decimal.Decimal `json:"stake"` // counts toward the rolling betting limits
	BetID          string          `json:"bet_id,omitempty"`
	PayoutID       string          `json:"payout_id,omitempty"`
	EscrowID       string          `json:"escrow_id,omitempty"`
	ExternalID     string          `json:"external_id,omitempty"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	Status         string          `json:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Description    string          `json:"description,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SettlementReport is persisted once per dispute so repeated settlement
// calls can return the original outcome.
type SettlementReport struct {
	DisputeID      string          `json:"dispute_id"`
	WinningSide    Side            `json:"winning_side"`
	SettledBets    int             `json:"settled_bets"`
	Winners        int             `json:"winners"`
	Losers         int             `json:"losers"`
	Cancelled      int             `json:"cancelled"`
	TotalStaked    decimal.Decimal `json:"total_staked"`
	TotalPayout    decimal.Decimal `json:"total_payout"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	PayoutIDs      []string        `json:"payout_ids"`
	PendingPayouts int             `json:"pending_payouts"`
	SettledAt      time.Time       `json:"settled_at"`
}

// ProviderEvent is a verified provider notification waiting in the inbox.
type ProviderEvent struct {
	ID           string     `json:"id"`
	Provider     string     `json:"provider"`
	EventID      string     `json:"event_id"`
	ProviderTxID string     `json:"provider_tx_id"`
	EventType    string     `json:"event_type"`
	Status       string     `json:"status"`
	Payload      []byte     `json:"-"`
	ReceivedAt   time.Time  `json:"received_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
}

// Dispute statuses as reported by the mediation service.
const (
	DisputeOpen        = "open"
	DisputeActive      = "active"
	DisputeInMediation = "in_mediation"
	DisputeResolved    = "resolved"
	DisputeCancelled   = "cancelled"
)

// Dispute is the engine's view of a dispute owned by the mediation service.
type Dispute struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	PartyAUserID string    `json:"party_a_user_id,omitempty"`
	PartyBUserID string    `json:"party_b_user_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AcceptingBets reports whether new wagers may be placed on the dispute.
func (d *Dispute) AcceptingBets() bool {
	return d.Status == DisputeActive || d.Status == DisputeInMediation
}
