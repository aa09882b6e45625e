package model

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a status change is not in the
// entity's transition table.
var ErrIllegalTransition = errors.New("model: illegal status transition")

// BetStatus is the lifecycle state of a bet.
type BetStatus string

const (
	BetPending   BetStatus = "pending"
	BetActive    BetStatus = "active"
	BetSettled   BetStatus = "settled"
	BetCancelled BetStatus = "cancelled"
	BetRefunded  BetStatus = "refunded"
)

// EscrowStatus is the lifecycle state of an escrow account.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

// PayoutStatus is the lifecycle state of a payout.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

var betTransitions = map[BetStatus][]BetStatus{
	BetPending: {BetActive, BetCancelled},
	BetActive:  {BetSettled, BetCancelled, BetRefunded},
}

// PENDING -> REFUNDED voids an escrow that was never funded.
var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowPending: {EscrowFunded, EscrowRefunded},
	EscrowFunded:  {EscrowReleased, EscrowRefunded, EscrowDisputed},
}

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutPending:    {PayoutProcessing, PayoutFailed},
	PayoutProcessing: {PayoutCompleted, PayoutFailed},
	PayoutFailed:     {PayoutProcessing},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions leave s.
func (s BetStatus) Terminal() bool { return len(betTransitions[s]) == 0 }

// Terminal reports whether no further transitions leave s.
func (s EscrowStatus) Terminal() bool { return len(escrowTransitions[s]) == 0 }

// Terminal reports whether no further transitions leave s.
func (s PayoutStatus) Terminal() bool { return len(payoutTransitions[s]) == 0 }

// TransitionBet moves b to status to, or returns ErrIllegalTransition.
func TransitionBet(b *Bet, to BetStatus) error {
	if !allowed(betTransitions, b.Status, to) {
		return fmt.Errorf("%w: bet %s %s -> %s", ErrIllegalTransition, b.ID, b.Status, to)
	}
	b.Status = to
	return nil
}

// TransitionEscrow moves e to status to, or returns ErrIllegalTransition.
func TransitionEscrow(e *EscrowAccount, to EscrowStatus) error {
	if !allowed(escrowTransitions, e.Status, to) {
		return fmt.Errorf("%w: escrow %s %s -> %s", ErrIllegalTransition, e.ID, e.Status, to)
	}
	e.Status = to
	return nil
}

// TransitionPayout moves p to status to, or returns ErrIllegalTransition.
func TransitionPayout(p *Payout, to PayoutStatus) error {
	if !allowed(payoutTransitions, p.Status, to) {
		return fmt.Errorf("%w: payout %s %s -> %s", ErrIllegalTransition, p.ID, p.Status, to)
	}
	p.Status = to
	return nil
}
