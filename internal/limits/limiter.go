// Package limits enforces per-bet caps and rolling daily/monthly betting
// limits for a wallet.
//
// Window totals are computed by the caller from the transaction log (the sum
// of the user's bet stakes in the trailing 24h and 30d); the limiter itself
// is stateless so it can be checked under any store implementation.
package limits

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned for non-positive stakes.
	ErrInvalidAmount = errors.New("limits: amount must be positive")

	// ErrBetCapExceeded is returned when a single stake exceeds the per-bet cap.
	ErrBetCapExceeded = errors.New("limits: per-bet maximum exceeded")

	// ErrDailyLimitExceeded is returned when the trailing-24h total would
	// exceed the wallet's daily limit.
	ErrDailyLimitExceeded = errors.New("limits: daily betting limit exceeded")

	// ErrMonthlyLimitExceeded is returned when the trailing-30d total would
	// exceed the wallet's monthly limit.
	ErrMonthlyLimitExceeded = errors.New("limits: monthly betting limit exceeded")
)

const (
	// DailyWindow is the trailing window for the daily limit.
	DailyWindow = 24 * time.Hour

	// MonthlyWindow is the trailing window for the monthly limit.
	MonthlyWindow = 30 * 24 * time.Hour
)

// Window holds the user's stake totals over the trailing windows.
type Window struct {
	Daily   decimal.Decimal
	Monthly decimal.Decimal
}

// Limiter validates a stake against the configured cap and the wallet's
// own limits. A zero wallet limit means "no limit".
type Limiter struct {
	// MaxPerBet is the largest single stake accepted.
	MaxPerBet decimal.Decimal
}

// NewLimiter creates a limiter with the given per-bet cap.
func NewLimiter(maxPerBet decimal.Decimal) *Limiter {
	return &Limiter{MaxPerBet: maxPerBet}
}

// CheckStake validates amount in isolation.
func (l *Limiter) CheckStake(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if l.MaxPerBet.IsPositive() && amount.GreaterThan(l.MaxPerBet) {
		return ErrBetCapExceeded
	}
	return nil
}

// CheckLimit validates whether placing amount keeps the user inside their
// daily and monthly limits.
func (l *Limiter) CheckLimit(amount, dailyLimit, monthlyLimit decimal.Decimal, spent Window) error {
	if err := l.CheckStake(amount); err != nil {
		return err
	}
	if dailyLimit.IsPositive() && spent.Daily.Add(amount).GreaterThan(dailyLimit) {
		return ErrDailyLimitExceeded
	}
	if monthlyLimit.IsPositive() && spent.Monthly.Add(amount).GreaterThan(monthlyLimit) {
		return ErrMonthlyLimitExceeded
	}
	return nil
}
