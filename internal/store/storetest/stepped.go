// Package storetest provides store wrappers for tests that need to control
// how concurrent operations interleave.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/store"
)

// Hookable method names.
const (
	SumStaked            = "SumStaked"
	UpdatePool           = "UpdatePool"
	CreateBet            = "CreateBet"
	ListBetsByDispute    = "ListBetsByDispute"
	GetSettlementReport  = "GetSettlementReport"
	SaveSettlementReport = "SaveSettlementReport"
)

type hook struct {
	fn   func()
	once bool
}

// Stepped wraps a Store and runs test hooks before or after selected
// calls. A hook runs on the caller's goroutine with no store lock held, so
// it may call back into the store or run a whole second operation.
type Stepped struct {
	store.Store

	mu     sync.Mutex
	before map[string]hook
	after  map[string]hook
	skip   map[string]bool
}

// NewStepped wraps st.
func NewStepped(st store.Store) *Stepped {
	return &Stepped{
		Store:  st,
		before: make(map[string]hook),
		after:  make(map[string]hook),
		skip:   make(map[string]bool),
	}
}

// BeforeOnce runs fn before the next call to method only.
func (s *Stepped) BeforeOnce(method string, fn func()) { s.set(s.before, method, hook{fn: fn, once: true}) }

// AfterOnce runs fn after the next successful call to method only.
func (s *Stepped) AfterOnce(method string, fn func()) { s.set(s.after, method, hook{fn: fn, once: true}) }

// Before runs fn before every call to method until cleared with a nil fn.
func (s *Stepped) Before(method string, fn func()) { s.set(s.before, method, hook{fn: fn}) }

// HideBet makes ListBetsByDispute leave out betID.
func (s *Stepped) HideBet(betID string, hidden bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skip[betID] = hidden
}

func (s *Stepped) set(m map[string]hook, method string, h hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.fn == nil {
		delete(m, method)
		return
	}
	m[method] = h
}

func (s *Stepped) fire(m map[string]hook, method string) {
	s.mu.Lock()
	h, ok := m[method]
	if ok && h.once {
		delete(m, method)
	}
	s.mu.Unlock()
	if ok {
		h.fn()
	}
}

// Barrier returns a hook that holds each caller until n callers have
// arrived, or until timeout passes. Later callers go straight through.
func Barrier(n int, timeout time.Duration) func() {
	var mu sync.Mutex
	arrived := 0
	all := make(chan struct{})
	return func() {
		mu.Lock()
		arrived++
		if arrived == n {
			close(all)
		}
		mu.Unlock()
		select {
		case <-all:
		case <-time.After(timeout):
		}
	}
}

func (s *Stepped) SumStaked(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	s.fire(s.before, SumStaked)
	sum, err := s.Store.SumStaked(ctx, userID, since)
	if err == nil {
		s.fire(s.after, SumStaked)
	}
	return sum, err
}

func (s *Stepped) UpdatePool(ctx context.Context, disputeID string, init func() *model.BettingPool, fn func(p *model.BettingPool) error) (*model.BettingPool, error) {
	s.fire(s.before, UpdatePool)
	p, err := s.Store.UpdatePool(ctx, disputeID, init, fn)
	if err == nil {
		s.fire(s.after, UpdatePool)
	}
	return p, err
}

func (s *Stepped) CreateBet(ctx context.Context, b *model.Bet) error {
	s.fire(s.before, CreateBet)
	err := s.Store.CreateBet(ctx, b)
	if err == nil {
		s.fire(s.after, CreateBet)
	}
	return err
}

func (s *Stepped) ListBetsByDispute(ctx context.Context, disputeID string, statuses ...model.BetStatus) ([]model.Bet, error) {
	s.fire(s.before, ListBetsByDispute)
	bets, err := s.Store.ListBetsByDispute(ctx, disputeID, statuses...)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := bets[:0]
	for _, b := range bets {
		if !s.skip[b.ID] {
			out = append(out, b)
		}
	}
	s.mu.Unlock()
	s.fire(s.after, ListBetsByDispute)
	return out, nil
}

func (s *Stepped) GetSettlementReport(ctx context.Context, disputeID string) (*model.SettlementReport, error) {
	s.fire(s.before, GetSettlementReport)
	return s.Store.GetSettlementReport(ctx, disputeID)
}

func (s *Stepped) SaveSettlementReport(ctx context.Context, r *model.SettlementReport) (*model.SettlementReport, error) {
	s.fire(s.before, SaveSettlementReport)
	return s.Store.SaveSettlementReport(ctx, r)
}
