package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/model"
)

// MaxEventAttempts is how many times an inbox event is handed out before
// it is left for manual inspection.
const MaxEventAttempts = 10

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
// A single mutex makes every Update* call atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	wallets   map[string]*model.Wallet
	txs       []model.Transaction
	txKeys    map[string]struct{}
	pools     map[string]*model.BettingPool
	bets      map[string]*model.Bet
	escrows   map[string]*model.EscrowAccount
	payouts   map[string]*model.Payout
	reports   map[string]*model.SettlementReport
	disputes  map[string]*model.Dispute
	events    []*model.ProviderEvent
	eventKeys map[string]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*model.Wallet),
		txKeys:    make(map[string]struct{}),
		pools:     make(map[string]*model.BettingPool),
		bets:      make(map[string]*model.Bet),
		escrows:   make(map[string]*model.EscrowAccount),
		payouts:   make(map[string]*model.Payout),
		reports:   make(map[string]*model.SettlementReport),
		disputes:  make(map[string]*model.Dispute),
		eventKeys: make(map[string]struct{}),
	}
}

// --- Wallets ---

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) EnsureWallet(_ context.Context, w *model.Wallet) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.wallets[w.UserID]; ok {
		copy := *existing
		return &copy, nil
	}
	copy := *w
	s.wallets[w.UserID] = &copy
	out := copy
	return &out, nil
}

func (s *MemoryStore) UpdateWallet(_ context.Context, userID string, fn WalletMutation) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateWalletLocked(userID, func(w *model.Wallet) ([]model.Transaction, error) {
		return fn(w)
	})
}

func (s *MemoryStore) UpdateWalletStaked(_ context.Context, userID string, windows StakeWindows, fn StakeMutation) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spent := StakeTotals{
		Daily:   s.sumStakedLocked(userID, windows.Daily),
		Monthly: s.sumStakedLocked(userID, windows.Monthly),
	}
	return s.updateWalletLocked(userID, func(w *model.Wallet) ([]model.Transaction, error) {
		return fn(w, spent)
	})
}

func (s *MemoryStore) updateWalletLocked(userID string, fn WalletMutation) (*model.Wallet, error) {
	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	work := *w
	txs, err := fn(&work)
	if err != nil {
		return nil, err
	}
	if err := s.appendTxsLocked(txs); err != nil {
		return nil, err
	}
	*w = work
	out := work
	return &out, nil
}

// appendTxsLocked validates every key first so a duplicate leaves the log untouched.
func (s *MemoryStore) appendTxsLocked(txs []model.Transaction) error {
	seen := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if _, dup := s.txKeys[tx.IdempotencyKey]; dup {
			return fmt.Errorf("transaction %s: %w", tx.IdempotencyKey, ErrDuplicate)
		}
		if _, dup := seen[tx.IdempotencyKey]; dup {
			return fmt.Errorf("transaction %s: %w", tx.IdempotencyKey, ErrDuplicate)
		}
		seen[tx.IdempotencyKey] = struct{}{}
	}
	for _, tx := range txs {
		if tx.ID == "" {
			tx.ID = uuid.New().String()
		}
		if tx.IdempotencyKey != "" {
			s.txKeys[tx.IdempotencyKey] = struct{}{}
		}
		s.txs = append(s.txs, tx)
	}
	return nil
}

// --- Transaction log ---

func (s *MemoryStore) AppendTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	return s.appendTxsLocked([]model.Transaction{*tx})
}

func (s *MemoryStore) CompletePendingTransaction(_ context.Context, txID string, fn func(w *model.Wallet, tx *model.Transaction) error) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.txs {
		if s.txs[i].ID == txID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	w, ok := s.wallets[s.txs[idx].UserID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", s.txs[idx].UserID, ErrNotFound)
	}

	work := *w
	tx := s.txs[idx]
	if err := fn(&work, &tx); err != nil {
		return nil, err
	}
	*w = work
	s.txs[idx] = tx
	out := work
	return &out, nil
}

func (s *MemoryStore) GetTransactionByExternalID(_ context.Context, externalID string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tx := range s.txs {
		if tx.ExternalID == externalID {
			copy := tx
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("transaction external %s: %w", externalID, ErrNotFound)
}

func (s *MemoryStore) HasTransaction(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.txKeys[key]
	return ok, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.txs {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) SumStaked(_ context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sumStakedLocked(userID, since), nil
}

func (s *MemoryStore) sumStakedLocked(userID string, since time.Time) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range s.txs {
		if tx.UserID == userID && tx.Status == model.TxStatusCompleted && !tx.CreatedAt.Before(since) {
			sum = sum.Add(tx.Stake)
		}
	}
	return sum
}

// --- Pools ---

func (s *MemoryStore) GetPool(_ context.Context, disputeID string) (*model.BettingPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[disputeID]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", disputeID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) UpdatePool(_ context.Context, disputeID string, init func() *model.BettingPool, fn func(p *model.BettingPool) error) (*model.BettingPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var work model.BettingPool
	p, ok := s.pools[disputeID]
	switch {
	case ok:
		work = *p
	case init != nil:
		work = *init()
		work.DisputeID = disputeID
	default:
		return nil, fmt.Errorf("pool %s: %w", disputeID, ErrNotFound)
	}

	if err := fn(&work); err != nil {
		return nil, err
	}
	stored := work
	s.pools[disputeID] = &stored
	out := work
	return &out, nil
}

// --- Bets ---

func (s *MemoryStore) CreateBet(_ context.Context, b *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bets[b.ID]; exists {
		return fmt.Errorf("bet %s: %w", b.ID, ErrDuplicate)
	}
	copy := *b
	s.bets[b.ID] = &copy
	return nil
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) UpdateBet(_ context.Context, id string, fn func(b *model.Bet) error) (*model.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	work := *b
	if err := fn(&work); err != nil {
		return nil, err
	}
	*b = work
	out := work
	return &out, nil
}

func (s *MemoryStore) ListBetsByDispute(_ context.Context, disputeID string, statuses ...model.BetStatus) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for _, b := range s.bets {
		if b.DisputeID == disputeID && statusIn(b.Status, statuses) {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PlacedAt.Before(result[j].PlacedAt) })
	return result, nil
}

func (s *MemoryStore) ListBetsByUser(_ context.Context, userID string, status model.BetStatus) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for _, b := range s.bets {
		if b.UserID == userID && (status == "" || b.Status == status) {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PlacedAt.After(result[j].PlacedAt) })
	return result, nil
}

func statusIn(s model.BetStatus, statuses []model.BetStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

// --- Escrow ---

func (s *MemoryStore) CreateEscrow(_ context.Context, e *model.EscrowAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escrows[e.ID]; exists {
		return fmt.Errorf("escrow %s: %w", e.ID, ErrDuplicate)
	}
	copy := *e
	s.escrows[e.ID] = &copy
	return nil
}

func (s *MemoryStore) GetEscrow(_ context.Context, id string) (*model.EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[id]
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", id, ErrNotFound)
	}
	copy := *e
	return &copy, nil
}

func (s *MemoryStore) GetEscrowByProviderTx(_ context.Context, provider, providerTxID string) (*model.EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.escrows {
		if e.Provider == provider && e.ProviderTxID == providerTxID {
			copy := *e
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("escrow %s/%s: %w", provider, providerTxID, ErrNotFound)
}

func (s *MemoryStore) UpdateEscrow(_ context.Context, id string, fn func(e *model.EscrowAccount) error) (*model.EscrowAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[id]
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", id, ErrNotFound)
	}
	work := *e
	if err := fn(&work); err != nil {
		return nil, err
	}
	*e = work
	out := work
	return &out, nil
}

func (s *MemoryStore) ListEscrowsByStatus(_ context.Context, status model.EscrowStatus, createdBefore time.Time) ([]model.EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.EscrowAccount
	for _, e := range s.escrows {
		if e.Status == status && e.CreatedAt.Before(createdBefore) {
			result = append(result, *e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// --- Payouts ---

func (s *MemoryStore) CreatePayout(_ context.Context, p *model.Payout) (*model.Payout, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payouts {
		if existing.BetID == p.BetID {
			copy := *existing
			return &copy, false, nil
		}
	}
	stored := *p
	s.payouts[p.ID] = &stored
	out := stored
	return &out, true, nil
}

func (s *MemoryStore) GetPayout(_ context.Context, id string) (*model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) UpdatePayout(_ context.Context, id string, fn func(p *model.Payout) error) (*model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	work := *p
	if err := fn(&work); err != nil {
		return nil, err
	}
	*p = work
	out := work
	return &out, nil
}

func (s *MemoryStore) ListPayoutsByStatus(_ context.Context, statuses ...model.PayoutStatus) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Payout
	for _, p := range s.payouts {
		for _, st := range statuses {
			if p.Status == st {
				result = append(result, *p)
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// --- Settlement reports ---

func (s *MemoryStore) GetSettlementReport(_ context.Context, disputeID string) (*model.SettlementReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[disputeID]
	if !ok {
		return nil, fmt.Errorf("settlement report %s: %w", disputeID, ErrNotFound)
	}
	return copyReport(r), nil
}

func (s *MemoryStore) SaveSettlementReport(_ context.Context, r *model.SettlementReport) (*model.SettlementReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.reports[r.DisputeID]; ok {
		return copyReport(existing), nil
	}
	s.reports[r.DisputeID] = copyReport(r)
	return copyReport(r), nil
}

func copyReport(r *model.SettlementReport) *model.SettlementReport {
	copy := *r
	copy.PayoutIDs = append([]string(nil), r.PayoutIDs...)
	return &copy
}

// --- Disputes ---

func (s *MemoryStore) GetDispute(_ context.Context, id string) (*model.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.disputes[id]
	if !ok {
		return nil, fmt.Errorf("dispute %s: %w", id, ErrNotFound)
	}
	copy := *d
	return &copy, nil
}

func (s *MemoryStore) UpsertDispute(_ context.Context, d *model.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *d
	s.disputes[d.ID] = &copy
	return nil
}

// --- Provider event inbox ---

func (s *MemoryStore) AppendProviderEvent(_ context.Context, e *model.ProviderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.Provider + "/" + e.EventID
	if _, dup := s.eventKeys[key]; dup {
		return fmt.Errorf("provider event %s: %w", key, ErrDuplicate)
	}
	s.eventKeys[key] = struct{}{}
	copy := *e
	s.events = append(s.events, &copy)
	return nil
}

func (s *MemoryStore) ListUnprocessedEvents(_ context.Context, limit int) ([]model.ProviderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ProviderEvent
	for _, e := range s.events {
		if e.ProcessedAt == nil && e.Attempts < MaxEventAttempts {
			result = append(result, *e)
			if limit > 0 && len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (s *MemoryStore) MarkEventProcessed(_ context.Context, id string, procErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.ID != id {
			continue
		}
		e.Attempts++
		if procErr != nil {
			e.LastError = procErr.Error()
			return nil
		}
		now := time.Now().UTC()
		e.ProcessedAt = &now
		e.LastError = ""
		return nil
	}
	return fmt.Errorf("provider event %s: %w", id, ErrNotFound)
}
