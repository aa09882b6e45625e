package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedWallet(t *testing.T, s *MemoryStore, userID string, balance float64) {
	t.Helper()
	_, err := s.EnsureWallet(context.Background(), &model.Wallet{
		UserID:   userID,
		Balance:  d(balance),
		IsActive: true,
	})
	if err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
}

func TestEnsureWallet_KeepsExisting(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "u1", 50)

	w, err := s.EnsureWallet(context.Background(), &model.Wallet{UserID: "u1", Balance: d(999)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.Balance.Equal(d(50)) {
		t.Errorf("expected existing balance 50, got %s", w.Balance)
	}
}

func TestUpdateWallet_DiscardsOnCallbackError(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "u1", 100)
	boom := errors.New("boom")

	_, err := s.UpdateWallet(context.Background(), "u1", func(w *model.Wallet) ([]model.Transaction, error) {
		w.Balance = decimal.Zero
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	w, _ := s.GetWallet(context.Background(), "u1")
	if !w.Balance.Equal(d(100)) {
		t.Errorf("balance should be unchanged, got %s", w.Balance)
	}
}

func TestUpdateWallet_DuplicateKeyIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "u1", 100)

	credit := func(w *model.Wallet) ([]model.Transaction, error) {
		w.Balance = w.Balance.Add(d(10))
		return []model.Transaction{{UserID: "u1", Type: model.TxPayout, Amount: d(10), Status: model.TxStatusCompleted, IdempotencyKey: "settle:b1"}}, nil
	}
	if _, err := s.UpdateWallet(ctx, "u1", credit); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	if _, err := s.UpdateWallet(ctx, "u1", credit); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	w, _ := s.GetWallet(ctx, "u1")
	if !w.Balance.Equal(d(110)) {
		t.Errorf("expected 110 after one credit, got %s", w.Balance)
	}
	txs, _ := s.ListTransactions(ctx, "u1")
	if len(txs) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(txs))
	}
}

func TestUpdateWallet_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "u1", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateWallet(ctx, "u1", func(w *model.Wallet) ([]model.Transaction, error) {
				if w.Balance.LessThan(d(10)) {
					return nil, errors.New("insufficient")
				}
				w.Balance = w.Balance.Sub(d(10))
				return nil, nil
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	w, _ := s.GetWallet(ctx, "u1")
	if succeeded != 10 || !w.Balance.IsZero() {
		t.Errorf("expected 10 debits and zero balance, got %d debits and %s", succeeded, w.Balance)
	}
}

func TestCompletePendingTransaction(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "u1", 0)

	tx := &model.Transaction{UserID: "u1", Type: model.TxDeposit, Amount: d(50), Status: model.TxStatusPending, ExternalID: "ext-1"}
	if err := s.AppendTransaction(ctx, tx); err != nil {
		t.Fatalf("append: %v", err)
	}
	if tx.ID == "" {
		t.Fatal("expected AppendTransaction to assign an ID")
	}

	w, err := s.CompletePendingTransaction(ctx, tx.ID, func(w *model.Wallet, pending *model.Transaction) error {
		w.Balance = w.Balance.Add(pending.Amount)
		pending.Status = model.TxStatusCompleted
		return nil
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !w.Balance.Equal(d(50)) {
		t.Errorf("expected balance 50, got %s", w.Balance)
	}

	got, _ := s.GetTransactionByExternalID(ctx, "ext-1")
	if got.Status != model.TxStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestSumStaked_Window(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "u1", 0)
	now := time.Now().UTC()

	for _, tx := range []model.Transaction{
		{UserID: "u1", Type: model.TxBet, Amount: d(-30), PendingDelta: d(30), Stake: d(30), Status: model.TxStatusCompleted, CreatedAt: now.Add(-2 * time.Hour)},
		{UserID: "u1", Type: model.TxReserve, Stake: d(15), Status: model.TxStatusCompleted, CreatedAt: now.Add(-3 * time.Hour)},
		// The hold that follows a reservation carries no stake of its own.
		{UserID: "u1", Type: model.TxBet, PendingDelta: d(15), Status: model.TxStatusCompleted, CreatedAt: now.Add(-time.Hour)},
		{UserID: "u1", Type: model.TxBet, Amount: d(-20), PendingDelta: d(20), Stake: d(20), Status: model.TxStatusCompleted, CreatedAt: now.Add(-48 * time.Hour)},
		{UserID: "u1", Type: model.TxDeposit, Amount: d(500), Status: model.TxStatusCompleted, CreatedAt: now},
	} {
		tx := tx
		if err := s.AppendTransaction(ctx, &tx); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sum, _ := s.SumStaked(ctx, "u1", now.Add(-24*time.Hour))
	if !sum.Equal(d(45)) {
		t.Errorf("expected 45 staked in the last day, got %s", sum)
	}
}

func TestUpdateWalletStaked_SeesOwnWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "u1", 0)
	now := time.Now().UTC()
	windows := StakeWindows{Daily: now.Add(-24 * time.Hour), Monthly: now.Add(-30 * 24 * time.Hour)}

	var seen []decimal.Decimal
	for i := 0; i < 3; i++ {
		_, err := s.UpdateWalletStaked(ctx, "u1", windows, func(w *model.Wallet, staked StakeTotals) ([]model.Transaction, error) {
			seen = append(seen, staked.Daily)
			return []model.Transaction{{UserID: "u1", Type: model.TxReserve, Stake: d(40), Status: model.TxStatusCompleted, CreatedAt: time.Now().UTC()}}, nil
		})
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	for i, want := range []float64{0, 40, 80} {
		if !seen[i].Equal(d(want)) {
			t.Errorf("call %d: expected daily total %v, got %s", i, want, seen[i])
		}
	}
}

func TestUpdateWalletStaked_RejectionWritesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "u1", 0)
	now := time.Now().UTC()
	limitErr := errors.New("over limit")

	_, err := s.UpdateWalletStaked(ctx, "u1", StakeWindows{Daily: now.Add(-time.Hour), Monthly: now.Add(-time.Hour)},
		func(w *model.Wallet, staked StakeTotals) ([]model.Transaction, error) {
			return nil, limitErr
		})
	if !errors.Is(err, limitErr) {
		t.Fatalf("expected guard error, got %v", err)
	}
	txs, _ := s.ListTransactions(ctx, "u1")
	if len(txs) != 0 {
		t.Errorf("expected no rows, got %d", len(txs))
	}
}

func TestUpdatePool_InitSeedsOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seeds := 0
	init := func() *model.BettingPool {
		seeds++
		return &model.BettingPool{IsActive: true}
	}

	for i := 0; i < 3; i++ {
		_, err := s.UpdatePool(ctx, "d1", init, func(p *model.BettingPool) error {
			p.AddStake(model.PartyA, d(10))
			return nil
		})
		if err != nil {
			t.Fatalf("update pool: %v", err)
		}
	}

	p, _ := s.GetPool(ctx, "d1")
	if seeds != 1 {
		t.Errorf("expected init to run once, ran %d times", seeds)
	}
	if !p.TotalPoolAmount.Equal(d(30)) || p.DisputeID != "d1" {
		t.Errorf("unexpected pool: %+v", p)
	}
}

func TestUpdatePool_MissingWithoutInit(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.UpdatePool(context.Background(), "nope", nil, func(*model.BettingPool) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreatePayout_OnePerBet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, created, err := s.CreatePayout(ctx, &model.Payout{ID: "p1", BetID: "b1", Amount: d(10)})
	if err != nil || !created {
		t.Fatalf("first payout: created=%v err=%v", created, err)
	}
	second, created, err := s.CreatePayout(ctx, &model.Payout{ID: "p2", BetID: "b1", Amount: d(10)})
	if err != nil || created {
		t.Fatalf("second payout: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Errorf("expected existing payout %s, got %s", first.ID, second.ID)
	}
}

func TestSaveSettlementReport_FirstWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SaveSettlementReport(ctx, &model.SettlementReport{DisputeID: "d1", WinningSide: model.PartyA})
	got, _ := s.SaveSettlementReport(ctx, &model.SettlementReport{DisputeID: "d1", WinningSide: model.PartyB})
	if got.WinningSide != model.PartyA {
		t.Errorf("expected first report to stick, got %s", got.WinningSide)
	}
}

func TestProviderEvents_DedupAndRetry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ev := &model.ProviderEvent{ID: "e1", Provider: "escrow.com", EventID: "evt-1"}
	if err := s.AppendProviderEvent(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendProviderEvent(ctx, &model.ProviderEvent{ID: "e2", Provider: "escrow.com", EventID: "evt-1"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on redelivery, got %v", err)
	}

	s.MarkEventProcessed(ctx, "e1", errors.New("provider down"))
	pending, _ := s.ListUnprocessedEvents(ctx, 10)
	if len(pending) != 1 || pending[0].Attempts != 1 || pending[0].LastError != "provider down" {
		t.Fatalf("expected one retried event, got %+v", pending)
	}

	s.MarkEventProcessed(ctx, "e1", nil)
	pending, _ = s.ListUnprocessedEvents(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("expected empty inbox, got %d", len(pending))
	}
}

func TestListBetsByDispute_FiltersStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	s.CreateBet(ctx, &model.Bet{ID: "b1", DisputeID: "d1", Status: model.BetActive, PlacedAt: now})
	s.CreateBet(ctx, &model.Bet{ID: "b2", DisputeID: "d1", Status: model.BetPending, PlacedAt: now.Add(time.Second)})
	s.CreateBet(ctx, &model.Bet{ID: "b3", DisputeID: "d2", Status: model.BetActive, PlacedAt: now})

	active, _ := s.ListBetsByDispute(ctx, "d1", model.BetActive)
	if len(active) != 1 || active[0].ID != "b1" {
		t.Errorf("expected [b1], got %+v", active)
	}
	all, _ := s.ListBetsByDispute(ctx, "d1")
	if len(all) != 2 {
		t.Errorf("expected 2 bets, got %d", len(all))
	}
}
