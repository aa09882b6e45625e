package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/clashout/settlement-engine/internal/betting"
	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/store"
	"github.com/clashout/settlement-engine/internal/store/storetest"
)

func newSteppedHarness(t *testing.T) (*harness, *storetest.Stepped) {
	t.Helper()
	var stepped *storetest.Stepped
	h := newHarnessOver(t, Config{}, func(st store.Store) store.Store {
		stepped = storetest.NewStepped(st)
		return stepped
	})
	return h, stepped
}

func (h *harness) payoutCount(t *testing.T) int {
	t.Helper()
	all, err := h.store.ListPayoutsByStatus(context.Background(),
		model.PayoutPending, model.PayoutProcessing, model.PayoutCompleted, model.PayoutFailed)
	if err != nil {
		t.Fatalf("list payouts: %v", err)
	}
	return len(all)
}

func TestSettleDispute_ConflictingWinnersPayOneSide(t *testing.T) {
	h, stepped := newSteppedHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", d(1000))
	h.fund(t, "bob", d(1000))
	a := h.place(t, "alice", d(100), model.PartyA, model.PaymentWallet)
	h.place(t, "bob", d(100), model.PartyB, model.PaymentWallet)

	// The rival run arrives after the pool is closed and before any bet
	// is settled.
	var rivalErr error
	stepped.BeforeOnce(storetest.ListBetsByDispute, func() {
		_, rivalErr = h.engine.SettleDispute(ctx, "d1", model.PartyB)
	})
	report, err := h.engine.SettleDispute(ctx, "d1", model.PartyA)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !errors.Is(rivalErr, ErrWinnerMismatch) {
		t.Fatalf("rival settle: expected ErrWinnerMismatch, got %v", rivalErr)
	}
	if report.WinningSide != model.PartyA || report.Winners != 1 || report.Losers != 1 {
		t.Errorf("report = %+v", report)
	}
	pool, _ := h.store.GetPool(ctx, "d1")
	if pool.WinningSide != model.PartyA {
		t.Errorf("pool winning side = %q", pool.WinningSide)
	}

	if n := h.payoutCount(t); n != 1 {
		t.Fatalf("payouts = %d, want 1", n)
	}
	if p := h.payoutFor(t, a.ID); !p.Amount.Equal(d(104.5)) {
		t.Errorf("payout = %s", p.Amount)
	}
	bal, pending := h.balances(t, "alice")
	if !bal.Equal(d(1004.5)) || !pending.IsZero() {
		t.Errorf("alice balance=%s pending=%s", bal, pending)
	}
	bal, pending = h.balances(t, "bob")
	if !bal.Equal(d(900)) || !pending.IsZero() {
		t.Errorf("bob balance=%s pending=%s", bal, pending)
	}
}

func TestSettleDispute_ConcurrentSameWinnerPaysOnce(t *testing.T) {
	h, stepped := newSteppedHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", d(1000))
	h.fund(t, "bob", d(1000))
	a := h.place(t, "alice", d(100), model.PartyA, model.PaymentWallet)
	h.place(t, "bob", d(100), model.PartyB, model.PaymentWallet)

	// The second run settles everything while the first is between
	// closing the pool and listing bets.
	var rival *model.SettlementReport
	var rivalErr error
	stepped.BeforeOnce(storetest.ListBetsByDispute, func() {
		rival, rivalErr = h.engine.SettleDispute(ctx, "d1", model.PartyA)
	})
	report, err := h.engine.SettleDispute(ctx, "d1", model.PartyA)
	if err != nil || rivalErr != nil {
		t.Fatalf("settle: %v / %v", err, rivalErr)
	}
	if report.Winners != rival.Winners || !report.TotalPayout.Equal(rival.TotalPayout) {
		t.Errorf("reports differ: %+v vs %+v", report, rival)
	}

	if n := h.payoutCount(t); n != 1 {
		t.Fatalf("payouts = %d, want 1", n)
	}
	if p := h.payoutFor(t, a.ID); p.Status != model.PayoutCompleted {
		t.Errorf("payout status = %s", p.Status)
	}
	bal, pending := h.balances(t, "alice")
	if !bal.Equal(d(1004.5)) || !pending.IsZero() {
		t.Errorf("alice balance=%s pending=%s, want one credit", bal, pending)
	}
}

func TestSettleDispute_InFlightPlacementIsAborted(t *testing.T) {
	h, stepped := newSteppedHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", d(1000))
	h.fund(t, "carol", d(500))
	h.place(t, "alice", d(100), model.PartyA, model.PaymentWallet)

	// Carol's stake is in the pool but her bet row does not exist yet
	// when settlement runs.
	var report *model.SettlementReport
	var settleErr error
	stepped.BeforeOnce(storetest.CreateBet, func() {
		report, settleErr = h.engine.SettleDispute(ctx, "d1", model.PartyA)
	})
	_, err := h.bets.PlaceBet(ctx, betting.PlaceBetRequest{
		UserID: "carol", DisputeID: "d1", Amount: d(50), PredictedWinner: model.PartyB, PaymentMethod: model.PaymentWallet,
	})
	if settleErr != nil {
		t.Fatalf("settle: %v", settleErr)
	}
	if !errors.Is(err, betting.ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if report.SettledBets != 1 || !report.TotalStaked.Equal(d(100)) {
		t.Errorf("report = %+v", report)
	}

	cancelled, _ := h.store.ListBetsByDispute(ctx, "d1", model.BetCancelled)
	if len(cancelled) != 1 || cancelled[0].UserID != "carol" || cancelled[0].CancelReason != betting.ReasonPoolClosed {
		t.Fatalf("cancelled bets = %+v", cancelled)
	}
	if esc, _ := h.store.GetEscrow(ctx, cancelled[0].EscrowID); esc.Status != model.EscrowRefunded {
		t.Errorf("escrow = %s", esc.Status)
	}
	bal, pending := h.balances(t, "carol")
	if !bal.Equal(d(500)) || !pending.IsZero() {
		t.Errorf("carol balance=%s pending=%s", bal, pending)
	}
	pool, _ := h.store.GetPool(ctx, "d1")
	if !pool.TotalPoolAmount.Equal(d(100)) || !pool.PartyBAmount.IsZero() {
		t.Errorf("pool = %s / %s", pool.TotalPoolAmount, pool.PartyBAmount)
	}
}

func TestCancelBet_LosesToSettlement(t *testing.T) {
	h, stepped := newSteppedHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", d(1000))
	h.fund(t, "bob", d(1000))
	h.place(t, "alice", d(100), model.PartyA, model.PaymentWallet)
	b := h.place(t, "bob", d(100), model.PartyB, model.PaymentWallet)

	// Settlement runs after the cancel has pulled the stake from the pool
	// and before it marks the bet cancelled.
	var settleErr error
	stepped.AfterOnce(storetest.UpdatePool, func() {
		_, settleErr = h.engine.SettleDispute(ctx, "d1", model.PartyA)
	})
	_, err := h.bets.CancelBet(ctx, "bob", b.ID)
	if settleErr != nil {
		t.Fatalf("settle: %v", settleErr)
	}
	if !errors.Is(err, betting.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}

	bet, _ := h.store.GetBet(ctx, b.ID)
	if bet.Status != model.BetSettled {
		t.Errorf("bet status = %s", bet.Status)
	}
	bal, pending := h.balances(t, "bob")
	if !bal.Equal(d(900)) || !pending.IsZero() {
		t.Errorf("bob balance=%s pending=%s, want a settled loss", bal, pending)
	}
	pool, _ := h.store.GetPool(ctx, "d1")
	if !pool.TotalPoolAmount.Equal(d(200)) || !pool.PartyBAmount.Equal(d(100)) {
		t.Errorf("pool not restored: %s / %s", pool.TotalPoolAmount, pool.PartyBAmount)
	}
}

func TestCancelBet_AfterSettlementClosesPool(t *testing.T) {
	h, stepped := newSteppedHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", d(1000))
	h.fund(t, "bob", d(1000))
	h.place(t, "alice", d(100), model.PartyA, model.PaymentWallet)
	b := h.place(t, "bob", d(100), model.PartyB, model.PaymentWallet)

	var cancelErr error
	stepped.BeforeOnce(storetest.ListBetsByDispute, func() {
		_, cancelErr = h.bets.CancelBet(ctx, "bob", b.ID)
	})
	report, err := h.engine.SettleDispute(ctx, "d1", model.PartyA)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !errors.Is(cancelErr, betting.ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", cancelErr)
	}
	if report.Losers != 1 {
		t.Errorf("report = %+v", report)
	}
	if bet, _ := h.store.GetBet(ctx, b.ID); bet.Status != model.BetSettled {
		t.Errorf("bet status = %s", bet.Status)
	}
}

func TestVoidDispute_LosesToSettlement(t *testing.T) {
	h, stepped := newSteppedHarness(t)
	ctx := context.Background()
	h.fund(t, "alice", d(1000))
	a := h.place(t, "alice", d(100), model.PartyA, model.PaymentWallet)

	var voidErr error
	stepped.BeforeOnce(storetest.ListBetsByDispute, func() {
		_, voidErr = h.engine.VoidDispute(ctx, "d1")
	})
	if _, err := h.engine.SettleDispute(ctx, "d1", model.PartyA); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !errors.Is(voidErr, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", voidErr)
	}
	if bet, _ := h.store.GetBet(ctx, a.ID); bet.Status != model.BetSettled {
		t.Errorf("bet status = %s", bet.Status)
	}
	if bal, _ := h.balances(t, "alice"); !bal.Equal(d(1004.5)) {
		t.Errorf("alice balance = %s", bal)
	}
}
