package escrow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/escrow"
	"github.com/clashout/settlement-engine/internal/escrow/escrowtest"
	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newCustodian(t *testing.T) (*escrow.Custodian, *escrowtest.Provider, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	fake := escrowtest.New(escrow.ProviderEscrowCom)
	reg := escrow.NewRegistry(escrow.ProviderEscrowCom, fake)
	return escrow.NewCustodian(ms, reg, 50*time.Millisecond), fake, ms
}

func openFunded(t *testing.T, c *escrow.Custodian) *model.EscrowAccount {
	t.Helper()
	ctx := context.Background()
	acct, err := c.Open(ctx, escrow.OpenRequest{DisputeID: "d1", BetID: "b1", PayerUserID: "u1", Amount: d(100), PaymentMethod: "card"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	out, err := c.Fund(ctx, acct.ID, "card")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if out.Escrow.Status != model.EscrowFunded {
		t.Fatalf("expected funded, got %s", out.Escrow.Status)
	}
	return out.Escrow
}

func TestOpen_RecordsProviderTx(t *testing.T) {
	c, _, _ := newCustodian(t)

	acct, err := c.Open(context.Background(), escrow.OpenRequest{DisputeID: "d1", PayerUserID: "u1", Amount: d(10), PaymentMethod: "card"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if acct.Status != model.EscrowPending || acct.ProviderTxID == "" || acct.Provider != escrow.ProviderEscrowCom {
		t.Errorf("unexpected escrow: %+v", acct)
	}
	if acct.Currency != "USD" {
		t.Errorf("expected default currency USD, got %s", acct.Currency)
	}
}

func TestOpen_TagsProviderTxWithEscrowID(t *testing.T) {
	c, fake, _ := newCustodian(t)

	acct, err := c.Open(context.Background(), escrow.OpenRequest{DisputeID: "d1", BetID: "b1", PayerUserID: "u1", Amount: d(10), PaymentMethod: "card"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	txID, ok := fake.Lookup(acct.ID)
	if !ok || txID != acct.ProviderTxID {
		t.Errorf("expected provider tx %s under reference %s, got %q (found %v)", acct.ProviderTxID, acct.ID, txID, ok)
	}
}

func TestOpen_CreateTimeoutVoids(t *testing.T) {
	c, fake, ms := newCustodian(t)
	fake.HangOn(escrowtest.OpCreate, true)

	_, err := c.Open(context.Background(), escrow.OpenRequest{DisputeID: "d1", BetID: "b1", PayerUserID: "u1", Amount: d(10), PaymentMethod: "card"})
	if !errors.Is(err, escrow.ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderTimeout, got %v", err)
	}
	accts, _ := ms.ListEscrowsByStatus(context.Background(), model.EscrowRefunded, time.Now().Add(time.Minute))
	if len(accts) != 1 || accts[0].ProviderTxID != "" {
		t.Errorf("expected one voided escrow without a provider tx, got %+v", accts)
	}
}

func TestOpen_CreateFailureVoids(t *testing.T) {
	c, fake, ms := newCustodian(t)
	fake.FailOn(escrowtest.OpCreate, errors.New("500 from provider"))

	_, err := c.Open(context.Background(), escrow.OpenRequest{DisputeID: "d1", BetID: "b1", PayerUserID: "u1", Amount: d(10), PaymentMethod: "card"})
	if !errors.Is(err, escrow.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}

	accts, _ := ms.ListEscrowsByStatus(context.Background(), model.EscrowRefunded, time.Now().Add(time.Minute))
	if len(accts) != 1 {
		t.Errorf("expected the failed escrow to be voided, got %d refunded records", len(accts))
	}
}

func TestFund_AwaitingPayment(t *testing.T) {
	c, fake, _ := newCustodian(t)
	fake.RequirePayment("https://pay.example/tx")
	ctx := context.Background()

	acct, _ := c.Open(ctx, escrow.OpenRequest{DisputeID: "d1", PayerUserID: "u1", Amount: d(10), PaymentMethod: "card"})
	out, err := c.Fund(ctx, acct.ID, "card")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if out.Escrow.Status != model.EscrowPending || out.PaymentURL != "https://pay.example/tx" {
		t.Errorf("expected pending with payment url, got %s %q", out.Escrow.Status, out.PaymentURL)
	}
}

func TestFund_TimeoutIsUnknownOutcome(t *testing.T) {
	c, fake, _ := newCustodian(t)
	fake.HangOn(escrowtest.OpFund, true)
	ctx := context.Background()

	acct, _ := c.Open(ctx, escrow.OpenRequest{DisputeID: "d1", PayerUserID: "u1", Amount: d(10), PaymentMethod: "card"})
	_, err := c.Fund(ctx, acct.ID, "card")
	if !errors.Is(err, escrow.ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderTimeout, got %v", err)
	}

	got, _ := c.Get(ctx, acct.ID)
	if got.Status != model.EscrowPending {
		t.Errorf("timed-out escrow must stay pending, got %s", got.Status)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	c, fake, _ := newCustodian(t)
	acct := openFunded(t, c)
	ctx := context.Background()

	first, err := c.Release(ctx, acct.ID, "winner")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := c.Release(ctx, acct.ID, "winner")
	if err != nil {
		t.Fatalf("second release should not error: %v", err)
	}
	if first.Status != model.EscrowReleased || second.RecipientUserID != "winner" {
		t.Errorf("unexpected release result: %+v", second)
	}
	if fake.Calls(escrowtest.OpRelease) != 1 {
		t.Errorf("provider release should be called once, got %d", fake.Calls(escrowtest.OpRelease))
	}
}

func TestRelease_PendingIsIllegal(t *testing.T) {
	c, _, _ := newCustodian(t)
	ctx := context.Background()

	acct, _ := c.Open(ctx, escrow.OpenRequest{DisputeID: "d1", PayerUserID: "u1", Amount: d(10), PaymentMethod: "card"})
	_, err := c.Release(ctx, acct.ID, "winner")
	if !errors.Is(err, model.ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestRelease_ProviderErrorKeepsFunded(t *testing.T) {
	c, fake, _ := newCustodian(t)
	acct := openFunded(t, c)
	fake.FailOn(escrowtest.OpRelease, errors.New("503"))
	ctx := context.Background()

	if _, err := c.Release(ctx, acct.ID, "winner"); !errors.Is(err, escrow.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	got, _ := c.Get(ctx, acct.ID)
	if got.Status != model.EscrowFunded {
		t.Errorf("expected escrow to stay funded, got %s", got.Status)
	}
}

func TestRefund_AfterReleaseIsIllegal(t *testing.T) {
	c, _, _ := newCustodian(t)
	acct := openFunded(t, c)
	ctx := context.Background()

	c.Release(ctx, acct.ID, "winner")
	if _, err := c.Refund(ctx, acct.ID); !errors.Is(err, model.ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestRefund_UnfundedVoidsDespiteProviderError(t *testing.T) {
	c, fake, _ := newCustodian(t)
	ctx := context.Background()
	acct, _ := c.Open(ctx, escrow.OpenRequest{DisputeID: "d1", PayerUserID: "u1", Amount: d(10), PaymentMethod: "card"})
	fake.FailOn(escrowtest.OpRefund, errors.New("nothing to refund"))

	got, err := c.Refund(ctx, acct.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got.Status != model.EscrowRefunded {
		t.Errorf("expected refunded, got %s", got.Status)
	}
}

func TestApplyProviderStatus_Redelivery(t *testing.T) {
	c, _, _ := newCustodian(t)
	ctx := context.Background()
	acct, _ := c.Open(ctx, escrow.OpenRequest{DisputeID: "d1", PayerUserID: "u1", Amount: d(10), PaymentMethod: "card"})

	for i := 0; i < 3; i++ {
		got, err := c.ApplyProviderStatus(ctx, escrow.ProviderEscrowCom, acct.ProviderTxID, escrow.RemoteFunded, d(10))
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		if got.Status != model.EscrowFunded {
			t.Fatalf("delivery %d: expected funded, got %s", i, got.Status)
		}
	}

	// A stale refund notice after release must not flip the terminal state.
	c.Release(ctx, acct.ID, "winner")
	got, err := c.ApplyProviderStatus(ctx, escrow.ProviderEscrowCom, acct.ProviderTxID, escrow.RemoteRefunded, decimal.Zero)
	if err != nil {
		t.Fatalf("stale notice: %v", err)
	}
	if got.Status != model.EscrowReleased {
		t.Errorf("expected released to stick, got %s", got.Status)
	}
}

func TestApplyProviderStatus_LatePaymentIsReturned(t *testing.T) {
	c, fake, _ := newCustodian(t)
	ctx := context.Background()
	acct, _ := c.Open(ctx, escrow.OpenRequest{DisputeID: "d1", PayerUserID: "u1", Amount: d(10), PaymentMethod: "card"})
	c.Refund(ctx, acct.ID)
	refunds := fake.Calls(escrowtest.OpRefund)

	got, err := c.ApplyProviderStatus(ctx, escrow.ProviderEscrowCom, acct.ProviderTxID, escrow.RemoteFunded, d(10))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.Status != model.EscrowRefunded {
		t.Errorf("voided escrow must stay refunded, got %s", got.Status)
	}
	if fake.Calls(escrowtest.OpRefund) != refunds+1 {
		t.Errorf("expected the late payment to be refunded")
	}
}

func TestReconcile_ResolvesPending(t *testing.T) {
	c, fake, _ := newCustodian(t)
	fake.RequirePayment("https://pay.example")
	ctx := context.Background()
	acct, _ := c.Open(ctx, escrow.OpenRequest{DisputeID: "d1", PayerUserID: "u1", Amount: d(10), PaymentMethod: "card"})
	fake.SetStatus(acct.ProviderTxID, escrow.RemoteFunded)

	got, err := c.Reconcile(ctx, acct.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Status != model.EscrowFunded || !got.FundedAmount.Equal(d(10)) {
		t.Errorf("expected funded 10, got %s %s", got.Status, got.FundedAmount)
	}
}

func TestRegistry_ForPaymentMethod(t *testing.T) {
	reg := escrow.NewRegistry(escrow.ProviderEscrowCom,
		escrowtest.New(escrow.ProviderEscrowCom),
		escrowtest.New(escrow.ProviderChain),
		escrowtest.New(escrow.ProviderWallet),
	)

	tests := []struct {
		method, requested, want string
	}{
		{"wallet", "", escrow.ProviderWallet},
		{"wallet", escrow.ProviderEscrowCom, escrow.ProviderWallet},
		{"crypto", "", escrow.ProviderChain},
		{"card", "", escrow.ProviderEscrowCom},
		{"card", escrow.ProviderChain, escrow.ProviderChain},
	}
	for _, tt := range tests {
		p, err := reg.ForPaymentMethod(tt.method, tt.requested)
		if err != nil {
			t.Fatalf("%s/%s: %v", tt.method, tt.requested, err)
		}
		if p.Name() != tt.want {
			t.Errorf("%s/%s: expected %s, got %s", tt.method, tt.requested, tt.want, p.Name())
		}
	}

	if _, err := reg.ForPaymentMethod("card", "trustly"); !errors.Is(err, escrow.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}
