package walletcustody

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/escrow"
	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/store"
)

func TestFundsImmediately(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemoryStore())

	txID, err := p.CreateTransaction(ctx, decimal.NewFromInt(10), "u1", "platform", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(txID, "wallet-") {
		t.Fatalf("tx id = %q", txID)
	}
	res, err := p.FundTransaction(ctx, txID, escrow.MethodWallet)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if res.Status != escrow.RemoteFunded || res.PaymentURL != "" {
		t.Fatalf("fund result = %+v", res)
	}
}

func TestStatusMirrorsLocalEscrow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := New(st)

	acct := &model.EscrowAccount{
		ID:           "esc-1",
		BetID:        "bet-1",
		Provider:     escrow.ProviderWallet,
		ProviderTxID: "wallet-abc",
		TotalAmount:  decimal.NewFromInt(10),
		FundedAmount: decimal.NewFromInt(10),
		Status:       model.EscrowFunded,
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.CreateEscrow(ctx, acct); err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	got, err := p.GetTransactionStatus(ctx, "wallet-abc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != escrow.RemoteFunded {
		t.Errorf("status = %s, want funded", got.Status)
	}
	if !got.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("amount = %s", got.Amount)
	}

	if _, err := p.GetTransactionStatus(ctx, "wallet-missing"); err == nil {
		t.Fatal("expected not found")
	}
}
