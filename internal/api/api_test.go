package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/clashout/settlement-engine/internal/api"
	"github.com/clashout/settlement-engine/internal/betting"
	"github.com/clashout/settlement-engine/internal/dispute"
	"github.com/clashout/settlement-engine/internal/escrow"
	"github.com/clashout/settlement-engine/internal/escrow/escrowtest"
	"github.com/clashout/settlement-engine/internal/escrow/walletcustody"
	"github.com/clashout/settlement-engine/internal/limits"
	"github.com/clashout/settlement-engine/internal/model"
	"github.com/clashout/settlement-engine/internal/reconcile"
	"github.com/clashout/settlement-engine/internal/settlement"
	"github.com/clashout/settlement-engine/internal/store"
	"github.com/clashout/settlement-engine/internal/wallet"
)

const webhookSecret = "whsec_api"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	router chi.Router
	store  *store.MemoryStore
	ledger *wallet.Ledger
	card   *escrowtest.Provider
}

// newTestEnv wires the API over an in-memory store with dispute d1 open.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	card := escrowtest.New(escrow.ProviderEscrowCom)
	reg := escrow.NewRegistry(escrow.ProviderEscrowCom, walletcustody.New(ms), card)
	cust := escrow.NewCustodian(ms, reg, 50*time.Millisecond)
	dir := dispute.NewDirectory(ms)
	ledger := wallet.NewLedger(ms, wallet.Config{}, cust)
	bets := betting.NewService(ms, dir, ledger, cust, limits.NewLimiter(d(10000)), nil, nil, betting.Config{})
	engine := settlement.NewEngine(ms, ledger, cust, bets, nil, nil, settlement.Config{})
	inbox := reconcile.NewInbox(ms, reg, map[string]string{escrow.ProviderEscrowCom: webhookSecret})
	sweeper := reconcile.NewSweeper(ms, cust, bets, engine, 0)

	if _, err := dir.Register(context.Background(), &model.Dispute{ID: "d1", Status: model.DisputeActive}); err != nil {
		t.Fatalf("register dispute: %v", err)
	}

	r := chi.NewRouter()
	api.NewHandler(bets, ledger, dir, engine, inbox, sweeper, nil).Routes(r)
	return &testEnv{router: r, store: ms, ledger: ledger, card: card}
}

func (e *testEnv) fund(t *testing.T, userID string, amount float64) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.ledger.Ensure(ctx, userID); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := e.ledger.Apply(ctx, userID, "seed:"+userID, wallet.Op{Kind: wallet.Credit, Amount: d(amount)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(api.UserHeader, userID)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func placeBody(amount float64, side model.Side) api.PlaceBetRequest {
	return api.PlaceBetRequest{DisputeID: "d1", Amount: d(amount), PredictedWinner: side, PaymentMethod: model.PaymentWallet}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

// --- Bets ---

func TestPlaceBet_Created(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 1000)

	w := env.do(t, "POST", "/api/v1/bets", "alice", placeBody(100, model.PartyA))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[api.PlaceBetResponse](t, w)
	if resp.BetID == "" || resp.Status != model.BetActive {
		t.Errorf("response = %+v", resp)
	}
	if !resp.Odds.Equal(d(1.1)) || !resp.PotentialPayout.Equal(d(104.5)) {
		t.Errorf("odds=%s payout=%s", resp.Odds, resp.PotentialPayout)
	}
	if resp.EscrowStatus != model.EscrowFunded || resp.PaymentRequired {
		t.Errorf("escrow=%s payment_required=%v", resp.EscrowStatus, resp.PaymentRequired)
	}
}

func TestPlaceBet_ErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 50)

	tests := []struct {
		name   string
		user   string
		body   any
		status int
	}{
		{"missing user", "", placeBody(10, model.PartyA), http.StatusUnauthorized},
		{"bad json", "alice", []byte("{"), http.StatusBadRequest},
		{"insufficient balance", "alice", placeBody(100, model.PartyA), http.StatusBadRequest},
		{"invalid side", "alice", placeBody(10, model.Side("draw")), http.StatusBadRequest},
		{"zero amount", "alice", placeBody(0, model.PartyA), http.StatusBadRequest},
		{"unknown dispute", "alice", api.PlaceBetRequest{DisputeID: "nope", Amount: d(10), PredictedWinner: model.PartyA}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/api/v1/bets", tt.user, tt.body); w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestPlaceBet_DisputeNotAcceptingBets(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 100)
	if w := env.do(t, "PUT", "/api/v1/disputes/d2", "", api.DisputeRequest{Status: model.DisputeOpen}); w.Code != http.StatusOK {
		t.Fatalf("register: %d", w.Code)
	}
	body := placeBody(10, model.PartyA)
	body.DisputeID = "d2"
	if w := env.do(t, "POST", "/api/v1/bets", "alice", body); w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetAndCancelBet(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 1000)
	placed := decodeBody[api.PlaceBetResponse](t, env.do(t, "POST", "/api/v1/bets", "alice", placeBody(100, model.PartyA)))

	if w := env.do(t, "GET", "/api/v1/bets/"+placed.BetID, "mallory", nil); w.Code != http.StatusForbidden {
		t.Errorf("other user's bet: expected 403, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/bets/missing", "alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing bet: expected 404, got %d", w.Code)
	}

	w := env.do(t, "GET", "/api/v1/bets?status=active", "alice", nil)
	list := decodeBody[struct {
		Count int `json:"count"`
	}](t, w)
	if w.Code != http.StatusOK || list.Count != 1 {
		t.Errorf("list: %d count=%d", w.Code, list.Count)
	}

	w = env.do(t, "DELETE", "/api/v1/bets/"+placed.BetID, "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	bet := decodeBody[model.Bet](t, w)
	if bet.Status != model.BetCancelled {
		t.Errorf("status = %s", bet.Status)
	}
	if w := env.do(t, "DELETE", "/api/v1/bets/"+placed.BetID, "alice", nil); w.Code != http.StatusConflict {
		t.Errorf("second cancel: expected 409, got %d", w.Code)
	}
}

// --- Wallets ---

func TestWalletEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 300)

	w := env.do(t, "GET", "/api/v1/wallets/alice", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get wallet: %d", w.Code)
	}
	wl := decodeBody[api.WalletResponse](t, w)
	if !wl.Balance.Equal(d(300)) || wl.IsVerified {
		t.Errorf("wallet = %+v", wl)
	}
	if w := env.do(t, "GET", "/api/v1/wallets/alice", "bob", nil); w.Code != http.StatusForbidden {
		t.Errorf("other wallet: expected 403, got %d", w.Code)
	}

	withdraw := api.FundsRequest{Amount: d(50), PaymentMethod: "bank_transfer"}
	if w := env.do(t, "POST", "/api/v1/wallets/alice/withdraw", "alice", withdraw); w.Code != http.StatusForbidden {
		t.Errorf("unverified withdraw: expected 403, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "PUT", "/api/v1/wallets/alice/verification", "", map[string]int{"level": 3}); w.Code != http.StatusBadRequest {
		t.Errorf("bad level: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "PUT", "/api/v1/wallets/alice/verification", "", map[string]int{"level": 1}); w.Code != http.StatusOK {
		t.Fatalf("verify: %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/wallets/alice/withdraw", "alice", withdraw)
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/wallets/alice/transactions", "alice", nil)
	txs := decodeBody[struct {
		Count int `json:"count"`
	}](t, w)
	if txs.Count != 2 {
		t.Errorf("transactions = %d, want seed + withdrawal", txs.Count)
	}

	w = env.do(t, "GET", "/api/v1/admin/wallets/alice/reconcile", "", nil)
	rep := decodeBody[wallet.ReconcileReport](t, w)
	if !rep.Consistent || !rep.Balance.Equal(d(250)) {
		t.Errorf("reconcile = %+v", rep)
	}
}

func TestDeposit_PendingUntilWebhook(t *testing.T) {
	env := newTestEnv(t)
	env.card.RequirePayment("https://pay.example/d")

	w := env.do(t, "POST", "/api/v1/wallets/carol/deposit", "carol", api.FundsRequest{Amount: d(40), PaymentMethod: "card"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("deposit: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[map[string]any](t, w)
	if resp["payment_url"] != "https://pay.example/d" || resp["payment_required"] != true {
		t.Errorf("deposit response = %v", resp)
	}
}

// --- Pools, disputes, settlement ---

func TestGetPool_ZeroState(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/pools/unknown", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	pool := decodeBody[model.BettingPool](t, w)
	if !pool.TotalPoolAmount.IsZero() || !pool.IsActive {
		t.Errorf("pool = %+v", pool)
	}
}

func TestSettleDispute_Endpoint(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)
	env.do(t, "POST", "/api/v1/bets", "alice", placeBody(100, model.PartyA))
	env.do(t, "POST", "/api/v1/bets", "bob", placeBody(200, model.PartyB))

	if w := env.do(t, "GET", "/api/v1/disputes/d1/settlement", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("report before settle: expected 404, got %d", w.Code)
	}

	settle := map[string]string{"winning_side": "partyA"}
	w := env.do(t, "POST", "/api/v1/disputes/d1/settle", "", settle)
	if w.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	first := decodeBody[model.SettlementReport](t, w)
	if first.Winners != 1 || first.Losers != 1 || !first.TotalPayout.Equal(d(104.5)) {
		t.Errorf("report = %+v", first)
	}

	w = env.do(t, "POST", "/api/v1/disputes/d1/settle", "", settle)
	if w.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", w.Code)
	}
	if again := decodeBody[model.SettlementReport](t, w); !again.SettledAt.Equal(first.SettledAt) {
		t.Error("replay returned a different report")
	}
	if w := env.do(t, "POST", "/api/v1/disputes/d1/settle", "", map[string]string{"winning_side": "partyB"}); w.Code != http.StatusConflict {
		t.Errorf("mismatch: expected 409, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/bets", "bob", placeBody(10, model.PartyB)); w.Code != http.StatusConflict {
		t.Errorf("bet on closed pool: expected 409, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/disputes/d1/settlement", "", nil); w.Code != http.StatusOK {
		t.Errorf("report after settle: expected 200, got %d", w.Code)
	}
}

func TestUpsertDispute_CancelVoidsPool(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 500)
	env.do(t, "POST", "/api/v1/bets", "alice", placeBody(100, model.PartyA))

	w := env.do(t, "PUT", "/api/v1/disputes/d1", "", api.DisputeRequest{Status: model.DisputeCancelled})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel dispute: %d %s", w.Code, w.Body.String())
	}
	wl, _ := env.ledger.Get(context.Background(), "alice")
	if !wl.Balance.Equal(d(500)) || !wl.PendingBalance.IsZero() {
		t.Errorf("alice after void: balance=%s pending=%s", wl.Balance, wl.PendingBalance)
	}
	if w := env.do(t, "PUT", "/api/v1/disputes/d1", "", api.DisputeRequest{Status: "paused"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad status: expected 400, got %d", w.Code)
	}
}

// --- Webhooks and admin ---

func TestWebhook(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"event_id":"e1","provider_tx_id":"tx-1","status":"funded"}`)

	post := func(provider, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/v1/webhooks/"+provider, bytes.NewReader(body))
		req.Header.Set("X-Signature", sig)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		return w
	}

	if w := post(escrow.ProviderEscrowCom, "deadbeef"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: expected 401, got %d", w.Code)
	}
	if w := post("unknown", reconcile.Sign(body, webhookSecret)); w.Code != http.StatusBadRequest {
		t.Errorf("unknown provider: expected 400, got %d", w.Code)
	}
	w := post(escrow.ProviderEscrowCom, reconcile.Sign(body, webhookSecret))
	if w.Code != http.StatusAccepted {
		t.Fatalf("valid webhook: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	w = post(escrow.ProviderEscrowCom, reconcile.Sign(body, webhookSecret))
	if resp := decodeBody[map[string]any](t, w); w.Code != http.StatusAccepted || resp["duplicate"] != true {
		t.Errorf("redelivery: %d %v", w.Code, resp)
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, "POST", "/api/v1/admin/payouts/retry", "", nil); w.Code != http.StatusOK {
		t.Errorf("retry payouts: %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/admin/reconcile", "", nil); w.Code != http.StatusOK {
		t.Errorf("reconcile: %d", w.Code)
	}
}
